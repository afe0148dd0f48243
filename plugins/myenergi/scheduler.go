package myenergi

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultPollInterval = 60 * time.Second

var ErrSchedulerStopped = errors.New("myenergi scheduler stopped")

// HubCredential is one entry of the myenergiHubs app setting. The stored
// form never carries Password; it is resolved from config or PasswordFile
// when the scheduler is reconfigured.
type HubCredential struct {
	Hubname      string `json:"hubname"`
	Username     string `json:"username"`
	Password     string `json:"password,omitempty"`
	PasswordFile string `json:"passwordFile,omitempty"`
	// PollInterval is accepted for older settings and ignored.
	PollInterval int `json:"pollInterval,omitempty"`
}

func (h HubCredential) ClientID() string {
	return h.Hubname + "_" + h.Username
}

// HubConfig is the full scheduler configuration; it replaces the previous
// one wholesale.
type HubConfig struct {
	Hubs         []HubCredential
	PollInterval time.Duration
	BaseURL      string
}

// ClientFactory builds the client for one credential.
type ClientFactory func(hub HubCredential, baseURL string) HubClient

// Listener receives the merged envelopes of one poll cycle.
type Listener func(ctx context.Context, envelopes []StatusEnvelope)

// HubStatus is the last known fetch state of one hub.
type HubStatus struct {
	ClientID     string
	Hubname      string
	LastSuccess  time.Time
	LastError    string
	LastDuration time.Duration
	Polls        uint64
	Failures     uint64
	InFlight     bool
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Generation uint64
	Polled     []string
	Skipped    []string
	Delivered  int
	Discarded  bool
}

type hubHandle struct {
	cred   HubCredential
	client HubClient
}

// Scheduler owns the client handles and drives periodic polling.
type Scheduler struct {
	factory ClientFactory
	clock   clock.Clock

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
	interval   time.Duration
	hubs       []hubHandle
	inflight   map[string]bool
	status     map[string]*HubStatus
	listeners  []Listener
	stopTicker chan struct{}
	stopped    bool
	wg         sync.WaitGroup
}

func NewScheduler(factory ClientFactory, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		factory:  factory,
		clock:    c,
		ctx:      ctx,
		cancel:   cancel,
		interval: DefaultPollInterval,
		inflight: make(map[string]bool),
		status:   make(map[string]*HubStatus),
	}
}

// Start ties background polling to ctx. Call it before Reconfigure.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = false
}

// Stop cancels in-flight fetches and the ticker and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	if s.stopTicker != nil {
		close(s.stopTicker)
		s.stopTicker = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) AddListener(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reconfigure discards every handle, builds one per hub, runs a poll in the
// background and restarts the ticker at the configured interval. It fails
// with ErrSchedulerStopped after Stop.
func (s *Scheduler) Reconfigure(_ context.Context, cfg HubConfig) error {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	hubs := make([]hubHandle, 0, len(cfg.Hubs))
	status := make(map[string]*HubStatus, len(cfg.Hubs))
	for _, cred := range cfg.Hubs {
		id := cred.ClientID()
		if _, dup := status[id]; dup {
			log.Printf("myenergi: duplicate hub %s ignored", id)
			continue
		}
		hubs = append(hubs, hubHandle{cred: cred, client: s.factory(cred, cfg.BaseURL)})
		status[id] = &HubStatus{ClientID: id, Hubname: cred.Hubname}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.generation++
	s.hubs = hubs
	s.status = status
	s.inflight = make(map[string]bool)
	s.interval = interval
	if s.stopTicker != nil {
		close(s.stopTicker)
	}
	stop := make(chan struct{})
	s.stopTicker = stop
	ctx := s.ctx
	gen := s.generation
	// added under mu so Stop cannot be waiting already
	s.wg.Add(2)
	s.mu.Unlock()

	log.Printf("myenergi: configured %d hub(s), polling every %s", len(hubs), interval)

	go func() {
		defer s.wg.Done()
		s.RunPollCycle(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx, gen, interval, stop)
	}()
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, gen uint64, interval time.Duration, stop <-chan struct{}) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if s.Generation() != gen {
				return
			}
			s.RunPollCycle(ctx)
		}
	}
}

// RunPollCycle fetches every hub concurrently and notifies listeners once
// with the merged envelopes. Hubs still busy with a previous fetch are
// skipped; results are dropped if the configuration changed meanwhile.
func (s *Scheduler) RunPollCycle(ctx context.Context) CycleResult {
	s.mu.Lock()
	gen := s.generation
	interval := s.interval
	listeners := append([]Listener(nil), s.listeners...)
	result := CycleResult{Generation: gen}
	var jobs []hubHandle
	for _, h := range s.hubs {
		id := h.cred.ClientID()
		if s.inflight[id] {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		s.inflight[id] = true
		s.status[id].InFlight = true
		jobs = append(jobs, h)
		result.Polled = append(result.Polled, id)
	}
	s.mu.Unlock()

	for _, id := range result.Skipped {
		log.Printf("myenergi: hub %s still fetching, skipping this cycle", id)
	}

	results := make([][]StatusEnvelope, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, job := range jobs {
		go func() {
			defer wg.Done()
			id := job.cred.ClientID()
			fetchCtx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()

			start := s.clock.Now()
			envelopes, err := job.client.StatusAll(fetchCtx)
			s.finish(gen, id, start, err)
			if err != nil {
				log.Printf("myenergi: fetch hub %s: %v", id, err)
				return
			}
			results[i] = envelopes
		}()
	}
	wg.Wait()

	var merged []StatusEnvelope
	for _, envelopes := range results {
		if envelopes == nil {
			continue
		}
		result.Delivered++
		merged = append(merged, envelopes...)
	}

	if s.Generation() != gen {
		log.Printf("myenergi: hubs reconfigured during poll, discarding results")
		result.Discarded = true
		return result
	}
	if result.Delivered == 0 {
		return result
	}
	for _, fn := range listeners {
		fn(ctx, merged)
	}
	return result
}

func (s *Scheduler) finish(gen uint64, id string, start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	delete(s.inflight, id)
	st, ok := s.status[id]
	if !ok {
		return
	}
	now := s.clock.Now()
	st.InFlight = false
	st.Polls++
	st.LastDuration = now.Sub(start)
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		return
	}
	st.LastSuccess = now
	st.LastError = ""
}

func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Client resolves the current handle for a client id.
func (s *Scheduler) Client(id string) (HubClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hubs {
		if h.cred.ClientID() == id {
			return h.client, true
		}
	}
	return nil, false
}

// ClientIDs lists client ids in configuration order.
func (s *Scheduler) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.hubs))
	for _, h := range s.hubs {
		ids = append(ids, h.cred.ClientID())
	}
	return ids
}

// Statuses returns a copy of every hub's status ordered by client id.
func (s *Scheduler) Statuses() []HubStatus {
	s.mu.Lock()
	out := make([]HubStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
