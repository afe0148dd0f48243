package myenergi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingHub holds every StatusAll call until release receives.
type blockingHub struct {
	*FakeClient
	started chan struct{}
	release chan struct{}
}

func newBlockingHub() *blockingHub {
	return &blockingHub{
		FakeClient: NewFakeClient(),
		started:    make(chan struct{}, 4),
		release:    make(chan struct{}),
	}
}

func (b *blockingHub) StatusAll(ctx context.Context) ([]StatusEnvelope, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.FakeClient.StatusAll(ctx)
}

type envelopeLog struct {
	mu    sync.Mutex
	calls [][]StatusEnvelope
}

func (l *envelopeLog) listen(_ context.Context, envelopes []StatusEnvelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, envelopes)
}

func (l *envelopeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func staticFactory(clients map[string]HubClient) ClientFactory {
	return func(hub HubCredential, _ string) HubClient {
		return clients[hub.ClientID()]
	}
}

func settled(s *Scheduler, polls uint64) func() bool {
	return func() bool {
		for _, st := range s.Statuses() {
			if st.InFlight || st.Polls < polls {
				return false
			}
		}
		return true
	}
}

func TestSchedulerOneHubFailing(t *testing.T) {
	good := NewFakeClient()
	bad := NewFakeClient()
	bad.Fail(errors.New("connection refused"))

	s := NewScheduler(staticFactory(map[string]HubClient{
		"home_111": good,
		"barn_222": bad,
	}), clock.NewMock())
	var log envelopeLog
	s.AddListener(log.listen)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{
		{Hubname: "home", Username: "111", Password: "a"},
		{Hubname: "barn", Username: "222", Password: "b"},
	}}))
	require.Eventually(t, settled(s, 1), time.Second, 5*time.Millisecond)

	res := s.RunPollCycle(context.Background())
	assert.ElementsMatch(t, []string{"home_111", "barn_222"}, res.Polled)
	assert.Equal(t, 1, res.Delivered)
	assert.False(t, res.Discarded)

	require.Equal(t, 2, log.count())
	assert.Len(t, log.calls[1], 4)

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "barn_222", statuses[0].ClientID)
	assert.Equal(t, "connection refused", statuses[0].LastError)
	assert.Equal(t, uint64(2), statuses[0].Failures)
	assert.Empty(t, statuses[1].LastError)
	assert.Equal(t, uint64(2), statuses[1].Polls)
}

func TestSchedulerNoDeliveryWhenAllFail(t *testing.T) {
	bad := NewFakeClient()
	bad.Fail(errors.New("unauthorized"))
	s := NewScheduler(staticFactory(map[string]HubClient{"home_111": bad}), clock.NewMock())
	var log envelopeLog
	s.AddListener(log.listen)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "home", Username: "111"}}}))
	require.Eventually(t, settled(s, 1), time.Second, 5*time.Millisecond)

	res := s.RunPollCycle(context.Background())
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 0, log.count())
}

func TestSchedulerSkipsHubInFlight(t *testing.T) {
	hub := newBlockingHub()
	s := NewScheduler(staticFactory(map[string]HubClient{"home_111": hub}), clock.NewMock())
	var log envelopeLog
	s.AddListener(log.listen)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "home", Username: "111"}}}))
	<-hub.started

	res := s.RunPollCycle(context.Background())
	assert.Equal(t, []string{"home_111"}, res.Skipped)
	assert.Empty(t, res.Polled)
	assert.Equal(t, 0, res.Delivered)

	hub.release <- struct{}{}
	require.Eventually(t, settled(s, 1), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, log.count())
}

func TestSchedulerDiscardsStaleGeneration(t *testing.T) {
	hub := newBlockingHub()
	s := NewScheduler(staticFactory(map[string]HubClient{"home_111": hub}), clock.NewMock())
	var log envelopeLog
	s.AddListener(log.listen)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "home", Username: "111"}}}))
	<-hub.started
	hub.release <- struct{}{}
	require.Eventually(t, settled(s, 1), time.Second, 5*time.Millisecond)
	require.Equal(t, 1, log.count())

	done := make(chan CycleResult, 1)
	go func() { done <- s.RunPollCycle(context.Background()) }()
	<-hub.started

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{}))
	hub.release <- struct{}{}

	res := <-done
	assert.True(t, res.Discarded)
	assert.Equal(t, 1, log.count())
	assert.Empty(t, s.Statuses())
	assert.Equal(t, res.Generation+1, s.Generation())
}

func TestSchedulerTicksAtInterval(t *testing.T) {
	mock := clock.NewMock()
	fake := NewFakeClient()
	s := NewScheduler(staticFactory(map[string]HubClient{"home_111": fake}), mock)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{
		Hubs:         []HubCredential{{Hubname: "home", Username: "111"}},
		PollInterval: 30 * time.Second,
	}))
	require.Eventually(t, settled(s, 1), time.Second, 5*time.Millisecond)
	assert.Equal(t, 30*time.Second, s.Interval())

	// the ticker goroutine may register after the first advance
	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return settled(s, 2)()
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerIgnoresDuplicateHub(t *testing.T) {
	s := NewScheduler(func(HubCredential, string) HubClient { return NewFakeClient() }, clock.NewMock())
	t.Cleanup(s.Stop)

	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{
		{Hubname: "home", Username: "111"},
		{Hubname: "home", Username: "111"},
	}}))
	assert.Equal(t, []string{"home_111"}, s.ClientIDs())
	assert.Equal(t, DefaultPollInterval, s.Interval())

	_, ok := s.Client("home_111")
	assert.True(t, ok)
	_, ok = s.Client("other_1")
	assert.False(t, ok)
}

func TestSchedulerRejectsReconfigureAfterStop(t *testing.T) {
	s := NewScheduler(func(HubCredential, string) HubClient { return NewFakeClient() }, clock.NewMock())
	s.Start(context.Background())
	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "home", Username: "111"}}}))
	gen := s.Generation()

	s.Stop()
	err := s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "barn", Username: "222"}}})
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.Equal(t, gen, s.Generation())
	assert.Equal(t, []string{"home_111"}, s.ClientIDs())

	// a restart accepts configuration again
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	require.NoError(t, s.Reconfigure(context.Background(), HubConfig{Hubs: []HubCredential{{Hubname: "barn", Username: "222"}}}))
	assert.Equal(t, []string{"barn_222"}, s.ClientIDs())
}
