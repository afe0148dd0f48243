package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrUnknownFlowCard = errors.New("unknown flow card")

type FlowCardKind string

const (
	FlowTrigger   FlowCardKind = "trigger"
	FlowAction    FlowCardKind = "action"
	FlowCondition FlowCardKind = "condition"
)

// FlowCard describes one registered card.
type FlowCard struct {
	ID       string       `json:"id"`
	Kind     FlowCardKind `json:"kind"`
	DriverID string       `json:"driver_id"`
	Args     []string     `json:"args,omitempty"`
}

// FlowEvent is a fired trigger.
type FlowEvent struct {
	Card     string         `json:"card"`
	DriverID string         `json:"driver_id"`
	DeviceID string         `json:"device_id"`
	Tokens   map[string]any `json:"tokens,omitempty"`
	At       time.Time      `json:"at"`
}

type ActionFunc func(ctx context.Context, device *Device, args map[string]any) error

type ConditionFunc func(ctx context.Context, device *Device, args map[string]any) (bool, error)

type flowEntry struct {
	card      FlowCard
	action    ActionFunc
	condition ConditionFunc
}

const recentFlowEvents = 100

// Flows holds the device trigger, action, and condition cards.
type Flows struct {
	now func() time.Time

	mu        sync.RWMutex
	cards     map[string]flowEntry
	listeners map[int]func(FlowEvent)
	nextID    int
	recent    []FlowEvent
}

func newFlows(now func() time.Time) *Flows {
	return &Flows{
		now:       now,
		cards:     make(map[string]flowEntry),
		listeners: make(map[int]func(FlowEvent)),
	}
}

func flowKey(driverID string, kind FlowCardKind, id string) string {
	return driverID + "/" + string(kind) + "/" + id
}

func (f *Flows) register(entry flowEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[flowKey(entry.card.DriverID, entry.card.Kind, entry.card.ID)] = entry
}

func (f *Flows) RegisterTrigger(driverID, id string) {
	f.register(flowEntry{card: FlowCard{ID: id, Kind: FlowTrigger, DriverID: driverID}})
}

func (f *Flows) RegisterAction(driverID, id string, args []string, fn ActionFunc) {
	f.register(flowEntry{card: FlowCard{ID: id, Kind: FlowAction, DriverID: driverID, Args: args}, action: fn})
}

func (f *Flows) RegisterCondition(driverID, id string, args []string, fn ConditionFunc) {
	f.register(flowEntry{card: FlowCard{ID: id, Kind: FlowCondition, DriverID: driverID, Args: args}, condition: fn})
}

func (f *Flows) lookup(driverID string, kind FlowCardKind, id string) (flowEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cards[flowKey(driverID, kind, id)]
	if !ok {
		return flowEntry{}, fmt.Errorf("%s %s for %s: %w", kind, id, driverID, ErrUnknownFlowCard)
	}
	return entry, nil
}

// Trigger fires a trigger card for device and notifies listeners.
func (f *Flows) Trigger(_ context.Context, device *Device, id string, tokens map[string]any) error {
	if _, err := f.lookup(device.DriverID(), FlowTrigger, id); err != nil {
		return err
	}
	event := FlowEvent{
		Card:     id,
		DriverID: device.DriverID(),
		DeviceID: device.ID(),
		Tokens:   tokens,
		At:       f.now(),
	}
	flowTriggers.WithLabelValues(event.DriverID, id).Inc()

	f.mu.Lock()
	f.recent = append(f.recent, event)
	if len(f.recent) > recentFlowEvents {
		f.recent = f.recent[len(f.recent)-recentFlowEvents:]
	}
	ids := make([]int, 0, len(f.listeners))
	for lid := range f.listeners {
		ids = append(ids, lid)
	}
	sort.Ints(ids)
	fns := make([]func(FlowEvent), 0, len(ids))
	for _, lid := range ids {
		fns = append(fns, f.listeners[lid])
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

func (f *Flows) RunAction(ctx context.Context, device *Device, id string, args map[string]any) error {
	entry, err := f.lookup(device.DriverID(), FlowAction, id)
	if err != nil {
		return err
	}
	return entry.action(ctx, device, args)
}

func (f *Flows) EvaluateCondition(ctx context.Context, device *Device, id string, args map[string]any) (bool, error) {
	entry, err := f.lookup(device.DriverID(), FlowCondition, id)
	if err != nil {
		return false, err
	}
	return entry.condition(ctx, device, args)
}

// Cards lists registered cards ordered by driver, kind, and id.
func (f *Flows) Cards() []FlowCard {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FlowCard, 0, len(f.cards))
	for _, entry := range f.cards {
		out = append(out, entry.card)
	}
	sort.Slice(out, func(i, j int) bool {
		return flowKey(out[i].DriverID, out[i].Kind, out[i].ID) < flowKey(out[j].DriverID, out[j].Kind, out[j].ID)
	})
	return out
}

// Recent returns up to n of the latest fired triggers, oldest first.
func (f *Flows) Recent(n int) []FlowEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n <= 0 || n > len(f.recent) {
		n = len(f.recent)
	}
	return append([]FlowEvent(nil), f.recent[len(f.recent)-n:]...)
}

// OnTrigger subscribes to fired triggers.
func (f *Flows) OnTrigger(fn func(FlowEvent)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}
