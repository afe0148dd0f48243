package myenergi

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// SubscriptionID is an opaque handle returned by Subscribe.
type SubscriptionID string

// Telemetry is a per-device record of one kind.
type Telemetry interface {
	ID() string
	CTs() []CTReading
}

type subscription[T Telemetry] struct {
	id SubscriptionID
	fn func(context.Context, []T)
}

// Router fans one kind's records out to subscribed devices.
type Router[T Telemetry] struct {
	kind    Kind
	extract func(StatusEnvelope) []T

	mu   sync.RWMutex
	subs []subscription[T]
}

func NewRouter[T Telemetry](kind Kind, extract func(StatusEnvelope) []T) *Router[T] {
	return &Router[T]{kind: kind, extract: extract}
}

func (r *Router[T]) Subscribe(fn func(context.Context, []T)) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	r.mu.Lock()
	r.subs = append(r.subs, subscription[T]{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

// Unsubscribe removes id and reports whether it was subscribed.
func (r *Router[T]) Unsubscribe(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Router[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// OnScheduledData collects this kind's records from every envelope and
// hands the combined slice to each subscriber once. Cycles without records
// of this kind are not delivered.
func (r *Router[T]) OnScheduledData(ctx context.Context, envelopes []StatusEnvelope) {
	var records []T
	for _, env := range envelopes {
		records = append(records, r.extract(env)...)
	}
	if len(records) == 0 {
		return
	}

	r.mu.RLock()
	subs := make([]subscription[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		r.deliver(ctx, sub, records)
	}
}

func (r *Router[T]) deliver(ctx context.Context, sub subscription[T], records []T) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("myenergi: %s subscriber %s panicked: %v", r.kind, sub.id, p)
		}
	}()
	sub.fn(ctx, records)
}
