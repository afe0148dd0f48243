// Package host is the in-process device runtime plugins run inside: paired
// devices with capabilities, settings and lifecycle hooks, app settings,
// flow cards, persistence, and an optional MQTT bridge.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrUnknownDriver = errors.New("unknown driver")
	ErrDeviceExists  = errors.New("device already paired")
	ErrNoDevice      = errors.New("device not found")
)

// PairRecord is what a driver offers during pairing.
type PairRecord struct {
	Name         string         `json:"name"`
	Data         map[string]any `json:"data"`
	Icon         string         `json:"icon,omitempty"`
	Store        map[string]any `json:"store,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// DeviceID derives the runtime device id from the driver and data.id.
func DeviceID(driverID string, dataID any) string {
	return driverID + "-" + asString(dataID)
}

// SettingsEvent is passed to OnSettings. Old and New are full copies.
type SettingsEvent struct {
	Old         map[string]any
	New         map[string]any
	ChangedKeys []string
}

// Changed reports whether key is among the changed keys.
func (e SettingsEvent) Changed(key string) bool {
	for _, k := range e.ChangedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// DeviceHooks is the per-device behaviour a driver supplies.
type DeviceHooks interface {
	Init(ctx context.Context) error
	// OnSettings runs before new settings are stored; an error keeps the
	// old settings.
	OnSettings(ctx context.Context, event SettingsEvent) error
	// OnRenamed runs before the new name is stored; an error keeps the
	// old name.
	OnRenamed(ctx context.Context, name string) error
	OnDeleted(ctx context.Context)
}

// AddedHook is implemented by devices that act on first pairing. It runs
// after Init and never for devices restored from state.
type AddedHook interface {
	OnAdded(ctx context.Context)
}

// Driver creates devices of one kind and lists pairable ones.
type Driver interface {
	ID() string
	ListPairable(ctx context.Context) ([]PairRecord, error)
	NewDevice(device *Device) (DeviceHooks, error)
}

type Options struct {
	Clock         clock.Clock
	Persister     *Persister
	FlushInterval time.Duration
	Publisher     Publisher
	TopicPrefix   string
}

type entry struct {
	device *Device
	hooks  DeviceHooks
}

type Runtime struct {
	clock     clock.Clock
	settings  *Settings
	flows     *Flows
	persister *Persister
	interval  time.Duration
	bridge    *bridge

	mu      sync.RWMutex
	drivers map[string]Driver
	devices map[string]*entry
	pending []DeviceRecord

	dirty   atomic.Bool
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func New(opts Options) *Runtime {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	r := &Runtime{
		clock:     c,
		persister: opts.Persister,
		interval:  opts.FlushInterval,
		drivers:   make(map[string]Driver),
		devices:   make(map[string]*entry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.settings = newSettings(r.markDirty)
	r.flows = newFlows(c.Now)
	if opts.Publisher != nil {
		prefix := opts.TopicPrefix
		if prefix == "" {
			prefix = "gohome"
		}
		r.bridge = &bridge{pub: opts.Publisher, prefix: prefix}
		r.flows.OnTrigger(r.bridge.publishEvent)
	}
	return r
}

func (r *Runtime) Settings() *Settings { return r.settings }
func (r *Runtime) Flows() *Flows       { return r.flows }
func (r *Runtime) Clock() clock.Clock  { return r.clock }

func (r *Runtime) markDirty() { r.dirty.Store(true) }

func (r *Runtime) RegisterDriver(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.ID()]; ok {
		return fmt.Errorf("driver %s already registered", d.ID())
	}
	r.drivers[d.ID()] = d
	return nil
}

func (r *Runtime) driver(id string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDriver)
	}
	return d, nil
}

// Restore loads app settings immediately and queues devices until Start.
func (r *Runtime) Restore(snap Snapshot) {
	r.settings.restore(snap.Settings)
	r.mu.Lock()
	r.pending = append(r.pending, snap.Devices...)
	r.mu.Unlock()
}

// Start initializes restored devices, then runs the periodic flush and
// the MQTT command subscription.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime already started")
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, rec := range pending {
		if _, err := r.instantiate(ctx, rec); err != nil {
			log.Printf("host: restore device %s: %v", rec.ID, err)
		}
	}

	if r.bridge != nil {
		if err := r.bridge.pub.Subscribe(r.bridge.commandFilter(), r.handleCommand); err != nil {
			log.Printf("host: mqtt subscribe: %v", err)
		}
		for _, d := range r.Devices() {
			for capability, value := range d.CapabilityValues() {
				if value != nil {
					r.bridge.publishValue(d.ID(), capability, value)
				}
			}
		}
	}

	go r.flushLoop(ctx)
	return nil
}

// Stop ends the flush loop and writes a final snapshot.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.started.Load() {
		close(r.stop)
		<-r.done
	}
	return r.Flush(ctx)
}

func (r *Runtime) flushLoop(ctx context.Context) {
	defer close(r.done)
	if r.persister == nil || r.interval <= 0 {
		select {
		case <-ctx.Done():
		case <-r.stop:
		}
		return
	}
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.dirty.Load() {
				continue
			}
			if err := r.Flush(ctx); err != nil {
				log.Printf("host: flush state: %v", err)
			}
		}
	}
}

// Flush persists the current snapshot when a persister is configured.
func (r *Runtime) Flush(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	r.dirty.Store(false)
	if err := r.persister.Save(ctx, r.Snapshot()); err != nil {
		r.dirty.Store(true)
		return err
	}
	return nil
}

func (r *Runtime) Snapshot() Snapshot {
	snap := Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		SavedAt:       r.clock.Now().UTC(),
		Settings:      r.settings.snapshot(),
	}
	for _, d := range r.Devices() {
		snap.Devices = append(snap.Devices, d.record())
	}
	r.mu.RLock()
	snap.Devices = append(snap.Devices, r.pending...)
	r.mu.RUnlock()
	return snap
}

func (r *Runtime) ListPairable(ctx context.Context, driverID string) ([]PairRecord, error) {
	d, err := r.driver(driverID)
	if err != nil {
		return nil, err
	}
	return d.ListPairable(ctx)
}

// AddDevice pairs rec under driverID and initializes it.
func (r *Runtime) AddDevice(ctx context.Context, driverID string, rec PairRecord) (*Device, error) {
	if _, err := r.driver(driverID); err != nil {
		return nil, err
	}
	if rec.Data["id"] == nil {
		return nil, fmt.Errorf("pair record missing data.id")
	}
	id := DeviceID(driverID, rec.Data["id"])
	values := make(map[string]any, len(rec.Capabilities))
	for _, c := range rec.Capabilities {
		values[c] = nil
	}
	dev, err := r.instantiate(ctx, DeviceRecord{
		ID:           id,
		DriverID:     driverID,
		Name:         rec.Name,
		Data:         rec.Data,
		Store:        rec.Store,
		Settings:     rec.Settings,
		Capabilities: rec.Capabilities,
		Values:       values,
	})
	if err != nil {
		return nil, err
	}
	if hooks, ok := r.Hooks(id); ok {
		if added, ok := hooks.(AddedHook); ok {
			added.OnAdded(ctx)
		}
	}
	r.markDirty()
	log.Printf("host: paired %s (%s)", id, rec.Name)
	return dev, nil
}

func (r *Runtime) instantiate(ctx context.Context, rec DeviceRecord) (*Device, error) {
	drv, err := r.driver(rec.DriverID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.devices[rec.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", rec.ID, ErrDeviceExists)
	}
	dev := newDevice(r, rec)
	e := &entry{device: dev}
	r.devices[rec.ID] = e
	r.mu.Unlock()

	hooks, err := drv.NewDevice(dev)
	if err != nil {
		r.mu.Lock()
		delete(r.devices, rec.ID)
		r.mu.Unlock()
		return nil, fmt.Errorf("create device %s: %w", rec.ID, err)
	}
	r.mu.Lock()
	e.hooks = hooks
	r.mu.Unlock()

	if err := hooks.Init(ctx); err != nil {
		log.Printf("host: init %s: %v", rec.ID, err)
		if err := dev.SetUnavailable(ctx, err.Error()); err != nil {
			log.Printf("host: mark %s unavailable: %v", rec.ID, err)
		}
	}
	return dev, nil
}

func (r *Runtime) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok || e.hooks == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNoDevice)
	}
	return e, nil
}

func (r *Runtime) Device(id string) (*Device, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.device, true
}

// Hooks returns the driver-supplied behaviour of a device.
func (r *Runtime) Hooks(id string) (DeviceHooks, bool) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.hooks, true
}

// Devices lists initialized devices ordered by id.
func (r *Runtime) Devices() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, e := range r.devices {
		if e.hooks != nil {
			out = append(out, e.device)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Runtime) RemoveDevice(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.hooks.OnDeleted(ctx)
	r.mu.Lock()
	delete(r.devices, id)
	r.mu.Unlock()
	r.markDirty()
	log.Printf("host: removed %s", id)
	return nil
}

// SetCapability routes a capability write to the device listener. The
// listener owns the stored value: it pushes whatever the value normalizes
// to, and nothing is stored when it fails.
func (r *Runtime) SetCapability(ctx context.Context, id, capability string, value any) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !e.device.HasCapability(capability) {
		return fmt.Errorf("%s: %w", capability, ErrUnknownCapability)
	}
	fn := e.device.listener(capability)
	if fn == nil {
		return fmt.Errorf("%s: %w", capability, ErrNotSettable)
	}
	return fn(ctx, value)
}

// UpdateSettings merges patch into the device settings after the device
// accepts the change.
func (r *Runtime) UpdateSettings(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	old := e.device.Settings()
	next := cloneMap(old)
	var changed []string
	for k, v := range patch {
		if prev, ok := old[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		next[k] = v
		changed = append(changed, k)
	}
	if len(changed) == 0 {
		return old, nil
	}
	sort.Strings(changed)

	if err := e.hooks.OnSettings(ctx, SettingsEvent{Old: old, New: cloneMap(next), ChangedKeys: changed}); err != nil {
		return nil, err
	}
	e.device.SetSettings(patchOf(next, changed))
	return e.device.Settings(), nil
}

func patchOf(values map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = values[k]
	}
	return out
}

func (r *Runtime) Rename(ctx context.Context, id, name string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if err := e.hooks.OnRenamed(ctx, name); err != nil {
		return err
	}
	e.device.setName(name)
	return nil
}

func (r *Runtime) capabilityChanged(d *Device, capability string, value any) {
	r.markDirty()
	if r.bridge != nil {
		r.bridge.publishValue(d.ID(), capability, value)
	}
}
