package host

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrCapabilityExists  = errors.New("capability already present")
	ErrNotSettable       = errors.New("capability has no listener")
)

// CapabilityListener handles a write to a capability coming from a user,
// a flow or the MQTT bridge.
type CapabilityListener func(ctx context.Context, value any) error

// Device is the runtime's record of one paired device: its ordered
// capability list with values, availability, settings, and store.
type Device struct {
	id       string
	driverID string
	runtime  *Runtime

	mu           sync.RWMutex
	name         string
	data         map[string]any
	store        map[string]any
	settings     map[string]any
	capabilities []string
	values       map[string]any
	available    bool
	reason       string
	listeners    map[string]CapabilityListener
}

func newDevice(r *Runtime, rec DeviceRecord) *Device {
	d := &Device{
		id:           rec.ID,
		driverID:     rec.DriverID,
		runtime:      r,
		name:         rec.Name,
		data:         cloneMap(rec.Data),
		store:        cloneMap(rec.Store),
		settings:     cloneMap(rec.Settings),
		capabilities: slices.Clone(rec.Capabilities),
		values:       cloneMap(rec.Values),
		available:    true,
		listeners:    make(map[string]CapabilityListener),
	}
	return d
}

func (d *Device) ID() string       { return d.id }
func (d *Device) DriverID() string { return d.driverID }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) setName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	d.runtime.markDirty()
}

// Data returns an immutable pairing data value such as the serial.
func (d *Device) Data(key string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.data[key]
}

func (d *Device) DataString(key string) string {
	return asString(d.Data(key))
}

func (d *Device) StoreValue(key string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.store[key]
}

func (d *Device) StoreString(key string) string {
	return asString(d.StoreValue(key))
}

func (d *Device) SetStoreValue(key string, value any) {
	d.mu.Lock()
	d.store[key] = value
	d.mu.Unlock()
	d.runtime.markDirty()
}

// Settings returns a copy of the device settings.
func (d *Device) Settings() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneMap(d.settings)
}

// SetSettings merges patch into the stored settings without invoking the
// settings hook. Devices use it to write back derived values.
func (d *Device) SetSettings(patch map[string]any) {
	d.mu.Lock()
	for k, v := range patch {
		d.settings[k] = v
	}
	d.mu.Unlock()
	d.runtime.markDirty()
}

func (d *Device) Capabilities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.capabilities)
}

func (d *Device) HasCapability(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.capabilities, id)
}

// AddCapability appends id to the capability list with a nil value.
func (d *Device) AddCapability(_ context.Context, id string) error {
	d.mu.Lock()
	if slices.Contains(d.capabilities, id) {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrCapabilityExists)
	}
	d.capabilities = append(d.capabilities, id)
	d.values[id] = nil
	d.mu.Unlock()
	d.runtime.markDirty()
	return nil
}

// RemoveCapability drops id and its value.
func (d *Device) RemoveCapability(_ context.Context, id string) error {
	d.mu.Lock()
	idx := slices.Index(d.capabilities, id)
	if idx < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownCapability)
	}
	d.capabilities = slices.Delete(d.capabilities, idx, idx+1)
	delete(d.values, id)
	d.mu.Unlock()
	d.runtime.markDirty()
	return nil
}

func (d *Device) CapabilityValue(id string) any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.values[id]
}

// CapabilityValues returns a copy of all values keyed by capability.
func (d *Device) CapabilityValues() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.capabilities))
	for _, c := range d.capabilities {
		out[c] = d.values[c]
	}
	return out
}

// SetCapabilityValue stores value for a present capability. Changed values
// are published through the runtime.
func (d *Device) SetCapabilityValue(_ context.Context, id string, value any) error {
	d.mu.Lock()
	if !slices.Contains(d.capabilities, id) {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownCapability)
	}
	prev := d.values[id]
	d.values[id] = value
	d.mu.Unlock()

	if !reflect.DeepEqual(prev, value) {
		d.runtime.capabilityChanged(d, id, value)
	}
	return nil
}

func (d *Device) SetAvailable(_ context.Context) error {
	d.mu.Lock()
	d.available = true
	d.reason = ""
	d.mu.Unlock()
	return nil
}

func (d *Device) SetUnavailable(_ context.Context, reason string) error {
	d.mu.Lock()
	d.available = false
	d.reason = reason
	d.mu.Unlock()
	return nil
}

func (d *Device) Available() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.available
}

func (d *Device) UnavailableReason() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reason
}

func (d *Device) RegisterCapabilityListener(id string, fn CapabilityListener) {
	d.mu.Lock()
	d.listeners[id] = fn
	d.mu.Unlock()
}

func (d *Device) listener(id string) CapabilityListener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners[id]
}

func (d *Device) record() DeviceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceRecord{
		ID:           d.id,
		DriverID:     d.driverID,
		Name:         d.name,
		Data:         cloneMap(d.data),
		Store:        cloneMap(d.store),
		Settings:     cloneMap(d.settings),
		Capabilities: slices.Clone(d.capabilities),
		Values:       cloneMap(d.values),
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
