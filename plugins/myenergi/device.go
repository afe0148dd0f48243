package myenergi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

const offsetResetDelay = time.Second

var ErrNoClient = errors.New("hub not configured")

// deps is what every device needs from the plugin.
type deps struct {
	scheduler *Scheduler
	flows     *host.Flows
	clock     clock.Clock
}

type capValue struct {
	id    string
	value any
}

// deviceBase is the state and behaviour shared by every device kind.
type deviceBase struct {
	kind     Kind
	dev      *host.Device
	deps     *deps
	serial   string
	clientID string

	mu     sync.Mutex
	meters map[string]*Meter
	timers map[string]*clock.Timer
	sub    SubscriptionID
}

func newDeviceBase(kind Kind, dev *host.Device, d *deps) (*deviceBase, error) {
	serial := dev.DataString("id")
	if serial == "" {
		return nil, fmt.Errorf("%s device %s has no serial", kind, dev.ID())
	}
	return &deviceBase{
		kind:     kind,
		dev:      dev,
		deps:     d,
		serial:   serial,
		clientID: dev.StoreString("myenergiClientId"),
		meters:   make(map[string]*Meter),
		timers:   make(map[string]*clock.Timer),
	}, nil
}

func (b *deviceBase) logf(format string, args ...any) {
	log.Printf("myenergi: %s %s: "+format, append([]any{b.kind, b.serial}, args...)...)
}

// client resolves the hub handle on every call so reconfiguration never
// leaves a device holding a stale one.
func (b *deviceBase) client() (HubClient, error) {
	c, ok := b.deps.scheduler.Client(b.clientID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", b.clientID, ErrNoClient)
	}
	return c, nil
}

// push writes values in order. A failed write is logged and the rest
// still go out.
func (b *deviceBase) push(ctx context.Context, values []capValue) {
	for _, v := range values {
		if err := b.dev.SetCapabilityValue(ctx, v.id, v.value); err != nil {
			b.logf("set %s: %v", v.id, err)
		}
	}
}

// command applies optimistic values, calls the hub and restores the
// previous values if the call fails.
func (b *deviceBase) command(ctx context.Context, action string, optimistic []capValue, call func(context.Context, HubClient) error) error {
	previous := make([]capValue, 0, len(optimistic))
	for _, v := range optimistic {
		previous = append(previous, capValue{id: v.id, value: b.dev.CapabilityValue(v.id)})
	}
	b.push(ctx, optimistic)

	err := b.call(ctx, call)
	if err != nil {
		b.logf("%s failed: %v", action, err)
		b.push(ctx, previous)
		return fmt.Errorf("%s %s: %w", action, b.serial, err)
	}
	b.logf("%s ok", action)
	return nil
}

func (b *deviceBase) call(ctx context.Context, fn func(context.Context, HubClient) error) error {
	client, err := b.client()
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

// meter returns the named meter, seeding it from the stored capability value.
func (b *deviceBase) meter(name, capability string) *Meter {
	m, ok := b.meters[name]
	if !ok {
		m = NewMeter(b.deps.clock.Now(), toFloat(b.dev.CapabilityValue(capability)))
		b.meters[name] = m
	}
	return m
}

// applyOffset adds offset to a meter and clears the setting shortly after
// so a repeated save does not apply it twice. Callers hold b.mu.
func (b *deviceBase) applyOffset(settingKey, meterName, capability string, offset float64) float64 {
	value := b.meter(meterName, capability).Add(offset)
	if t, ok := b.timers[settingKey]; ok {
		t.Stop()
	}
	b.timers[settingKey] = b.deps.clock.AfterFunc(offsetResetDelay, func() {
		b.dev.SetSettings(map[string]any{settingKey: 0})
	})
	b.logf("applied %s %.3f kWh", settingKey, offset)
	return value
}

func (b *deviceBase) OnAdded(context.Context) {
	b.logf("added")
}

func (b *deviceBase) stopTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, t := range b.timers {
		t.Stop()
		delete(b.timers, key)
	}
}

func (b *deviceBase) syncCapabilities(ctx context.Context, canonical []string) {
	if DetectChanges(b.dev, canonical) {
		Reconcile(ctx, b.dev, canonical)
	}
}

func (b *deviceBase) trigger(ctx context.Context, card string, tokens map[string]any) {
	if b.deps.flows == nil {
		return
	}
	if err := b.deps.flows.Trigger(ctx, b.dev, card, tokens); err != nil {
		b.logf("trigger %s: %v", card, err)
	}
}

// rename stores name as the hub's app key for this device.
func (b *deviceBase) rename(ctx context.Context, name string) error {
	client, err := b.client()
	if err != nil {
		return fmt.Errorf("rename %s: %w", b.serial, err)
	}
	result, err := client.SetAppKey(ctx, b.kind.prefix()+b.serial, name)
	if err != nil {
		b.logf("rename to %q failed: %v", name, err)
		return fmt.Errorf("rename %s: %w", b.serial, err)
	}
	if len(result) == 0 || result[0].Val != name {
		b.logf("rename to %q not confirmed by hub", name)
		return fmt.Errorf("rename %s: hub did not confirm name %q", b.serial, name)
	}
	b.logf("renamed to %q", name)
	return nil
}

// backfillSite fills siteName, hubSerial and the kind serial when any is
// missing. It returns the written patch, or nil.
func (b *deviceBase) backfillSite(ctx context.Context, siteName, hubSerial, kindSerial string) map[string]any {
	if siteName != "" && hubSerial != "" && kindSerial != "" {
		return nil
	}
	client, err := b.client()
	if err != nil {
		b.logf("site metadata: %v", err)
		return nil
	}
	patch, err := siteMetadata(ctx, client, b.kind, b.serial)
	if err != nil {
		b.logf("site metadata: %v", err)
		return nil
	}
	if len(patch) > 0 {
		b.dev.SetSettings(patch)
	}
	return patch
}

// siteMetadata reads the site name, hub serial and device app key.
func siteMetadata(ctx context.Context, client HubClient, kind Kind, serial string) (map[string]any, error) {
	patch := make(map[string]any, 3)
	full, err := client.AppKeyFull(ctx, "siteName")
	if err != nil {
		return nil, fmt.Errorf("site name: %w", err)
	}
	hubs := make([]string, 0, len(full))
	for hub := range full {
		hubs = append(hubs, hub)
	}
	sort.Strings(hubs)
	if len(hubs) > 0 {
		patch["hubSerial"] = hubs[0]
		if entries := full[hubs[0]]; len(entries) > 0 {
			patch["siteName"] = entries[0].Val
		}
	}

	entries, err := client.AppKey(ctx, kind.prefix()+serial)
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}
	if len(entries) > 0 {
		patch[string(kind)+"Serial"] = entries[0].Key
	}
	return patch, nil
}

func patchString(patch map[string]any, key string, dst *string) {
	if v, ok := patch[key].(string); ok {
		*dst = v
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

// current derives amps from watts and volts; zero volts yields zero.
func current(power, voltage float64) float64 {
	if voltage <= 0 {
		return 0
	}
	return power / voltage
}
