package myenergi

import (
	"context"
	"fmt"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

var harviCapabilities = []string{
	"meter_power",
	"measure_power",
	"ct1_type",
	"measure_power_ct1",
	"ct2_type",
	"measure_power_ct2",
	"ct3_type",
	"measure_power_ct3",
	"button.reset_meter",
	"button.reload_capabilities",
}

func newHarviDriver(d *deps) *Driver[HarviTelemetry] {
	return &Driver[HarviTelemetry]{
		kind:         KindHarvi,
		deps:         d,
		router:       NewRouter(KindHarvi, func(e StatusEnvelope) []HarviTelemetry { return e.Harvi }),
		capabilities: harviCapabilities,
		channels:     3,
		listAll: func(ctx context.Context, c HubClient) ([]HarviTelemetry, error) {
			return c.HarviStatusAll(ctx)
		},
		build: func(base *deviceBase, d *Driver[HarviTelemetry]) (host.DeviceHooks, error) {
			return &HarviDevice{deviceBase: base, driver: d}, nil
		},
	}
}

// HarviDevice is a CT-only sensor.
type HarviDevice struct {
	*deviceBase
	driver *Driver[HarviTelemetry]

	// guarded by deviceBase.mu
	settings   HarviSettings
	autoDetect bool
	power      float64
}

func (h *HarviDevice) Init(ctx context.Context) error {
	h.syncCapabilities(ctx, h.driver.capabilities)

	settings, err := DecodeSettings[HarviSettings](h.dev.Settings())
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.settings = settings
	h.meter("total", "meter_power")
	h.mu.Unlock()

	h.dev.RegisterCapabilityListener("button.reset_meter", func(ctx context.Context, _ any) error {
		h.ResetMeter(ctx)
		return nil
	})
	h.dev.RegisterCapabilityListener("button.reload_capabilities", func(ctx context.Context, _ any) error {
		h.ReloadCapabilities(ctx)
		return nil
	})

	h.sub = h.driver.router.Subscribe(h.onTelemetry)

	if err := h.call(ctx, func(ctx context.Context, c HubClient) error {
		rec, err := c.HarviStatus(ctx, h.serial)
		if err != nil {
			return err
		}
		h.process(ctx, rec)
		return nil
	}); err != nil {
		h.logf("initial status: %v", err)
	}

	if patch := h.backfillSite(ctx, settings.SiteName, settings.HubSerial, settings.HarviSerial); patch != nil {
		h.mu.Lock()
		patchString(patch, "siteName", &h.settings.SiteName)
		patchString(patch, "hubSerial", &h.settings.HubSerial)
		patchString(patch, "harviSerial", &h.settings.HarviSerial)
		h.mu.Unlock()
	}

	h.logf("initialized")
	return nil
}

func (h *HarviDevice) onTelemetry(ctx context.Context, records []HarviTelemetry) {
	if !h.dev.Available() {
		return
	}
	for _, rec := range records {
		if rec.ID() == h.serial {
			h.process(ctx, rec)
		}
	}
}

func (h *HarviDevice) process(ctx context.Context, rec HarviTelemetry) {
	h.mu.Lock()
	cts := rec.CTs()
	power := h.settings.inclusion().Power(cts)
	h.power = power
	energy := h.meter("total", "meter_power").Sample(power, h.deps.clock.Now())

	var writeBack map[string]any
	if h.autoDetect {
		h.autoDetect = false
		writeBack = detectedIncludes(cts)
	}
	values := []capValue{
		{"meter_power", energy},
		{"measure_power", power},
	}
	for i, ct := range cts {
		values = append(values,
			capValue{fmt.Sprintf("ct%d_type", i+1), ct.Label},
			capValue{fmt.Sprintf("measure_power_ct%d", i+1), ct.Power},
		)
	}
	h.mu.Unlock()

	if writeBack != nil {
		h.dev.SetSettings(writeBack)
	}
	h.push(ctx, values)
}

func (h *HarviDevice) ResetMeter(ctx context.Context) {
	h.mu.Lock()
	h.meter("total", "meter_power").Reset()
	h.mu.Unlock()
	h.push(ctx, []capValue{{"meter_power", 0.0}})
	h.logf("meter reset")
}

func (h *HarviDevice) ReloadCapabilities(ctx context.Context) {
	Reconcile(ctx, h.dev, h.driver.capabilities)
}

func (h *HarviDevice) OnSettings(ctx context.Context, ev host.SettingsEvent) error {
	next, err := DecodeSettings[HarviSettings](ev.New)
	if err != nil {
		return err
	}
	if err := validatePowerMode(next.PowerCalculationMode); err != nil {
		return err
	}

	var values []capValue
	h.mu.Lock()
	h.settings = next
	toAutomatic := ev.Changed("powerCalculationMode") && next.PowerCalculationMode != PowerManual
	if toAutomatic {
		h.autoDetect = true
	}
	if ev.Changed("totalEnergyOffset") && next.TotalEnergyOffset != 0 {
		energy := h.applyOffset("totalEnergyOffset", "total", "meter_power", next.TotalEnergyOffset)
		h.settings.TotalEnergyOffset = 0
		values = append(values, capValue{"meter_power", energy})
	}
	h.mu.Unlock()

	h.push(ctx, values)
	if toAutomatic {
		if err := h.call(ctx, func(ctx context.Context, c HubClient) error {
			rec, err := c.HarviStatus(ctx, h.serial)
			if err != nil {
				return err
			}
			h.process(ctx, rec)
			return nil
		}); err != nil {
			h.logf("channel detection deferred to next poll: %v", err)
		}
	}
	h.logf("settings changed: %v", ev.ChangedKeys)
	return nil
}

func (h *HarviDevice) OnRenamed(ctx context.Context, name string) error {
	return h.rename(ctx, name)
}

func (h *HarviDevice) OnDeleted(context.Context) {
	h.driver.router.Unsubscribe(h.sub)
	h.stopTimers()
	h.logf("deleted")
}

func (h *HarviDevice) Power() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.power
}

func (h *HarviDevice) Settings() HarviSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}
