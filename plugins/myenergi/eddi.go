package myenergi

import (
	"context"
	"fmt"
	"strconv"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

// HeaterStatus is the eddi status (sta).
type HeaterStatus int

const (
	HeaterPaused    HeaterStatus = 1
	HeaterDiverting HeaterStatus = 3
	HeaterBoost     HeaterStatus = 4
	HeaterMaxTemp   HeaterStatus = 5
	HeaterStopped   HeaterStatus = 6
)

func (s HeaterStatus) Text() string {
	switch s {
	case HeaterPaused:
		return "Paused"
	case HeaterDiverting:
		return "Diverting"
	case HeaterBoost:
		return "Boost"
	case HeaterMaxTemp:
		return "Max temperature reached"
	case HeaterStopped:
		return "Stopped"
	}
	return "Unknown"
}

type EddiMode int

const (
	EddiOff EddiMode = 0
	EddiOn  EddiMode = 1
)

func (m EddiMode) String() string {
	if m == EddiOn {
		return "On"
	}
	return "Off"
}

const (
	defaultHeater1Name = "Heater 1"
	defaultHeater2Name = "Heater 2"
)

var eddiCapabilities = []string{
	"onoff",
	"heater_status",
	"heater_status_txt",
	"heater_session_transferred",
	"measure_power",
	"meter_power",
	"measure_power_ct1",
	"meter_power_ct1",
	"measure_power_ct2",
	"meter_power_ct2",
	"measure_power_ct3",
	"meter_power_ct3",
	"measure_power_generated",
	"meter_power_generated",
	"measure_current_ct1",
	"measure_current_ct2",
	"measure_voltage",
	"measure_frequency",
	"measure_temperature_1",
	"measure_temperature_2",
	"heater_1_name",
	"heater_2_name",
	"eddi_boost_mode",
	"eddi_boost_heater",
	"eddi_boost_remaining",
	"button.reset_meter",
	"button.reload_capabilities",
}

var eddiOffsets = []struct {
	setting    string
	meter      string
	capability string
}{
	{"energyOffsetTotal", "total", "meter_power"},
	{"energyOffsetCT1", "ct1", "meter_power_ct1"},
	{"energyOffsetCT2", "ct2", "meter_power_ct2"},
	{"energyOffsetCT3", "ct3", "meter_power_ct3"},
	{"energyOffsetGenerated", "generated", "meter_power_generated"},
}

func newEddiDriver(d *deps) *Driver[EddiTelemetry] {
	return &Driver[EddiTelemetry]{
		kind:         KindEddi,
		deps:         d,
		router:       NewRouter(KindEddi, func(e StatusEnvelope) []EddiTelemetry { return e.Eddi }),
		capabilities: eddiCapabilities,
		channels:     3,
		listAll: func(ctx context.Context, c HubClient) ([]EddiTelemetry, error) {
			return c.EddiStatusAll(ctx)
		},
		build: func(base *deviceBase, d *Driver[EddiTelemetry]) (host.DeviceHooks, error) {
			return &EddiDevice{deviceBase: base, driver: d}, nil
		},
	}
}

// EddiDevice is the state machine of one eddi diverter.
type EddiDevice struct {
	*deviceBase
	driver *Driver[EddiTelemetry]

	// guarded by deviceBase.mu
	settings    EddiSettings
	autoDetect  bool
	on          bool
	status      HeaterStatus
	lastStatus  HeaterStatus
	boost       BoostMode
	lastBoost   BoostMode
	heater1Name string
	heater2Name string
	baselined   bool
}

func (e *EddiDevice) Init(ctx context.Context) error {
	e.syncCapabilities(ctx, e.driver.capabilities)

	settings, err := DecodeSettings[EddiSettings](e.dev.Settings())
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.settings = settings
	e.on = true
	e.status = HeaterPaused
	e.lastStatus = HeaterPaused
	e.boost = BoostStop
	e.lastBoost = BoostStop
	e.heater1Name = defaultHeater1Name
	e.heater2Name = defaultHeater2Name
	for _, o := range eddiOffsets {
		e.meter(o.meter, o.capability)
	}
	e.mu.Unlock()

	e.dev.RegisterCapabilityListener("onoff", func(ctx context.Context, v any) error {
		on, err := toBool(v)
		if err != nil {
			return err
		}
		return e.SetOnOff(ctx, on)
	})
	e.dev.RegisterCapabilityListener("button.reset_meter", func(ctx context.Context, _ any) error {
		e.ResetMeter(ctx)
		return nil
	})
	e.dev.RegisterCapabilityListener("button.reload_capabilities", func(ctx context.Context, _ any) error {
		e.ReloadCapabilities(ctx)
		return nil
	})

	e.sub = e.driver.router.Subscribe(e.onTelemetry)

	if err := e.call(ctx, func(ctx context.Context, c HubClient) error {
		rec, err := c.EddiStatus(ctx, e.serial)
		if err != nil {
			return err
		}
		e.process(ctx, rec)
		return nil
	}); err != nil {
		e.logf("initial status: %v", err)
	}

	if patch := e.backfillSite(ctx, settings.SiteName, settings.HubSerial, settings.EddiSerial); patch != nil {
		e.mu.Lock()
		patchString(patch, "siteName", &e.settings.SiteName)
		patchString(patch, "hubSerial", &e.settings.HubSerial)
		patchString(patch, "eddiSerial", &e.settings.EddiSerial)
		e.mu.Unlock()
	}

	e.logf("initialized")
	return nil
}

func (e *EddiDevice) onTelemetry(ctx context.Context, records []EddiTelemetry) {
	if !e.dev.Available() {
		return
	}
	for _, rec := range records {
		if rec.ID() == e.serial {
			e.process(ctx, rec)
		}
	}
}

func (e *EddiDevice) process(ctx context.Context, rec EddiTelemetry) {
	now := e.deps.clock.Now()

	e.mu.Lock()
	inc := e.settings.inclusion()
	cts := rec.CTs()
	total := inc.sum(cts)
	if e.settings.SubtractGeneratedEnergy {
		total -= rec.Generation
	}
	total = inc.clamp(total)
	generated := inc.clamp(rec.Generation)
	voltage := rec.Voltage / 10

	status := HeaterStatus(rec.Status)
	on := status != HeaterStopped
	boost, heater, remaining := eddiBoostState(rec)
	previous := e.status
	// the first record sets the trigger baseline
	initializing := !e.baselined
	e.baselined = true

	e.on = on
	e.status = status
	if on {
		e.lastStatus = status
	}
	if rec.Heater1Name != "" {
		e.heater1Name = rec.Heater1Name
	}
	if rec.Heater2Name != "" {
		e.heater2Name = rec.Heater2Name
	}

	var events []flowEvent
	if !initializing && status != previous {
		events = append(events, flowEvent{card: "heater_status_changed", tokens: map[string]any{"heater_status": status.Text()}})
	}
	e.boost = boost
	if initializing {
		e.lastBoost = boost
	} else if boost != e.lastBoost {
		e.lastBoost = boost
		events = append(events, flowEvent{card: "boost_mode_changed", tokens: map[string]any{"boost_mode": string(boost)}})
	}

	var writeBack map[string]any
	if e.autoDetect {
		e.autoDetect = false
		writeBack = detectedIncludes(cts)
	}

	values := []capValue{
		{"onoff", on},
		{"heater_status", strconv.Itoa(int(status))},
		{"heater_status_txt", status.Text()},
		{"heater_session_transferred", rec.EnergyTransfer},
		{"measure_power", total},
		{"meter_power", e.meter("total", "meter_power").Sample(total, now)},
	}
	for i, ct := range cts {
		n := i + 1
		power := inc.clamp(ct.Power)
		values = append(values,
			capValue{fmt.Sprintf("measure_power_ct%d", n), power},
			capValue{fmt.Sprintf("meter_power_ct%d", n), e.meter(fmt.Sprintf("ct%d", n), fmt.Sprintf("meter_power_ct%d", n)).Sample(power, now)},
		)
	}
	values = append(values,
		capValue{"measure_power_generated", generated},
		capValue{"meter_power_generated", e.meter("generated", "meter_power_generated").Sample(generated, now)},
		capValue{"measure_current_ct1", current(rec.CTPower1, voltage)},
		capValue{"measure_current_ct2", current(rec.CTPower2, voltage)},
		capValue{"measure_voltage", voltage},
		capValue{"measure_frequency", rec.Frequency},
		capValue{"measure_temperature_1", rec.Temperature1},
		capValue{"measure_temperature_2", rec.Temperature2},
		capValue{"heater_1_name", e.heater1Name},
		capValue{"heater_2_name", e.heater2Name},
		capValue{"eddi_boost_mode", string(boost)},
		capValue{"eddi_boost_heater", float64(heater)},
		capValue{"eddi_boost_remaining", remaining},
	)
	e.mu.Unlock()

	if writeBack != nil {
		e.dev.SetSettings(writeBack)
	}
	e.push(ctx, values)
	for _, ev := range events {
		e.trigger(ctx, ev.card, ev.tokens)
	}
}

// eddiBoostState derives boost mode, boosted heater and remaining minutes.
func eddiBoostState(rec EddiTelemetry) (BoostMode, int, float64) {
	if HeaterStatus(rec.Status) != HeaterBoost {
		return BoostStop, 0, 0
	}
	return BoostManual, rec.ActiveHeater, float64(rec.BoostRemaining) / 60
}

func (e *EddiDevice) SetMode(ctx context.Context, mode EddiMode) error {
	return e.SetOnOff(ctx, mode == EddiOn)
}

// SetOnOff switches the eddi. Off shows as stopped; on restores the last
// status seen while running.
func (e *EddiDevice) SetOnOff(ctx context.Context, on bool) error {
	e.mu.Lock()
	status := HeaterStopped
	if on {
		status = e.lastStatus
	}
	e.mu.Unlock()

	mode := EddiOff
	if on {
		mode = EddiOn
	}
	optimistic := []capValue{
		{"onoff", on},
		{"heater_status", strconv.Itoa(int(status))},
		{"heater_status_txt", status.Text()},
	}
	if err := e.command(ctx, "switch "+mode.String(), optimistic, func(ctx context.Context, c HubClient) error {
		return c.SetEddiMode(ctx, e.serial, on)
	}); err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.status != status
	e.on = on
	e.status = status
	e.mu.Unlock()
	if changed {
		e.trigger(ctx, "heater_status_changed", map[string]any{"heater_status": status.Text()})
	}
	return nil
}

// SetBoost boosts heater (1 or 2) for minutes; zero minutes cancels.
func (e *EddiDevice) SetBoost(ctx context.Context, heater, minutes int) error {
	if heater != 1 && heater != 2 {
		return fmt.Errorf("invalid heater %d", heater)
	}
	if minutes < 0 || minutes > 99*60 {
		return fmt.Errorf("boost duration %d out of range", minutes)
	}
	boost := BoostManual
	boostHeater := heater
	if minutes == 0 {
		boost = BoostStop
		boostHeater = 0
	}
	optimistic := []capValue{
		{"eddi_boost_mode", string(boost)},
		{"eddi_boost_heater", float64(boostHeater)},
		{"eddi_boost_remaining", float64(minutes)},
	}
	if err := e.command(ctx, fmt.Sprintf("boost heater %d for %d min", heater, minutes), optimistic, func(ctx context.Context, c HubClient) error {
		return c.SetEddiBoost(ctx, e.serial, heater, minutes)
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.boost = boost
	changed := boost != e.lastBoost
	e.lastBoost = boost
	e.mu.Unlock()
	if changed {
		e.trigger(ctx, "boost_mode_changed", map[string]any{"boost_mode": string(boost)})
	}
	return nil
}

func (e *EddiDevice) ResetMeter(ctx context.Context) {
	values := make([]capValue, 0, len(eddiOffsets))
	e.mu.Lock()
	for _, o := range eddiOffsets {
		e.meter(o.meter, o.capability).Reset()
		values = append(values, capValue{o.capability, 0.0})
	}
	e.mu.Unlock()
	e.push(ctx, values)
	e.logf("meters reset")
}

func (e *EddiDevice) ReloadCapabilities(ctx context.Context) {
	Reconcile(ctx, e.dev, e.driver.capabilities)
}

func (e *EddiDevice) OnSettings(ctx context.Context, ev host.SettingsEvent) error {
	next, err := DecodeSettings[EddiSettings](ev.New)
	if err != nil {
		return err
	}
	if err := validatePowerMode(next.PowerCalculationMode); err != nil {
		return err
	}
	offsets := map[string]float64{
		"energyOffsetTotal":     next.EnergyOffsetTotal,
		"energyOffsetCT1":       next.EnergyOffsetCT1,
		"energyOffsetCT2":       next.EnergyOffsetCT2,
		"energyOffsetCT3":       next.EnergyOffsetCT3,
		"energyOffsetGenerated": next.EnergyOffsetGenerated,
	}

	var values []capValue
	e.mu.Lock()
	e.settings = next
	toAutomatic := ev.Changed("powerCalculationMode") && next.PowerCalculationMode != PowerManual
	if toAutomatic {
		e.autoDetect = true
	}
	for _, o := range eddiOffsets {
		if offset := offsets[o.setting]; ev.Changed(o.setting) && offset != 0 {
			values = append(values, capValue{o.capability, e.applyOffset(o.setting, o.meter, o.capability, offset)})
		}
	}
	e.settings.EnergyOffsetTotal = 0
	e.settings.EnergyOffsetCT1 = 0
	e.settings.EnergyOffsetCT2 = 0
	e.settings.EnergyOffsetCT3 = 0
	e.settings.EnergyOffsetGenerated = 0
	e.mu.Unlock()

	e.push(ctx, values)
	if toAutomatic {
		if err := e.call(ctx, func(ctx context.Context, c HubClient) error {
			rec, err := c.EddiStatus(ctx, e.serial)
			if err != nil {
				return err
			}
			e.process(ctx, rec)
			return nil
		}); err != nil {
			e.logf("channel detection deferred to next poll: %v", err)
		}
	}
	e.logf("settings changed: %v", ev.ChangedKeys)
	return nil
}

func (e *EddiDevice) OnRenamed(ctx context.Context, name string) error {
	return e.rename(ctx, name)
}

func (e *EddiDevice) OnDeleted(context.Context) {
	e.driver.router.Unsubscribe(e.sub)
	e.stopTimers()
	e.logf("deleted")
}

func (e *EddiDevice) IsOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

func (e *EddiDevice) Status() HeaterStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *EddiDevice) Settings() EddiSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}
