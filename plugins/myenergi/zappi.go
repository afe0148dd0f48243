package myenergi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/joshp123/gohome-myenergi/internal/host"
)

type ZappiMode int

const (
	ZappiFast    ZappiMode = 1
	ZappiEco     ZappiMode = 2
	ZappiEcoPlus ZappiMode = 3
	ZappiOff     ZappiMode = 4
)

func (m ZappiMode) Valid() bool {
	return m >= ZappiFast && m <= ZappiOff
}

func (m ZappiMode) String() string {
	switch m {
	case ZappiFast:
		return "Fast"
	case ZappiEco:
		return "Eco"
	case ZappiEcoPlus:
		return "Eco+"
	case ZappiOff:
		return "Off"
	}
	return fmt.Sprintf("Unknown(%d)", int(m))
}

// ParseZappiMode accepts a mode number (as number or string) or its name.
func ParseZappiMode(v any) (ZappiMode, error) {
	var mode ZappiMode
	switch t := v.(type) {
	case ZappiMode:
		mode = t
	case int:
		mode = ZappiMode(t)
	case float64:
		mode = ZappiMode(int(t))
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "fast":
			mode = ZappiFast
		case "eco":
			mode = ZappiEco
		case "eco+", "ecoplus", "eco_plus":
			mode = ZappiEcoPlus
		case "off", "stop", "stopped":
			mode = ZappiOff
		default:
			n, err := strconv.Atoi(s)
			if err != nil {
				return 0, fmt.Errorf("invalid charge mode %q", t)
			}
			mode = ZappiMode(n)
		}
	default:
		return 0, fmt.Errorf("invalid charge mode %v", v)
	}
	if !mode.Valid() {
		return 0, fmt.Errorf("invalid charge mode %v", v)
	}
	return mode, nil
}

// ChargerStatus is the zappi plug status (pst).
type ChargerStatus string

const (
	StatusEVDisconnected ChargerStatus = "A"
	StatusEVConnected    ChargerStatus = "B1"
	StatusWaitingForEV   ChargerStatus = "B2"
	StatusReadyToCharge  ChargerStatus = "C1"
	StatusCharging       ChargerStatus = "C2"
	StatusFault          ChargerStatus = "F"
)

func (s ChargerStatus) Text() string {
	switch s {
	case StatusEVDisconnected:
		return "EV Disconnected"
	case StatusEVConnected:
		return "EV Connected"
	case StatusWaitingForEV:
		return "Waiting for EV"
	case StatusReadyToCharge:
		return "EV Ready to Charge"
	case StatusCharging:
		return "Charging"
	case StatusFault:
		return "Fault"
	}
	return "Unknown"
}

var zappiCapabilities = []string{
	"onoff",
	"charge_mode_selector",
	"charge_mode",
	"charge_mode_txt",
	"charger_status",
	"charger_status_txt",
	"ev_connected",
	"measure_power",
	"measure_current",
	"measure_voltage",
	"measure_frequency",
	"meter_power",
	"charge_session_consumption",
	"minimum_green_level",
	"set_minimum_green_level",
	"zappi_boost_mode",
	"zappi_boost_kwh",
	"zappi_boost_kwh_remaining",
	"zappi_boost_time",
	"button.reset_meter",
	"button.reload_capabilities",
}

func newZappiDriver(d *deps) *Driver[ZappiTelemetry] {
	return &Driver[ZappiTelemetry]{
		kind:         KindZappi,
		deps:         d,
		router:       NewRouter(KindZappi, func(e StatusEnvelope) []ZappiTelemetry { return e.Zappi }),
		capabilities: zappiCapabilities,
		channels:     6,
		listAll: func(ctx context.Context, c HubClient) ([]ZappiTelemetry, error) {
			return c.ZappiStatusAll(ctx)
		},
		build: func(base *deviceBase, d *Driver[ZappiTelemetry]) (host.DeviceHooks, error) {
			return &ZappiDevice{deviceBase: base, driver: d}, nil
		},
	}
}

type flowEvent struct {
	card   string
	tokens map[string]any
}

// ZappiDevice is the state machine of one zappi charger.
type ZappiDevice struct {
	*deviceBase
	driver *Driver[ZappiTelemetry]

	// guarded by deviceBase.mu
	settings        ZappiSettings
	autoDetect      bool
	mode            ZappiMode
	lastOnState     ZappiMode
	lastChargeMode  ZappiMode
	status          ChargerStatus
	evConnected     bool
	chargingStarted bool
	boost           BoostMode
	lastBoost       BoostMode
	baselined       bool
}

func (z *ZappiDevice) Init(ctx context.Context) error {
	z.syncCapabilities(ctx, z.driver.capabilities)

	settings, err := DecodeSettings[ZappiSettings](z.dev.Settings())
	if err != nil {
		return err
	}
	z.mu.Lock()
	z.settings = settings
	z.mode = ZappiFast
	z.lastOnState = ZappiFast
	z.lastChargeMode = ZappiFast
	z.status = StatusEVDisconnected
	z.boost = BoostStop
	z.lastBoost = BoostStop
	z.meter("total", "meter_power")
	z.mu.Unlock()

	z.dev.RegisterCapabilityListener("onoff", func(ctx context.Context, v any) error {
		on, err := toBool(v)
		if err != nil {
			return err
		}
		return z.SetOnOff(ctx, on)
	})
	z.dev.RegisterCapabilityListener("charge_mode_selector", func(ctx context.Context, v any) error {
		mode, err := ParseZappiMode(v)
		if err != nil {
			return err
		}
		return z.SetMode(ctx, mode)
	})
	z.dev.RegisterCapabilityListener("set_minimum_green_level", func(ctx context.Context, v any) error {
		level, err := toInt(v)
		if err != nil {
			return err
		}
		return z.SetGreenLevel(ctx, level)
	})
	z.dev.RegisterCapabilityListener("button.reset_meter", func(ctx context.Context, _ any) error {
		z.ResetMeter(ctx)
		return nil
	})
	z.dev.RegisterCapabilityListener("button.reload_capabilities", func(ctx context.Context, _ any) error {
		z.ReloadCapabilities(ctx)
		return nil
	})

	z.sub = z.driver.router.Subscribe(z.onTelemetry)

	if err := z.call(ctx, func(ctx context.Context, c HubClient) error {
		rec, err := c.ZappiStatus(ctx, z.serial)
		if err != nil {
			return err
		}
		z.process(ctx, rec)
		return nil
	}); err != nil {
		z.logf("initial status: %v", err)
	}

	if patch := z.backfillSite(ctx, settings.SiteName, settings.HubSerial, settings.ZappiSerial); patch != nil {
		z.mu.Lock()
		patchString(patch, "siteName", &z.settings.SiteName)
		patchString(patch, "hubSerial", &z.settings.HubSerial)
		patchString(patch, "zappiSerial", &z.settings.ZappiSerial)
		z.mu.Unlock()
	}

	z.logf("initialized")
	return nil
}

func (z *ZappiDevice) onTelemetry(ctx context.Context, records []ZappiTelemetry) {
	if !z.dev.Available() {
		return
	}
	for _, rec := range records {
		if rec.ID() == z.serial {
			z.process(ctx, rec)
		}
	}
}

// process recomputes derived state from one record and pushes it out.
func (z *ZappiDevice) process(ctx context.Context, rec ZappiTelemetry) {
	z.mu.Lock()
	inc := z.settings.inclusion()
	mode := ZappiMode(rec.Mode)
	power := inc.Power(rec.CTs())
	voltage := rec.Voltage / 10
	boost, boostKWh, remaining := zappiBoostState(rec)
	energy := z.meter("total", "meter_power").Sample(power, z.deps.clock.Now())
	// the first record sets the trigger baseline
	initializing := !z.baselined
	z.baselined = true

	z.mode = mode
	z.status = ChargerStatus(rec.PlugStatus)
	z.boost = boost
	if mode.Valid() && mode != ZappiOff {
		z.lastOnState = mode
	}

	var events []flowEvent
	evConnected := z.status != StatusEVDisconnected
	if initializing {
		z.lastChargeMode = mode
		z.lastBoost = boost
		z.chargingStarted = mode != ZappiOff
	} else {
		if evConnected != z.evConnected {
			card := "ev_disconnected"
			if evConnected {
				card = "ev_connected"
			}
			events = append(events, flowEvent{card: card})
		}
		events = append(events, z.modeChangedLocked(mode)...)
		events = append(events, z.boostChangedLocked(boost)...)
	}
	z.evConnected = evConnected

	var writeBack map[string]any
	if z.autoDetect {
		z.autoDetect = false
		writeBack = detectedIncludes(rec.CTs())
	}

	values := append(z.modeValuesLocked(mode),
		capValue{"charger_status", string(z.status)},
		capValue{"charger_status_txt", z.status.Text()},
		capValue{"ev_connected", evConnected},
		capValue{"measure_power", power},
		capValue{"measure_current", current(power, voltage)},
		capValue{"measure_voltage", voltage},
		capValue{"measure_frequency", rec.Frequency},
		capValue{"meter_power", energy},
		capValue{"charge_session_consumption", rec.ChargeAdded},
		capValue{"minimum_green_level", float64(rec.MinGreenLevel)},
		capValue{"set_minimum_green_level", float64(rec.MinGreenLevel)},
		capValue{"zappi_boost_mode", string(boost)},
		capValue{"zappi_boost_kwh", boostKWh},
		capValue{"zappi_boost_kwh_remaining", remaining},
		capValue{"zappi_boost_time", fmt.Sprintf("%02d:%02d", rec.BoostHour, rec.BoostMinute)},
	)
	z.mu.Unlock()

	if writeBack != nil {
		z.dev.SetSettings(writeBack)
		z.logf("power calculation automatic, channel inclusion %v", writeBack)
	}
	z.push(ctx, values)
	for _, ev := range events {
		z.trigger(ctx, ev.card, ev.tokens)
	}
}

// zappiBoostState derives the boost mode, its target and what is left.
func zappiBoostState(rec ZappiTelemetry) (BoostMode, float64, float64) {
	switch {
	case rec.BoostManual == 1 && rec.BoostManualKWh > 0:
		return BoostManual, rec.BoostManualKWh, rec.BoostManualKWh - rec.ChargeAdded
	case rec.BoostSmart == 1:
		return BoostSmart, rec.BoostSmartKWh, rec.BoostSmartKWh - rec.ChargeAdded
	}
	return BoostStop, 0, 0
}

func (z *ZappiDevice) modeValuesLocked(mode ZappiMode) []capValue {
	return []capValue{
		{"onoff", mode != ZappiOff},
		{"charge_mode", strconv.Itoa(int(mode))},
		{"charge_mode_txt", mode.String()},
		{"charge_mode_selector", strconv.Itoa(int(mode))},
	}
}

// modeChangedLocked fires charge_mode_changed on an edge, plus
// charging_stopped when switched off and charging_started when switched
// on from off.
func (z *ZappiDevice) modeChangedLocked(mode ZappiMode) []flowEvent {
	if mode == z.lastChargeMode {
		return nil
	}
	wasOff := z.lastChargeMode == ZappiOff
	z.lastChargeMode = mode

	events := []flowEvent{{card: "charge_mode_changed", tokens: map[string]any{"charge_mode": mode.String()}}}
	switch {
	case mode == ZappiOff:
		events = append(events, z.chargingLocked(false)...)
	case wasOff:
		events = append(events, z.chargingLocked(true)...)
	}
	return events
}

func (z *ZappiDevice) chargingLocked(started bool) []flowEvent {
	if started == z.chargingStarted {
		return nil
	}
	z.chargingStarted = started
	if started {
		return []flowEvent{{card: "charging_started"}}
	}
	return []flowEvent{{card: "charging_stopped"}}
}

func (z *ZappiDevice) boostChangedLocked(boost BoostMode) []flowEvent {
	if boost == z.lastBoost {
		return nil
	}
	z.lastBoost = boost
	return []flowEvent{{card: "boost_mode_changed", tokens: map[string]any{"boost_mode": string(boost)}}}
}

func (z *ZappiDevice) SetMode(ctx context.Context, mode ZappiMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid charge mode %d", mode)
	}
	z.mu.Lock()
	optimistic := z.modeValuesLocked(mode)
	z.mu.Unlock()

	if err := z.command(ctx, "set charge mode "+mode.String(), optimistic, func(ctx context.Context, c HubClient) error {
		return c.SetZappiChargeMode(ctx, z.serial, mode)
	}); err != nil {
		return err
	}

	z.mu.Lock()
	z.mode = mode
	if mode != ZappiOff {
		z.lastOnState = mode
	}
	events := z.modeChangedLocked(mode)
	z.mu.Unlock()
	for _, ev := range events {
		z.trigger(ctx, ev.card, ev.tokens)
	}
	return nil
}

// SetOnOff switches off, or back on in the last mode that was not off.
func (z *ZappiDevice) SetOnOff(ctx context.Context, on bool) error {
	mode := ZappiOff
	if on {
		z.mu.Lock()
		mode = z.lastOnState
		z.mu.Unlock()
	}
	return z.SetMode(ctx, mode)
}

func (z *ZappiDevice) SetBoost(ctx context.Context, boost ZappiBoost) error {
	if err := boost.Validate(); err != nil {
		return err
	}
	hhmm := "0000"
	kwh := 0.0
	switch boost.Mode {
	case BoostSmart:
		hhmm = NormalizeBoostTime(boost.Time)
		boost.Time = hhmm
		kwh = float64(boost.KWh)
	case BoostManual:
		kwh = float64(boost.KWh)
	}
	optimistic := []capValue{
		{"zappi_boost_mode", string(boost.Mode)},
		{"zappi_boost_kwh", kwh},
		{"zappi_boost_time", FormatBoostTime(hhmm)},
	}
	if err := z.command(ctx, "set boost "+string(boost.Mode), optimistic, func(ctx context.Context, c HubClient) error {
		return c.SetZappiBoost(ctx, z.serial, boost)
	}); err != nil {
		return err
	}

	z.mu.Lock()
	z.boost = boost.Mode
	events := z.boostChangedLocked(boost.Mode)
	z.mu.Unlock()
	for _, ev := range events {
		z.trigger(ctx, ev.card, ev.tokens)
	}
	return nil
}

func (z *ZappiDevice) SetGreenLevel(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("green level %d out of range", percent)
	}
	optimistic := []capValue{
		{"minimum_green_level", float64(percent)},
		{"set_minimum_green_level", float64(percent)},
	}
	return z.command(ctx, fmt.Sprintf("set minimum green level %d", percent), optimistic, func(ctx context.Context, c HubClient) error {
		got, err := c.SetZappiGreenLevel(ctx, z.serial, percent)
		if err != nil {
			return err
		}
		if got != percent {
			return fmt.Errorf("hub confirmed green level %d", got)
		}
		return nil
	})
}

func (z *ZappiDevice) ResetMeter(ctx context.Context) {
	z.mu.Lock()
	z.meter("total", "meter_power").Reset()
	z.mu.Unlock()
	z.push(ctx, []capValue{{"meter_power", 0.0}})
	z.logf("meter reset")
}

func (z *ZappiDevice) ReloadCapabilities(ctx context.Context) {
	Reconcile(ctx, z.dev, z.driver.capabilities)
}

func (z *ZappiDevice) OnSettings(ctx context.Context, ev host.SettingsEvent) error {
	next, err := DecodeSettings[ZappiSettings](ev.New)
	if err != nil {
		return err
	}
	if err := validatePowerMode(next.PowerCalculationMode); err != nil {
		return err
	}

	var values []capValue
	z.mu.Lock()
	z.settings = next
	toAutomatic := ev.Changed("powerCalculationMode") && next.PowerCalculationMode != PowerManual
	if toAutomatic {
		z.autoDetect = true
	}
	if ev.Changed("totalEnergyOffset") && next.TotalEnergyOffset != 0 {
		energy := z.applyOffset("totalEnergyOffset", "total", "meter_power", next.TotalEnergyOffset)
		z.settings.TotalEnergyOffset = 0
		values = append(values, capValue{"meter_power", energy})
	}
	z.mu.Unlock()

	z.push(ctx, values)
	if toAutomatic {
		if err := z.call(ctx, func(ctx context.Context, c HubClient) error {
			rec, err := c.ZappiStatus(ctx, z.serial)
			if err != nil {
				return err
			}
			z.process(ctx, rec)
			return nil
		}); err != nil {
			z.logf("channel detection deferred to next poll: %v", err)
		}
	}
	z.logf("settings changed: %v", ev.ChangedKeys)
	return nil
}

func (z *ZappiDevice) OnRenamed(ctx context.Context, name string) error {
	return z.rename(ctx, name)
}

func (z *ZappiDevice) OnDeleted(context.Context) {
	z.driver.router.Unsubscribe(z.sub)
	z.stopTimers()
	z.logf("deleted")
}

func (z *ZappiDevice) Mode() ZappiMode {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.mode
}

func (z *ZappiDevice) Settings() ZappiSettings {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.settings
}

func (z *ZappiDevice) IsCharging() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.status == StatusCharging
}

func (z *ZappiDevice) IsEVConnected() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.evConnected
}

func validatePowerMode(mode string) error {
	switch mode {
	case "", PowerAutomatic, PowerManual:
		return nil
	}
	return fmt.Errorf("invalid power calculation mode %q", mode)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	}
	return false, fmt.Errorf("expected boolean, got %v", v)
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("expected number, got %v", v)
}
