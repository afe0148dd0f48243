package myenergi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
)

const testClientID = "home_10000001"

// fixture is a fake-mode plugin on a mock clock. The poll interval is long
// enough that only explicit RunPollCycle calls deliver telemetry.
type fixture struct {
	plugin *Plugin
	rt     *host.Runtime
	clock  *clock.Mock
	fake   *FakeClient
	polls  chan struct{}
}

func testConfig(hubs ...config.HubConfig) *config.MyEnergiConfig {
	if len(hubs) == 0 {
		hubs = []config.HubConfig{{Hubname: "home", Username: "10000001", Password: "pw"}}
	}
	return &config.MyEnergiConfig{
		Fake:         true,
		PollInterval: 24 * time.Hour,
		Hubs:         hubs,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, testConfig(), nil)
}

func newFixtureWith(t *testing.T, cfg *config.MyEnergiConfig, snap *host.Snapshot) *fixture {
	t.Helper()
	mock := clock.NewMock()
	rt := host.New(host.Options{Clock: mock})
	if snap != nil {
		rt.Restore(*snap)
	}
	p, ok := NewPlugin(cfg, rt)
	require.True(t, ok)
	require.NotNil(t, p.Scheduler())

	f := &fixture{plugin: p, rt: rt, clock: mock, fake: p.Fake(), polls: make(chan struct{}, 16)}
	p.Scheduler().AddListener(func(context.Context, []StatusEnvelope) {
		f.polls <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		p.Stop()
		_ = rt.Stop(context.Background())
		cancel()
	})
	if len(cfg.Hubs) > 0 {
		f.waitPoll(t)
	}
	return f
}

func (f *fixture) waitPoll(t *testing.T) {
	t.Helper()
	select {
	case <-f.polls:
	case <-time.After(2 * time.Second):
		t.Fatal("no poll delivered")
	}
}

// poll runs one cycle synchronously.
func (f *fixture) poll(t *testing.T) CycleResult {
	t.Helper()
	res := f.plugin.Scheduler().RunPollCycle(context.Background())
	if res.Delivered > 0 {
		f.waitPoll(t)
	}
	return res
}

func (f *fixture) pair(t *testing.T, kind Kind, serial string) (*host.Device, host.DeviceHooks) {
	t.Helper()
	ctx := context.Background()
	records, err := f.rt.ListPairable(ctx, string(kind))
	require.NoError(t, err)
	rec, ok := lo.Find(records, func(r host.PairRecord) bool { return r.Data["id"] == serial })
	require.True(t, ok, "%s %s not pairable", kind, serial)

	dev, err := f.rt.AddDevice(ctx, string(kind), rec)
	require.NoError(t, err)
	hooks, ok := f.rt.Hooks(dev.ID())
	require.True(t, ok)
	return dev, hooks
}

// addWhileHubDown pairs serial while every hub call fails, so the device
// starts without an initial status.
func (f *fixture) addWhileHubDown(t *testing.T, kind Kind, serial string) *host.Device {
	t.Helper()
	ctx := context.Background()
	records, err := f.rt.ListPairable(ctx, string(kind))
	require.NoError(t, err)
	rec, ok := lo.Find(records, func(r host.PairRecord) bool { return r.Data["id"] == serial })
	require.True(t, ok)

	f.fake.Fail(errors.New("hub down"))
	dev, err := f.rt.AddDevice(ctx, string(kind), rec)
	require.NoError(t, err)
	f.fake.Fail(nil)
	return dev
}

func (f *fixture) cards() []string {
	return lo.Map(f.rt.Flows().Recent(0), func(ev host.FlowEvent, _ int) string { return ev.Card })
}

func TestNewPluginWithoutConfig(t *testing.T) {
	p, ok := NewPlugin(nil, host.New(host.Options{}))
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestNewPluginBadPasswordFileReportsError(t *testing.T) {
	p, ok := NewPlugin(&config.MyEnergiConfig{
		Hubs: []config.HubConfig{{Username: "10000001", PasswordFile: "/nonexistent/hub-password"}},
	}, host.New(host.Options{}))
	require.True(t, ok)
	assert.Equal(t, core.HealthError, p.Health())
	assert.Contains(t, p.HealthMessage(), "myenergi hub 0")
	assert.Error(t, p.Start(context.Background()))
}

func TestPluginStartSeedsSettingsAndPolls(t *testing.T) {
	f := newFixture(t)

	var hubs []HubCredential
	ok, err := f.rt.Settings().Get(SettingHubs, &hubs)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hubs, 1)
	assert.Equal(t, testClientID, hubs[0].ClientID())

	assert.Equal(t, []string{testClientID}, f.plugin.Scheduler().ClientIDs())
	assert.Equal(t, 24*time.Hour, f.plugin.Scheduler().Interval())
	assert.Contains(t, f.fake.Calls(), "StatusAll")
	assert.Equal(t, core.HealthHealthy, f.plugin.Health())
}

func TestPluginHealthDegradesOnFailedPoll(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail(errors.New("hub down"))
	f.poll(t)

	assert.Equal(t, core.HealthDegraded, f.plugin.Health())
	assert.Equal(t, testClientID+": hub down", f.plugin.HealthMessage())

	f.fake.Fail(nil)
	f.poll(t)
	assert.Equal(t, core.HealthHealthy, f.plugin.Health())
	assert.Empty(t, f.plugin.HealthMessage())
}

func TestPluginSettingChangeReconfigures(t *testing.T) {
	f := newFixture(t)
	gen := f.plugin.Scheduler().Generation()

	require.NoError(t, f.rt.Settings().Set(SettingPollInterval, 120))
	f.waitPoll(t)

	assert.Equal(t, 120*time.Second, f.plugin.Scheduler().Interval())
	assert.Equal(t, gen+1, f.plugin.Scheduler().Generation())
}

func TestPluginReload(t *testing.T) {
	f := newFixture(t)

	err := f.plugin.Reload(&config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart")

	next := testConfig(
		config.HubConfig{Hubname: "home", Username: "10000001", Password: "pw"},
		config.HubConfig{Hubname: "barn", Username: "10000002", Password: "pw2"},
	)
	require.NoError(t, f.plugin.Reload(&config.Config{MyEnergi: next}))
	f.waitPoll(t)
	assert.Equal(t, []string{testClientID, "barn_10000002"}, f.plugin.Scheduler().ClientIDs())

	// an identical config changes nothing
	gen := f.plugin.Scheduler().Generation()
	require.NoError(t, f.plugin.Reload(&config.Config{MyEnergi: next}))
	assert.Equal(t, gen, f.plugin.Scheduler().Generation())
}

func TestPluginKeepsPasswordsOutOfState(t *testing.T) {
	f := newFixture(t)

	stored := string(f.rt.Snapshot().Settings[SettingHubs])
	assert.JSONEq(t, `[{"hubname":"home","username":"10000001"}]`, stored)
	assert.NotContains(t, stored, "pw")

	// a rotated password is not visible in settings but still reconfigures
	gen := f.plugin.Scheduler().Generation()
	rotated := testConfig(config.HubConfig{Hubname: "home", Username: "10000001", Password: "rotated"})
	require.NoError(t, f.plugin.Reload(&config.Config{MyEnergi: rotated}))
	f.waitPoll(t)
	assert.Equal(t, gen+1, f.plugin.Scheduler().Generation())
	assert.NotContains(t, string(f.rt.Snapshot().Settings[SettingHubs]), "rotated")
}

func TestListPairableWithoutHubs(t *testing.T) {
	f := newFixtureWith(t, &config.MyEnergiConfig{Fake: true}, nil)

	_, err := f.rt.ListPairable(context.Background(), "zappi")
	assert.ErrorIs(t, err, ErrNoHubs)
}

func TestListPairableAllHubsFailing(t *testing.T) {
	f := newFixture(t)
	f.fake.Fail(errors.New("unauthorized"))

	_, err := f.rt.ListPairable(context.Background(), "eddi")
	assert.ErrorIs(t, err, ErrPairingFailed)
}

func TestListPairableSkipsFailingHub(t *testing.T) {
	down := NewFakeClient()
	down.Fail(errors.New("unauthorized"))
	sched := NewScheduler(func(hub HubCredential, _ string) HubClient {
		if hub.Hubname == "barn" {
			return down
		}
		return NewFakeClient()
	}, clock.NewMock())
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)
	require.NoError(t, sched.Reconfigure(context.Background(), HubConfig{
		Hubs: []HubCredential{
			{Hubname: "barn", Username: "10000002"},
			{Hubname: "home", Username: "10000001"},
		},
		PollInterval: 24 * time.Hour,
	}))

	records, err := newEddiDriver(&deps{scheduler: sched}).ListPairable(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "home_10000001", records[0].Store["myenergiClientId"])
}

func TestListPairableRecord(t *testing.T) {
	f := newFixture(t)

	records, err := f.rt.ListPairable(context.Background(), "zappi")
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]

	assert.Equal(t, "Fake zappi", rec.Name)
	assert.Equal(t, map[string]any{"id": fakeZappiSerial}, rec.Data)
	assert.Equal(t, map[string]any{"myenergiClientId": testClientID}, rec.Store)
	assert.Equal(t, zappiCapabilities, rec.Capabilities)
	assert.Equal(t, PowerAutomatic, rec.Settings["powerCalculationMode"])
	assert.Equal(t, false, rec.Settings["includeCT6"])
	assert.Equal(t, "Fake site", rec.Settings["siteName"])
	assert.Equal(t, fakeHubSerial, rec.Settings["hubSerial"])
	assert.Equal(t, "Z"+fakeZappiSerial, rec.Settings["zappiSerial"])
}

func TestListPairableFallsBackToKindAndSerial(t *testing.T) {
	f := newFixture(t)
	_, err := f.fake.SetAppKey(context.Background(), "H"+fakeHarviSerial, "")
	require.NoError(t, err)

	records, err := f.rt.ListPairable(context.Background(), "harvi")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Harvi "+fakeHarviSerial, records[0].Name)
}

func TestListPairableDedupesAcrossHubs(t *testing.T) {
	f := newFixtureWith(t, testConfig(
		config.HubConfig{Hubname: "home", Username: "10000001", Password: "pw"},
		config.HubConfig{Hubname: "barn", Username: "10000002", Password: "pw2"},
	), nil)

	records, err := f.rt.ListPairable(context.Background(), "eddi")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testClientID, records[0].Store["myenergiClientId"])
}

func TestAddDeviceTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.pair(t, KindZappi, fakeZappiSerial)

	records, err := f.rt.ListPairable(context.Background(), "zappi")
	require.NoError(t, err)
	_, err = f.rt.AddDevice(context.Background(), "zappi", records[0])
	assert.ErrorIs(t, err, host.ErrDeviceExists)
}

func TestRestoredDeviceFindsClientOnStart(t *testing.T) {
	snap := &host.Snapshot{Devices: []host.DeviceRecord{{
		ID:       host.DeviceID("zappi", fakeZappiSerial),
		DriverID: "zappi",
		Name:     "Driveway",
		Data:     map[string]any{"id": fakeZappiSerial},
		Store:    map[string]any{"myenergiClientId": testClientID},
		Settings: map[string]any{
			"powerCalculationMode": PowerAutomatic,
			"siteName":             "Home",
			"hubSerial":            fakeHubSerial,
			"zappiSerial":          "Z" + fakeZappiSerial,
		},
		Capabilities: []string{"onoff", "meter_power", "legacy_capability"},
		Values:       map[string]any{"meter_power": 12.5, "legacy_capability": true},
	}}}
	f := newFixtureWith(t, testConfig(), snap)

	dev, ok := f.rt.Device(host.DeviceID("zappi", fakeZappiSerial))
	require.True(t, ok)
	assert.True(t, dev.Available())
	assert.Equal(t, zappiCapabilities, dev.Capabilities())
	assert.Equal(t, 12.5, dev.CapabilityValue("meter_power"))
	assert.Equal(t, "2", dev.CapabilityValue("charge_mode"))
	assert.Equal(t, "Home", dev.Settings()["siteName"])
}

func TestRemovedDeviceStopsReceivingTelemetry(t *testing.T) {
	f := newFixture(t)
	dev, _ := f.pair(t, KindHarvi, fakeHarviSerial)
	require.NoError(t, f.rt.RemoveDevice(context.Background(), dev.ID()))

	f.fake.UpdateHarvi(fakeHarviSerial, func(h *HarviTelemetry) { h.CTPower1 = 10 })
	f.poll(t)
	assert.Equal(t, -2500.0, dev.CapabilityValue("measure_power_ct1"))
}

func TestDevicesReceiveOnlyTheirOwnKind(t *testing.T) {
	f := newFixture(t)
	zdev, _ := pairZappi(t, f)
	edev, _ := pairEddi(t, f)
	hdev, _ := f.pair(t, KindHarvi, fakeHarviSerial)

	var zappis []ZappiTelemetry
	var eddis []EddiTelemetry
	f.plugin.zappi.Router().Subscribe(func(_ context.Context, recs []ZappiTelemetry) { zappis = append(zappis, recs...) })
	f.plugin.eddi.Router().Subscribe(func(_ context.Context, recs []EddiTelemetry) { eddis = append(eddis, recs...) })

	f.fake.UpdateZappi(fakeZappiSerial, func(r *ZappiTelemetry) { r.CTPower1 = 7000 })
	f.fake.UpdateEddi(fakeEddiSerial, func(r *EddiTelemetry) { r.CTPower1 = 2500 })
	f.fake.UpdateHarvi(fakeHarviSerial, func(r *HarviTelemetry) { r.CTType2 = InternalLoad })
	f.poll(t)

	require.Len(t, zappis, 1)
	assert.Equal(t, fakeZappiSerial, zappis[0].ID())
	require.Len(t, eddis, 1)
	assert.Equal(t, fakeEddiSerial, eddis[0].ID())

	assert.Equal(t, 7000.0, zdev.CapabilityValue("measure_power"))
	assert.Equal(t, 2500.0, edev.CapabilityValue("measure_power"))
	assert.Equal(t, 2100.0, hdev.CapabilityValue("measure_power"))
}
