package myenergi

import (
	"context"
	"net"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/joshp123/gohome-myenergi/internal/core"
	"github.com/joshp123/gohome-myenergi/internal/host"
	"github.com/joshp123/gohome-myenergi/internal/rpc"
)

func dialPlugin(t *testing.T, p *Plugin) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	require.NoError(t, p.RegisterGRPC(server))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call[Req, Resp any](t *testing.T, conn *grpc.ClientConn, method string, req Req) (Resp, error) {
	t.Helper()
	return rpc.Invoke[Req, Resp](context.Background(), conn, MethodPath(method), req)
}

func TestServiceNotConfigured(t *testing.T) {
	p := &Plugin{health: core.HealthError, healthMessage: "bad password file"}
	conn := dialPlugin(t, p)

	_, err := call[ListHubsRequest, ListHubsResponse](t, conn, "ListHubs", ListHubsRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "bad password file")
}

func TestServiceListHubs(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)

	resp, err := call[ListHubsRequest, ListHubsResponse](t, conn, "ListHubs", ListHubsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Hubs, 1)
	assert.Equal(t, testClientID, resp.Hubs[0].ClientID)
	assert.Equal(t, "home", resp.Hubs[0].Hubname)
	assert.Equal(t, uint64(1), resp.Hubs[0].Polls)
	assert.NotEmpty(t, resp.Hubs[0].LastSuccess)
	assert.Equal(t, 86400.0, resp.PollIntervalSeconds)
}

func TestServicePairAndControlZappi(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)

	pairable, err := call[KindRequest, ListPairableResponse](t, conn, "ListPairable", KindRequest{Kind: "zappi"})
	require.NoError(t, err)
	require.Len(t, pairable.Devices, 1)
	assert.Equal(t, fakeZappiSerial, pairable.Devices[0].Serial)
	assert.Equal(t, testClientID, pairable.Devices[0].ClientID)

	paired, err := call[PairDeviceRequest, DeviceResponse](t, conn, "PairDevice",
		PairDeviceRequest{Kind: "zappi", Serial: fakeZappiSerial, Name: "Driveway"})
	require.NoError(t, err)
	assert.Equal(t, "zappi-"+fakeZappiSerial, paired.Device.ID)
	assert.Equal(t, "Driveway", paired.Device.Name)
	assert.Equal(t, "2", paired.Device.Values["charge_mode"])
	assert.Equal(t, zappiCapabilities, paired.Device.Capabilities)

	_, err = call[PairDeviceRequest, DeviceResponse](t, conn, "PairDevice",
		PairDeviceRequest{Kind: "zappi", Serial: fakeZappiSerial})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// a bare serial resolves to the device
	moded, err := call[SetChargeModeRequest, DeviceResponse](t, conn, "SetChargeMode",
		SetChargeModeRequest{DeviceID: fakeZappiSerial, Mode: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "1", moded.Device.Values["charge_mode"])
	assert.Equal(t, "Fast", moded.Device.Values["charge_mode_txt"])

	boosted, err := call[SetBoostRequest, DeviceResponse](t, conn, "SetBoost",
		SetBoostRequest{DeviceID: paired.Device.ID, Mode: "smart", KWh: 20, Time: "22:52"})
	require.NoError(t, err)
	assert.Equal(t, "22:45", boosted.Device.Values["zappi_boost_time"])

	_, err = call[SetBoostRequest, DeviceResponse](t, conn, "SetBoost",
		SetBoostRequest{DeviceID: paired.Device.ID, Mode: "manual"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call[SetGreenLevelRequest, DeviceResponse](t, conn, "SetGreenLevel",
		SetGreenLevelRequest{DeviceID: paired.Device.ID, Level: 120})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	events, err := call[ListFlowEventsRequest, ListFlowEventsResponse](t, conn, "ListFlowEvents", ListFlowEventsRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"charge_mode_changed", "boost_mode_changed"},
		lo.Map(events.Events, func(ev host.FlowEvent, _ int) string { return ev.Card }))
}

func TestServiceErrorCodes(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)
	pairEddi(t, f)

	_, err := call[KindRequest, ListPairableResponse](t, conn, "ListPairable", KindRequest{Kind: "toaster"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call[DeviceRequest, DeviceResponse](t, conn, "GetDevice", DeviceRequest{DeviceID: "zappi-1"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = call[PairDeviceRequest, DeviceResponse](t, conn, "PairDevice", PairDeviceRequest{Kind: "zappi", Serial: "abc"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call[PairDeviceRequest, DeviceResponse](t, conn, "PairDevice", PairDeviceRequest{Kind: "zappi", Serial: "12345"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	// zappi commands are rejected for an eddi
	_, err = call[SetChargeModeRequest, DeviceResponse](t, conn, "SetChargeMode",
		SetChargeModeRequest{DeviceID: fakeEddiSerial, Mode: "eco"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call[SetHeaterBoostRequest, DeviceResponse](t, conn, "SetHeaterBoost",
		SetHeaterBoostRequest{DeviceID: fakeEddiSerial, Heater: 3, Minutes: 10})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	f.fake.Fail(HTTPStatusError{Status: 401, Body: "unauthorized"})
	_, err = call[SetHeaterRequest, DeviceResponse](t, conn, "SetHeater", SetHeaterRequest{DeviceID: fakeEddiSerial, On: false})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call[KindRequest, ListPairableResponse](t, conn, "ListPairable", KindRequest{Kind: "harvi"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestServiceDevicesSettingsAndRemove(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)
	pairEddi(t, f)
	f.pair(t, KindHarvi, fakeHarviSerial)

	all, err := call[KindRequest, ListDevicesResponse](t, conn, "ListDevices", KindRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Devices, 2)

	harvis, err := call[KindRequest, ListDevicesResponse](t, conn, "ListDevices", KindRequest{Kind: "harvi"})
	require.NoError(t, err)
	require.Len(t, harvis.Devices, 1)
	assert.Equal(t, "Fake harvi", harvis.Devices[0].Name)

	updated, err := call[UpdateSettingsRequest, UpdateSettingsResponse](t, conn, "UpdateSettings", UpdateSettingsRequest{
		DeviceID: fakeEddiSerial,
		Settings: map[string]any{"showNegativeValues": true},
	})
	require.NoError(t, err)
	assert.Equal(t, true, updated.Settings["showNegativeValues"])

	_, err = call[UpdateSettingsRequest, UpdateSettingsResponse](t, conn, "UpdateSettings", UpdateSettingsRequest{
		DeviceID: fakeEddiSerial,
		Settings: map[string]any{"powerCalculationMode": "sometimes"},
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	renamed, err := call[RenameRequest, DeviceResponse](t, conn, "Rename", RenameRequest{DeviceID: fakeEddiSerial, Name: "Cylinder"})
	require.NoError(t, err)
	assert.Equal(t, "Cylinder", renamed.Device.Name)

	_, err = call[DeviceRequest, Empty](t, conn, "RemoveDevice", DeviceRequest{DeviceID: fakeHarviSerial})
	require.NoError(t, err)
	all, err = call[KindRequest, ListDevicesResponse](t, conn, "ListDevices", KindRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Devices, 1)
}

func TestServicePollAndFlows(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)
	dev, _ := pairZappi(t, f)

	polled, err := call[Empty, PollResponse](t, conn, "Poll", Empty{})
	require.NoError(t, err)
	f.waitPoll(t)
	assert.Equal(t, []string{testClientID}, polled.Polled)
	assert.Empty(t, polled.Skipped)
	assert.Equal(t, 1, polled.Delivered)

	cards, err := call[Empty, ListFlowCardsResponse](t, conn, "ListFlowCards", Empty{})
	require.NoError(t, err)
	ids := lo.Map(cards.Cards, func(c host.FlowCard, _ int) string { return c.DriverID + "/" + c.ID })
	assert.Contains(t, ids, "zappi/start_charging")
	assert.Contains(t, ids, "eddi/set_heater_boost")

	_, err = call[RunFlowCardRequest, Empty](t, conn, "RunFlowAction", RunFlowCardRequest{
		DeviceID: dev.ID(),
		Card:     "set_charge_mode",
		Args:     map[string]any{"charge_mode": "Eco+"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3", dev.CapabilityValue("charge_mode"))

	cond, err := call[RunFlowCardRequest, EvaluateFlowConditionResponse](t, conn, "EvaluateFlowCondition", RunFlowCardRequest{
		DeviceID: dev.ID(),
		Card:     "is_ev_connected",
	})
	require.NoError(t, err)
	assert.True(t, cond.Result)

	_, err = call[RunFlowCardRequest, Empty](t, conn, "RunFlowAction", RunFlowCardRequest{DeviceID: dev.ID(), Card: "heater_on"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServiceValidateCredentials(t *testing.T) {
	f := newFixture(t)
	conn := dialPlugin(t, f.plugin)

	resp, err := call[ValidateCredentialsRequest, ValidateCredentialsResponse](t, conn, "ValidateCredentials",
		ValidateCredentialsRequest{Username: "10000009", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	_, err = call[ValidateCredentialsRequest, ValidateCredentialsResponse](t, conn, "ValidateCredentials",
		ValidateCredentialsRequest{Username: "10000009"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
