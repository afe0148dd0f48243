package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowsTriggerAndRecent(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()
	dev, err := r.AddDevice(ctx, "widget", pairRecord("1001"))
	require.NoError(t, err)

	r.Flows().RegisterTrigger("widget", "charging_started")

	var seen []FlowEvent
	unsubscribe := r.Flows().OnTrigger(func(e FlowEvent) { seen = append(seen, e) })

	require.NoError(t, r.Flows().Trigger(ctx, dev, "charging_started", map[string]any{"power": 7200.0}))
	assert.ErrorIs(t, r.Flows().Trigger(ctx, dev, "unknown", nil), ErrUnknownFlowCard)

	require.Len(t, seen, 1)
	assert.Equal(t, "widget-1001", seen[0].DeviceID)
	assert.Equal(t, 7200.0, seen[0].Tokens["power"])

	unsubscribe()
	require.NoError(t, r.Flows().Trigger(ctx, dev, "charging_started", nil))
	assert.Len(t, seen, 1)
	assert.Len(t, r.Flows().Recent(0), 2)
	assert.Len(t, r.Flows().Recent(1), 1)
}

func TestFlowsActionsAndConditions(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()
	dev, err := r.AddDevice(ctx, "widget", pairRecord("1001"))
	require.NoError(t, err)

	var gotArgs map[string]any
	r.Flows().RegisterAction("widget", "set_level", []string{"level"}, func(_ context.Context, d *Device, args map[string]any) error {
		gotArgs = args
		return d.SetCapabilityValue(ctx, "measure_power", args["level"])
	})
	r.Flows().RegisterCondition("widget", "is_on", nil, func(_ context.Context, d *Device, _ map[string]any) (bool, error) {
		return d.CapabilityValue("onoff") == true, nil
	})

	require.NoError(t, r.Flows().RunAction(ctx, dev, "set_level", map[string]any{"level": 3.0}))
	assert.Equal(t, 3.0, gotArgs["level"])
	assert.Equal(t, 3.0, dev.CapabilityValue("measure_power"))

	ok, err := r.Flows().EvaluateCondition(ctx, dev, "is_on", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Flows().EvaluateCondition(ctx, dev, "set_level", nil)
	assert.ErrorIs(t, err, ErrUnknownFlowCard)

	cards := r.Flows().Cards()
	require.Len(t, cards, 2)
	assert.Equal(t, FlowAction, cards[0].Kind)
	assert.Equal(t, []string{"level"}, cards[0].Args)
}

func TestSettingsSubscribe(t *testing.T) {
	r := New(Options{})
	var keys []string
	unsubscribe := r.Settings().Subscribe(func(key string) { keys = append(keys, key) })

	require.NoError(t, r.Settings().Set("apiBaseUrl", "https://director.myenergi.net"))
	var url string
	ok, err := r.Settings().Get("apiBaseUrl", &url)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://director.myenergi.net", url)

	ok, err = r.Settings().Get("missing", &url)
	require.NoError(t, err)
	assert.False(t, ok)

	r.Settings().Unset("apiBaseUrl")
	r.Settings().Unset("apiBaseUrl")
	unsubscribe()
	require.NoError(t, r.Settings().Set("pollInterval", 10))

	assert.Equal(t, []string{"apiBaseUrl", "apiBaseUrl"}, keys)
	assert.Equal(t, []string{"pollInterval"}, r.Settings().Keys())
}
