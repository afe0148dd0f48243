package host

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]func(string, []byte)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]func(string, []byte))}
}

func (f *fakePublisher) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (f *fakePublisher) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) find(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return published{}, false
}

func TestBridgePublishesValuesAndEvents(t *testing.T) {
	pub := newFakePublisher()
	r := New(Options{Publisher: pub, TopicPrefix: "home"})
	require.NoError(t, r.RegisterDriver(newStubDriver()))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop(ctx) })

	dev, err := r.AddDevice(ctx, "widget", pairRecord("1001"))
	require.NoError(t, err)
	require.NoError(t, dev.SetCapabilityValue(ctx, "measure_power", 850.5))

	msg, ok := pub.find("home/widget-1001/measure_power")
	require.True(t, ok)
	assert.Equal(t, "850.5", msg.payload)
	assert.True(t, msg.retained)

	r.Flows().RegisterTrigger("widget", "ev_connected")
	require.NoError(t, r.Flows().Trigger(ctx, dev, "ev_connected", nil))
	msg, ok = pub.find("home/widget-1001/events/ev_connected")
	require.True(t, ok)
	assert.False(t, msg.retained)
	var event FlowEvent
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &event))
	assert.Equal(t, "ev_connected", event.Card)
}

func TestBridgeRoutesSetCommands(t *testing.T) {
	pub := newFakePublisher()
	r := New(Options{Publisher: pub})
	require.NoError(t, r.RegisterDriver(newStubDriver()))
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop(ctx) })

	dev, err := r.AddDevice(ctx, "widget", pairRecord("1001"))
	require.NoError(t, err)

	handler := pub.handlers["gohome/+/+/set"]
	require.NotNil(t, handler)
	handler("gohome/widget-1001/onoff/set", []byte("true"))
	assert.Equal(t, true, dev.CapabilityValue("onoff"))

	// malformed topics are ignored
	handler("gohome/widget-1001/set", []byte("false"))
	handler("other/widget-1001/onoff/set", []byte("false"))
	assert.Equal(t, true, dev.CapabilityValue("onoff"))
}

func TestParseCommand(t *testing.T) {
	b := bridge{prefix: "gohome"}
	device, capability, ok := b.parseCommand("gohome/zappi-16000001/charge_mode_selector/set")
	require.True(t, ok)
	assert.Equal(t, "zappi-16000001", device)
	assert.Equal(t, "charge_mode_selector", capability)

	_, _, ok = b.parseCommand("gohome/zappi-16000001/charge_mode_selector")
	assert.False(t, ok)

	assert.Equal(t, "eco", decodePayload([]byte("eco")))
	assert.Equal(t, 3.0, decodePayload([]byte("3")))
}
