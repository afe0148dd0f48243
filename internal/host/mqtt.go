package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Publisher is the broker surface the runtime needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Close()
}

type MQTTOptions struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// MQTTClient is a paho-backed Publisher that restores subscriptions after
// reconnects.
type MQTTClient struct {
	client mqtt.Client
	mu     sync.Mutex
	subs   map[string]func(topic string, payload []byte)
}

func NewMQTTClient(opts MQTTOptions) (*MQTTClient, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "gohome"
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetUsername(opts.Username)
	po.SetPassword(opts.Password)
	po.SetClientID(clientID + "-" + uuid.NewString()[:8])
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectTimeout(10 * time.Second)

	mc := &MQTTClient{subs: make(map[string]func(string, []byte))}
	po.OnConnect = func(_ mqtt.Client) {
		mc.resubscribeAll()
	}
	po.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	}

	client := mqtt.NewClient(po)
	mc.client = client
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return mc, nil
}

func (c *MQTTClient) Publish(topic string, payload []byte, retained bool) error {
	if token := c.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *MQTTClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	if !c.client.IsConnected() {
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *MQTTClient) subscribe(topic string, handler func(string, []byte)) error {
	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *MQTTClient) resubscribeAll() {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			log.Printf("mqtt: resubscribe %s: %v", topic, err)
		}
	}
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
}

// bridge maps runtime events onto topics under prefix:
//
//	<prefix>/<device>/<capability>          retained value
//	<prefix>/<device>/events/<card>         flow trigger tokens
//	<prefix>/<device>/<capability>/set      inbound capability writes
type bridge struct {
	pub    Publisher
	prefix string
}

func (b bridge) capabilityTopic(deviceID, capability string) string {
	return b.prefix + "/" + deviceID + "/" + capability
}

func (b bridge) publishValue(deviceID, capability string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("mqtt: encode %s/%s: %v", deviceID, capability, err)
		return
	}
	if err := b.pub.Publish(b.capabilityTopic(deviceID, capability), payload, true); err != nil {
		mqttPublishErrors.Inc()
		log.Printf("mqtt: publish %s/%s: %v", deviceID, capability, err)
	}
}

func (b bridge) publishEvent(event FlowEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("mqtt: encode event %s: %v", event.Card, err)
		return
	}
	topic := b.prefix + "/" + event.DeviceID + "/events/" + event.Card
	if err := b.pub.Publish(topic, payload, false); err != nil {
		mqttPublishErrors.Inc()
		log.Printf("mqtt: publish event %s: %v", event.Card, err)
	}
}

func (b bridge) commandFilter() string {
	return b.prefix + "/+/+/set"
}

// parseCommand splits an inbound set topic into device and capability.
func (b bridge) parseCommand(topic string) (deviceID, capability string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// decodePayload accepts JSON values and falls back to the raw string.
func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(payload))
}

func (r *Runtime) handleCommand(topic string, payload []byte) {
	deviceID, capability, ok := r.bridge.parseCommand(topic)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.SetCapability(ctx, deviceID, capability, decodePayload(payload)); err != nil {
		log.Printf("mqtt: set %s/%s: %v", deviceID, capability, err)
	}
}
