package bridge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQoS            = 0
)

// MQTTBus is the production Bus backed by an MQTT broker.
//
// Subscriptions are remembered so they can be re-established after the client
// auto-reconnects.
type MQTTBus struct {
	log    *slog.Logger
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]MessageHandler // topic pattern -> handler
}

// NewMQTTBus configures (but does not connect) an MQTT client.
func NewMQTTBus(log *slog.Logger, brokerURL, clientID string) *MQTTBus {
	b := &MQTTBus{
		log:  log,
		subs: make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Info("bus.connection.lost", "err", err)
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker. A failure here is reported but the client keeps
// retrying in the background; callers may treat it as non-fatal.
func (b *MQTTBus) Connect() error {
	tok := b.client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("bridge: bus connect: timeout after %s", mqttConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("bridge: bus connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (b *MQTTBus) Close() {
	b.client.Disconnect(uint(closeGrace / time.Millisecond))
}

// Publish implements Bus.
func (b *MQTTBus) Publish(topic string, payload []byte) error {
	tok := b.client.Publish(topic, mqttQoS, false, payload)
	if !tok.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("bridge: publish %s: timeout after %s", topic, mqttPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Bus. The subscription is replayed on every reconnect.
func (b *MQTTBus) Subscribe(topicPattern string, h MessageHandler) error {
	b.mu.Lock()
	b.subs[topicPattern] = h
	connected := b.client.IsConnectionOpen()
	b.mu.Unlock()

	if !connected {
		// onConnect will establish it once the broker is reachable.
		return nil
	}
	return b.subscribe(topicPattern, h)
}

func (b *MQTTBus) onConnect(mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]MessageHandler, len(b.subs))
	for pattern, h := range b.subs {
		subs[pattern] = h
	}
	b.mu.Unlock()

	b.log.Info("bus.connected", "subscriptions", len(subs))
	for pattern, h := range subs {
		if err := b.subscribe(pattern, h); err != nil {
			b.log.Error("bus.resubscribe.fail", "topic", pattern, "err", err)
		}
	}
}

func (b *MQTTBus) subscribe(topicPattern string, h MessageHandler) error {
	tok := b.client.Subscribe(topicPattern, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("bridge: subscribe %s: timeout after %s", topicPattern, mqttConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", topicPattern, err)
	}
	return nil
}
