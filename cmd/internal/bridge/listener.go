package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"wotbridge/cmd/internal/store"
)

// Listener consumes telemetry from the bus, persists it, and fans it out to
// every registered session.
//
// The bus delivery callback only enqueues into a bounded channel; parsing,
// persistence and fan-out happen on the Listener's own goroutine so a slow
// store can never stall the bus client.
type Listener struct {
	log      *slog.Logger
	bus      Bus
	store    store.Store
	registry *Registry
	metrics  *Metrics

	topicPattern string
	queue        chan busMessage
}

type busMessage struct {
	topic   string
	payload []byte
}

// NewListener constructs a Listener subscribed to topicPattern once started.
func NewListener(log *slog.Logger, bus Bus, st store.Store, registry *Registry, metrics *Metrics, topicPattern string, queueSize int) *Listener {
	if queueSize <= 0 {
		queueSize = defaultListenerQueueSize
	}
	return &Listener{
		log:          log,
		bus:          bus,
		store:        st,
		registry:     registry,
		metrics:      metrics,
		topicPattern: topicPattern,
		queue:        make(chan busMessage, queueSize),
	}
}

// Start subscribes to the telemetry topic and launches the processing loop.
// The loop exits when ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.bus.Subscribe(l.topicPattern, l.enqueue); err != nil {
		return err
	}
	go l.run(ctx)
	return nil
}

// enqueue is the bus delivery callback. It never blocks: when the hand-off
// queue is full the message is dropped and counted.
func (l *Listener) enqueue(topic string, payload []byte) {
	select {
	case l.queue <- busMessage{topic: topic, payload: payload}:
		l.metrics.BusMessages.Inc()
	default:
		l.metrics.BusDropped.Inc()
		l.log.Info("listener.queue.full", "topic", topic)
	}
}

func (l *Listener) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.queue:
			l.handle(ctx, msg)
		}
	}
}

// handle processes one inbound message. A malformed payload is dropped
// without touching the store or the registry; a persistence failure is
// logged and fan-out proceeds anyway.
func (l *Listener) handle(ctx context.Context, msg busMessage) {
	ev, err := parseTelemetry(msg.topic, msg.payload, time.Now().UTC())
	if err != nil {
		l.metrics.BusParseErrors.Inc()
		l.log.Info("listener.parse.fail", "topic", msg.topic, "err", err)
		return
	}

	if err := l.store.AppendTelemetry(ctx, ev); err != nil {
		l.log.Error("listener.persist.fail", "node_id", ev.NodeID, "err", err)
	}

	l.registry.Broadcast(SensorDataFrame(ev), "")
}

// sensorWire is the inbound telemetry payload. Pointer fields distinguish an
// absent metric from an explicit zero.
type sensorWire struct {
	NodeID      *string  `json:"node_id"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Light       *float64 `json:"light"`
	Pressure    *float64 `json:"pressure"`
	Timestamp   *string  `json:"timestamp"`
}

// parseTelemetry decodes one bus payload into a TelemetryEvent.
//
// Node identity comes from the payload when present, otherwise from the final
// topic segment. A missing or unparseable timestamp is replaced with now.
// A payload carrying none of the known metric keys is still a valid reading;
// only undecodable JSON or a missing node id is an error.
func parseTelemetry(topic string, payload []byte, now time.Time) (store.TelemetryEvent, error) {
	var wire sensorWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return store.TelemetryEvent{}, err
	}

	nodeID := ""
	if wire.NodeID != nil {
		nodeID = strings.TrimSpace(*wire.NodeID)
	}
	if nodeID == "" {
		nodeID = topicTail(topic)
	}
	if nodeID == "" {
		return store.TelemetryEvent{}, errors.New("missing node id")
	}

	metrics := make(map[string]float64, len(store.MetricKeys))
	putMetric(metrics, "temperature", wire.Temperature)
	putMetric(metrics, "humidity", wire.Humidity)
	putMetric(metrics, "light", wire.Light)
	putMetric(metrics, "pressure", wire.Pressure)

	ts := now
	if wire.Timestamp != nil {
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*wire.Timestamp)); err == nil {
			ts = parsed.UTC()
		}
	}

	return store.TelemetryEvent{
		NodeID:    nodeID,
		Metrics:   metrics,
		Timestamp: ts,
	}, nil
}

func putMetric(m map[string]float64, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

// topicTail returns the final segment of a slash-separated topic.
func topicTail(topic string) string {
	topic = strings.Trim(topic, "/")
	if topic == "" {
		return ""
	}
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
