package bridge

// MessageHandler receives one inbound bus message. Implementations must not
// block; the bus client's delivery goroutine calls it directly.
type MessageHandler func(topic string, payload []byte)

// Bus abstracts the telemetry/control message bus so the listener and
// dispatcher can be exercised without a live broker.
type Bus interface {
	// Publish sends payload to a single topic.
	Publish(topic string, payload []byte) error

	// Subscribe registers h for every message matching topicPattern.
	// Wildcard syntax is the bus's own (e.g. a trailing "#" segment).
	Subscribe(topicPattern string, h MessageHandler) error
}
