package bridge

import "sync"

type publishedMsg struct {
	topic   string
	payload []byte
}

// fakeBus records publishes and hands subscriptions back to the test.
type fakeBus struct {
	mu         sync.Mutex
	published  []publishedMsg
	subs       map[string]MessageHandler
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]MessageHandler)}
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMsg{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBus) Subscribe(topicPattern string, h MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topicPattern] = h
	return nil
}

func (b *fakeBus) publishedMsgs() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]publishedMsg(nil), b.published...)
}
