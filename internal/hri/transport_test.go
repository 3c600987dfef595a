package hri

import (
	"fmt"
	"sync"
)

// mockTransport is an in-memory Transport for tests: topics can be published
// to directly, and subscription bookkeeping is inspectable.
type mockTransport struct {
	mu   sync.Mutex
	subs map[string]map[string]chan string
	next int
}

func newMockTransport() *mockTransport {
	return &mockTransport{subs: make(map[string]map[string]chan string)}
}

func (m *mockTransport) Subscribe(topic string) (string, <-chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("sub-%d", m.next)
	ch := make(chan string, 16)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[string]chan string)
	}
	m.subs[topic][id] = ch
	return id, ch
}

func (m *mockTransport) Unsubscribe(topic string, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subs[topic][id]; ok {
		close(ch)
		delete(m.subs[topic], id)
		if len(m.subs[topic]) == 0 {
			delete(m.subs, topic)
		}
	}
}

// publish delivers a payload to every subscriber of the topic.
func (m *mockTransport) publish(topic, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		ch <- payload
	}
}

// subscriberCount reports the number of active subscriptions on a topic.
func (m *mockTransport) subscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// totalSubscriptions reports the number of active subscriptions across all
// topics.
func (m *mockTransport) totalSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, subs := range m.subs {
		n += len(subs)
	}
	return n
}
