package transport

import (
	"context"
	"sync"
)

// Memory — шина в памяти процесса.
// Топики сравниваются точным совпадением.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*mailbox]struct{}
	closed bool
}

// NewMemory создаёт пустую шину.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*mailbox]struct{})}
}

// Publish доставляет сообщение всем текущим подписчикам топика.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for mb := range m.subs[topic] {
		mb.push(NewMessage(topic, payload))
	}
	return nil
}

// Subscribe подписывается на топик.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	mb := newMailbox()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*mailbox]struct{})
	}
	m.subs[topic][mb] = struct{}{}
	m.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer m.unsubscribe(topic, mb)
		mb.pump(ctx, out)
	}()
	return out, nil
}

// Subscribers возвращает число подписчиков топика.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Close закрывает шину и все подписки.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for mb := range set {
			mb.close()
		}
	}
	return nil
}

func (m *Memory) unsubscribe(topic string, mb *mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs[topic], mb)
	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}
