package transport

import (
	"context"
	"sync"
)

// mailbox — неограниченная очередь одной подписки.
// Публикующий никогда не блокируется на медленном подписчике.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	done   bool
	wakeup chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wakeup: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// pump переносит сообщения в out, пока ctx жив и mailbox не закрыт.
func (m *mailbox) pump(ctx context.Context, out chan<- Message) {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		done := m.done
		m.mu.Unlock()

		for _, msg := range batch {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		if done {
			return
		}

		select {
		case <-m.wakeup:
		case <-ctx.Done():
			return
		}
	}
}
