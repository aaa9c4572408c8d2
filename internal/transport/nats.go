package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATS — Bus поверх core pub/sub NATS.
//
// Топик "sensors/temp" публикуется в subject "sensors.temp".
// Доставка at-most-once: сообщения, опубликованные до подписки, теряются.
type NATS struct {
	nc     *nats.Conn
	owned  bool
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*nats.Subscription]*mailbox
	closed bool
}

// ConnectNATS подключается к NATS и создаёт шину, владеющую соединением.
func ConnectNATS(url string, logger *slog.Logger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("meshwork-transport"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := NewNATS(nc, logger)
	b.owned = true
	return b, nil
}

// NewNATS создаёт шину на существующем соединении.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		nc:     nc,
		logger: logger,
		subs:   make(map[*nats.Subscription]*mailbox),
	}
}

// Publish публикует payload в subject топика.
func (b *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: Subject(topic),
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())

	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	b.logger.Debug("published message", "topic", topic, "subject", msg.Subject)
	return nil
}

// Subscribe подписывается на subject топика.
func (b *NATS) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	mb := newMailbox()
	sub, err := b.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		msg := NewMessage(topic, m.Data)
		if id := m.Header.Get(nats.MsgIdHdr); id != "" {
			msg.ID = id
		}
		mb.push(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[sub] = mb
	b.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer b.unsubscribe(sub)
		mb.pump(ctx, out)
	}()

	b.logger.Debug("subscribed", "topic", topic, "subject", sub.Subject)
	return out, nil
}

// Close отписывает всех подписчиков и закрывает соединение, если шина им владеет.
func (b *NATS) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, mb := range b.subs {
		mb.close()
	}
	b.mu.Unlock()

	if b.owned {
		b.nc.Close()
	}
	return nil
}

func (b *NATS) unsubscribe(sub *nats.Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil && b.nc.IsConnected() {
		b.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
	}
}
