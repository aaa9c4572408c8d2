package mq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Meshwork/internal/transport"
)

// TopicBus реализует transport.Bus поверх ExchangeTopics.
//
// Каждая подписка получает эксклюзивную очередь, привязанную к
// routing key топика. Сообщения передаются подписчику по одному:
// следующее сообщение не подтверждается, пока не прочитано предыдущее.
type TopicBus struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
	owned     bool

	mu      sync.Mutex
	cancels map[*Consumer]context.CancelFunc
	wg      sync.WaitGroup
}

// NewTopicBus создаёт шину на соединении.
// Если owned, Close закрывает и соединение.
func NewTopicBus(conn *Connection, logger *slog.Logger, owned bool) *TopicBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicBus{
		conn:      conn,
		publisher: NewPublisher(conn, logger),
		logger:    logger,
		owned:     owned,
		cancels:   make(map[*Consumer]context.CancelFunc),
	}
}

// Publish публикует payload в топик.
func (b *TopicBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := transport.ValidateTopic(topic); err != nil {
		return err
	}
	return b.publisher.PublishTopic(ctx, topic, payload)
}

// Subscribe подписывается на топик.
func (b *TopicBus) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, error) {
	if err := transport.ValidateTopic(topic); err != nil {
		return nil, err
	}

	// Проверяем, что брокер доступен, до запуска consumer
	ch, err := b.conn.OpenChannel()
	if err != nil {
		return nil, err
	}
	ch.Close()

	out := make(chan transport.Message)
	consumer := NewConsumer(b.conn, b.logger, ConsumerConfig{
		Setup: func(ch *amqp.Channel) (string, error) {
			return declareSubscriptionQueue(ch, topic)
		},
		Handler: func(ctx context.Context, d *Delivery) error {
			msg := transport.Message{
				ID:        d.Message.ID,
				Topic:     topic,
				Payload:   []byte(d.Message.Payload),
				Timestamp: d.Message.Timestamp,
			}
			select {
			case out <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels[consumer] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.cancels, consumer)
			b.mu.Unlock()
			cancel()
		}()

		if err := consumer.Start(subCtx); err != nil && subCtx.Err() == nil {
			b.logger.Error("topic consumer stopped", "topic", topic, "error", err)
		}
	}()

	return out, nil
}

// Close останавливает подписки.
func (b *TopicBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()

	if b.owned {
		return b.conn.Close()
	}
	return nil
}
