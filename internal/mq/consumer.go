package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенный конверт.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Каждый Consumer работает на собственном канале. После переподключения
// канал открывается заново, и Setup объявляет очередь ещё раз.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	setup    func(ch *amqp.Channel) (string, error)
	handler  Handler
	prefetch int
	retry    time.Duration
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди. Игнорируется, если задан Setup.
	Queue string

	// Setup объявляет очередь на новом канале и возвращает её имя.
	Setup func(ch *amqp.Channel) (string, error)

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int

	// RetryInterval — пауза перед повторной настройкой после ошибки.
	RetryInterval time.Duration
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		setup:    cfg.Setup,
		handler:  cfg.Handler,
		prefetch: prefetch,
		retry:    retry,
	}
}

// Start запускает потребление и блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Ждать следующего переподключения, если канал закроется
		reconnected := c.conn.ReconnectNotify()

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if !c.wait(ctx, reconnected) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		err = c.processDeliveries(ctx, deliveries)
		if ctx.Err() != nil {
			ch.Close()
			return ctx.Err()
		}

		c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue, "error", err)
		if !c.wait(ctx, reconnected) {
			return ctx.Err()
		}
	}
}

// wait ждёт переподключения или паузы retry. false — ctx отменён.
func (c *Consumer) wait(ctx context.Context, reconnected <-chan struct{}) bool {
	timer := time.NewTimer(c.retry)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-reconnected:
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
	case <-timer.C:
	}
	return true
}

func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if c.setup != nil {
		name, err := c.setup(ch)
		if err != nil {
			ch.Close()
			return nil, nil, err
		}
		c.queue = name
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.queue,
			"error", err,
		)
		// Некорректное сообщение — в DLQ
		_ = raw.Nack(false, false)
		return
	}

	delivery := &Delivery{
		Message: msg,
		Raw:     raw,
	}

	c.logger.Debug("received message",
		"queue", c.queue,
		"message_id", msg.ID,
		"topic", msg.Topic,
	)

	if err := c.handler(ctx, delivery); err != nil {
		if ctx.Err() != nil {
			_ = raw.Nack(false, true)
			return
		}
		c.logger.Error("handler failed",
			"queue", c.queue,
			"message_id", msg.ID,
			"error", err,
		)
		_ = raw.Nack(false, !raw.Redelivered)
		return
	}

	_ = raw.Ack(false)
}

// ParsePayload разбирает payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
