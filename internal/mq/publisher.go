package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения.
type MessageType string

// Типы сообщений.
const (
	// MessageTypeTopic — сообщение, опубликованное в топик mesh.
	MessageTypeTopic MessageType = "topic.message"
)

// Message — конверт сообщения в RabbitMQ.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Topic — топик mesh, в который опубликовано сообщение.
	Topic string `json:"topic"`

	// Payload — полезная нагрузка (JSON).
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует конверт в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"topic", msg.Topic,
		)
		return nil
	})
}

// PublishTopic публикует payload в топик mesh через ExchangeTopics.
// Payload, который не является JSON, передаётся как JSON-строка.
func (p *Publisher) PublishTopic(ctx context.Context, topic string, payload []byte) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = quoted
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeTopic,
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	return p.Publish(ctx, ExchangeTopics, RoutingKeyFor(topic), msg)
}
