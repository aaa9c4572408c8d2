package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Meshwork/internal/transport"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	// ExchangeTopics — topic exchange, в который публикуются все топики mesh.
	ExchangeTopics Exchange = "meshwork.topics"
	// ExchangeDLQ — сюда брокер перекладывает отвергнутые события.
	ExchangeDLQ Exchange = "meshwork.dlq"

	// QueueTaskCompleted — события о финальных результатах для внешних потребителей.
	QueueTaskCompleted Queue = "events.task.completed"
	QueueDLQEvents     Queue = "dlq.events"

	RoutingKeyDLQEvents RoutingKey = "events"
)

// RoutingKeyFor возвращает ключ маршрутизации для топика mesh.
func RoutingKeyFor(topic string) RoutingKey {
	return RoutingKey(transport.Subject(topic))
}

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name     Queue
	exchange Exchange
	key      RoutingKey
	args     amqp.Table
}

// topology — постоянная часть схемы. Очереди подписок объявляются
// отдельно, по одной на Subscribe.
var topology = struct {
	exchanges []exchangeDecl
	queues    []queueDecl
}{
	exchanges: []exchangeDecl{
		{ExchangeTopics, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	},
	queues: []queueDecl{
		{
			name:     QueueTaskCompleted,
			exchange: ExchangeTopics,
			key:      RoutingKeyFor(transport.TopicTaskCompleted),
			args: amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
			},
		},
		{name: QueueDLQEvents, exchange: ExchangeDLQ, key: RoutingKeyDLQEvents},
	},
}

// SetupTopology объявляет durable exchanges и очереди с привязками.
// Повторный вызов безопасен: объявления идемпотентны.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topology.exchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}
		for _, q := range topology.queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.key), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}

// declareSubscriptionQueue объявляет эксклюзивную auto-delete очередь с
// именем от брокера и привязывает её к топику.
func declareSubscriptionQueue(ch *amqp.Channel, topic string) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare subscription queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, string(RoutingKeyFor(topic)), string(ExchangeTopics), false, nil); err != nil {
		return "", fmt.Errorf("bind %s to %s: %w", q.Name, topic, err)
	}
	return q.Name, nil
}

// TopologyInfo описывает схему для отладочного лога.
func TopologyInfo() string {
	var b strings.Builder
	for _, ex := range topology.exchanges {
		fmt.Fprintf(&b, "%s (%s)\n", ex.name, ex.kind)
		for _, q := range topology.queues {
			if q.exchange == ex.name {
				fmt.Fprintf(&b, "  %s <- %s\n", q.name, q.key)
			}
		}
		if ex.name == ExchangeTopics {
			b.WriteString("  amq.gen-* (exclusive, per subscription) <- topic with '/' as '.'\n")
		}
	}
	return b.String()
}
