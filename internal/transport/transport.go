package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Топики событий ядра.
const (
	// TopicTaskCompleted — событие о финальном результате задачи.
	TopicTaskCompleted = "meshwork/events/task.completed"
)

// Message — сообщение, доставленное подписчику.
type Message struct {
	// ID — идентификатор сообщения.
	ID string `json:"id"`

	// Topic — топик, в который сообщение было опубликовано.
	Topic string `json:"topic"`

	// Payload — тело сообщения (обычно JSON).
	Payload []byte `json:"payload"`

	// Timestamp — время получения.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует сообщения в топики.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber подписывается на топик.
//
// Сообщения одной подписки приходят в порядке публикации. Канал
// закрывается, когда ctx отменён или транспорт закрыт.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
}

// Bus — публикация и подписка вместе.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// TaskCompletedEvent — payload события TopicTaskCompleted.
type TaskCompletedEvent struct {
	TaskID          string         `json:"task_id"`
	ParentID        string         `json:"parent_id,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	Epoch           uint64         `json:"epoch"`
	State           string         `json:"state"`
	Error           string         `json:"error,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// PublishJSON сериализует v и публикует в topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.Publish(ctx, topic, data)
}

// Decode разбирает JSON payload сообщения.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s message: %w", msg.Topic, err)
	}
	return v, nil
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(topic string, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}
}

// Subject переводит имя топика в NATS subject / AMQP routing key.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// ValidateTopic проверяет имя топика.
func ValidateTopic(topic string) error {
	if strings.Trim(topic, "/ ") == "" {
		return ErrEmptyTopic
	}
	return nil
}
