package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaiso/Meshwork/internal/domain"
)

// Op — тип изменения ключа.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Entry — значение ключа с ревизией.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Op       Op
}

// Store — key-value хранилище с compare-and-swap.
//
// Ревизия ключа растёт с каждым изменением. Update с устаревшей ревизией
// возвращает ErrRevisionMismatch и ничего не меняет.
type Store interface {
	// Get возвращает текущее значение ключа или ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put безусловно записывает значение.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create записывает значение, только если ключа нет (ErrKeyExists).
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update записывает значение, только если текущая ревизия равна rev.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)

	// Delete удаляет ключ. Отсутствующий ключ — не ошибка.
	Delete(ctx context.Context, key string) error

	// Keys возвращает ключи с префиксом prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch возвращает канал изменений ключей с префиксом prefix,
	// начиная с момента вызова. Канал закрывается при отмене ctx.
	Watch(ctx context.Context, prefix string) (<-chan Entry, error)
}

// Namespaces.
const (
	TasksPrefix           = "tasks/"
	ClaimsPrefix          = "claims/"
	StatusPrefix          = "status/"
	ResultsPrefix         = "results/"
	EphemeralCachePrefix  = "cache/ephemeral/"
	PersistentCachePrefix = "cache/persistent/"
	WorkersPrefix         = "workers/"
)

// TaskKey — ключ Submission задачи.
func TaskKey(id domain.TaskID) string { return TasksPrefix + string(id) }

// ClaimKey — ключ claim задачи.
func ClaimKey(id domain.TaskID) string { return ClaimsPrefix + string(id) }

// StatusKey — ключ статуса задачи.
func StatusKey(id domain.TaskID) string { return StatusPrefix + string(id) }

// ResultKey — ключ результата задачи.
func ResultKey(id domain.TaskID) string { return ResultsPrefix + string(id) }

// WorkerKey — ключ объявления воркера.
func WorkerKey(workerID string) string { return WorkersPrefix + workerID }

// CacheKey — ключ кэша результата в заданной области.
func CacheKey(scope domain.CacheScope, id domain.TaskID) string {
	switch scope {
	case domain.CachePersistent:
		return PersistentCachePrefix + string(id)
	default:
		return EphemeralCachePrefix + string(id)
	}
}

// TaskIDFromKey извлекает TaskID из ключа namespace prefix.
func TaskIDFromKey(prefix, key string) (domain.TaskID, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	if id == "" {
		return "", false
	}
	return domain.TaskID(id), true
}

// GetJSON читает и декодирует значение ключа.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, uint64, error) {
	var v T
	e, err := s.Get(ctx, key)
	if err != nil {
		return v, 0, err
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, e.Revision, nil
}

// PutJSON кодирует и безусловно записывает значение.
func PutJSON(ctx context.Context, s Store, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// CreateJSON кодирует и записывает значение, только если ключа нет.
func CreateJSON(ctx context.Context, s Store, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Create(ctx, key, data)
}

// UpdateJSON кодирует и записывает значение, если ревизия не изменилась.
func UpdateJSON(ctx context.Context, s Store, key string, v any, rev uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Update(ctx, key, data, rev)
}

// Decode декодирует значение Entry.
func Decode[T any](e Entry) (T, error) {
	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", e.Key, err)
	}
	return v, nil
}
