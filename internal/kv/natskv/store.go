// Package natskv реализует kv.Store поверх NATS JetStream KeyValue.
//
// Ключи mesh вида "status/<id>" хранятся как "status.<id>": разделитель
// '/' заменяется на '.', чтобы Watch по префиксу мог использовать
// wildcard-подписку "status.>". Идентификаторы в ключах не должны
// содержать '.'.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shaiso/Meshwork/internal/kv"
)

// Config — настройки подключения.
type Config struct {
	// URL — адрес NATS (по умолчанию nats.DefaultURL).
	URL string

	// Bucket — имя KV bucket (по умолчанию "meshwork").
	Bucket string

	// Replicas — количество реплик bucket.
	Replicas int

	Logger *slog.Logger
}

// Store — kv.Store поверх JetStream KeyValue.
type Store struct {
	nc     *nats.Conn
	owned  bool
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// Connect подключается к NATS и открывает (или создаёт) bucket.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("meshwork"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	s, err := New(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New открывает bucket на существующем соединении.
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "meshwork"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   cfg.Bucket,
			History:  1,
			Replicas: cfg.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}

	logger.Info("nats kv bucket ready", "bucket", cfg.Bucket)

	return &Store{
		nc:     nc,
		bucket: bucket,
		logger: logger,
	}, nil
}

// Close закрывает соединение, если Store его создал.
func (s *Store) Close() {
	if s.owned {
		s.nc.Close()
	}
}

// Get возвращает текущее значение ключа.
func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := s.bucket.Get(ctx, encodeKey(key))
	if err != nil {
		return kv.Entry{}, mapError(err)
	}
	return toEntry(e), nil
}

// Put безусловно записывает значение.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Put(ctx, encodeKey(key), value)
	if err != nil {
		return 0, mapError(err)
	}
	return rev, nil
}

// Create записывает значение, только если ключа нет.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Create(ctx, encodeKey(key), value)
	if err != nil {
		return 0, mapError(err)
	}
	return rev, nil
}

// Update записывает значение, только если текущая ревизия равна rev.
func (s *Store) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	next, err := s.bucket.Update(ctx, encodeKey(key), value, rev)
	if err != nil {
		return 0, mapError(err)
	}
	return next, nil
}

// Delete удаляет ключ.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, encodeKey(key)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return mapError(err)
	}
	return nil
}

// Keys возвращает ключи с префиксом.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.bucket.Keys(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mapError(err)
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		key := decodeKey(k)
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Watch возвращает канал изменений ключей с префиксом.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Entry, error) {
	w, err := s.bucket.Watch(ctx, watchSubject(prefix), jetstream.UpdatesOnly())
	if err != nil {
		return nil, mapError(err)
	}

	out := make(chan kv.Entry)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				s.logger.Debug("stop watcher", "prefix", prefix, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				// nil — маркер окончания начальных значений
				if e == nil {
					continue
				}
				entry := toEntry(e)
				if !strings.HasPrefix(entry.Key, prefix) {
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func toEntry(e jetstream.KeyValueEntry) kv.Entry {
	op := kv.OpPut
	if e.Operation() != jetstream.KeyValuePut {
		op = kv.OpDelete
	}
	return kv.Entry{
		Key:      decodeKey(e.Key()),
		Value:    e.Value(),
		Revision: e.Revision(),
		Op:       op,
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return kv.ErrNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return kv.ErrKeyExists
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return kv.ErrRevisionMismatch
	}
	return err
}

func encodeKey(key string) string {
	return strings.ReplaceAll(key, "/", ".")
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// watchSubject переводит префикс ключа в wildcard-фильтр.
func watchSubject(prefix string) string {
	if prefix == "" {
		return ">"
	}
	if strings.HasSuffix(prefix, "/") {
		return encodeKey(prefix) + ">"
	}
	// Префикс внутри токена: подписываемся шире и фильтруем в Watch.
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return encodeKey(prefix[:i+1]) + ">"
	}
	return ">"
}
