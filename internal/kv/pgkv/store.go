// Package pgkv реализует kv.Store поверх PostgreSQL.
//
// Все ключи лежат в одной таблице mesh_kv. Ревизии выдаются глобальной
// последовательностью, compare-and-swap — это UPDATE ... WHERE revision = $n.
// Изменения рассылаются триггером через pg_notify и доставляются в Watch
// по LISTEN.
package pgkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Meshwork/internal/kv"
)

const channel = "mesh_kv"

// Schema создаёт таблицу, последовательность ревизий и триггер уведомлений.
const Schema = `
CREATE SEQUENCE IF NOT EXISTS mesh_kv_revision;

CREATE TABLE IF NOT EXISTS mesh_kv (
	key      TEXT PRIMARY KEY,
	value    BYTEA NOT NULL,
	revision BIGINT NOT NULL
);

CREATE OR REPLACE FUNCTION mesh_kv_notify() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('mesh_kv', json_build_object('key', OLD.key, 'revision', OLD.revision, 'op', 'delete')::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('mesh_kv', json_build_object('key', NEW.key, 'revision', NEW.revision, 'op', 'put')::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS mesh_kv_changed ON mesh_kv;
CREATE TRIGGER mesh_kv_changed
	AFTER INSERT OR UPDATE OR DELETE ON mesh_kv
	FOR EACH ROW EXECUTE FUNCTION mesh_kv_notify();
`

// Store — kv.Store поверх PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New создаёт Store на существующем пуле.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Migrate применяет Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate mesh_kv: %w", err)
	}
	return nil
}

// Close закрывает пул.
func (s *Store) Close() {
	s.pool.Close()
}

// Get возвращает текущее значение ключа.
func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	query := `SELECT value, revision FROM mesh_kv WHERE key = $1`

	e := kv.Entry{Key: key, Op: kv.OpPut}
	var rev int64
	err := s.pool.QueryRow(ctx, query, key).Scan(&e.Value, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	e.Revision = uint64(rev)
	return e, nil
}

// Put безусловно записывает значение.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	query := `
		INSERT INTO mesh_kv (key, value, revision)
		VALUES ($1, $2, nextval('mesh_kv_revision'))
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, revision = EXCLUDED.revision
		RETURNING revision
	`
	var rev int64
	if err := s.pool.QueryRow(ctx, query, key, value).Scan(&rev); err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return uint64(rev), nil
}

// Create записывает значение, только если ключа нет.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	query := `
		INSERT INTO mesh_kv (key, value, revision)
		VALUES ($1, $2, nextval('mesh_kv_revision'))
		ON CONFLICT (key) DO NOTHING
		RETURNING revision
	`
	var rev int64
	err := s.pool.QueryRow(ctx, query, key, value).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, kv.ErrKeyExists
	}
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	return uint64(rev), nil
}

// Update записывает значение, только если текущая ревизия равна rev.
func (s *Store) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	query := `
		UPDATE mesh_kv
		SET value = $2, revision = nextval('mesh_kv_revision')
		WHERE key = $1 AND revision = $3
		RETURNING revision
	`
	var next int64
	err := s.pool.QueryRow(ctx, query, key, value, int64(rev)).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, key); errors.Is(getErr, kv.ErrNotFound) {
			return 0, kv.ErrNotFound
		}
		return 0, kv.ErrRevisionMismatch
	}
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", key, err)
	}
	return uint64(next), nil
}

// Delete удаляет ключ.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM mesh_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys возвращает ключи с префиксом.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM mesh_kv WHERE left(key, length($1)) = $1 ORDER BY key`

	rows, err := s.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type notification struct {
	Key      string `json:"key"`
	Revision int64  `json:"revision"`
	Op       string `json:"op"`
}

// Watch слушает канал mesh_kv и отдаёт изменения ключей с префиксом.
//
// Соединение для LISTEN берётся из пула и удерживается до отмены ctx.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Entry, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan kv.Entry)
	go func() {
		defer close(out)
		defer func() {
			// UNLISTEN на отменённом ctx не выполнится, поэтому соединение закрываем.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("wait for notification failed", "prefix", prefix, "error", err)
				}
				return
			}

			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				s.logger.Warn("invalid notification payload", "payload", n.Payload, "error", err)
				continue
			}
			if !strings.HasPrefix(msg.Key, prefix) {
				continue
			}

			entry := kv.Entry{Key: msg.Key, Revision: uint64(msg.Revision), Op: kv.OpDelete}
			if msg.Op == "put" {
				current, err := s.Get(ctx, msg.Key)
				if errors.Is(err, kv.ErrNotFound) {
					continue
				}
				if err != nil {
					s.logger.Warn("fetch notified key failed", "key", msg.Key, "error", err)
					continue
				}
				entry = current
			}

			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
