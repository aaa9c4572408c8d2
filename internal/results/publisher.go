// Package results публикует финальные результаты задач.
//
// Publish записывает результат в results/<id>, раскладывает выходы по
// кэшам (cache/ephemeral, cache/persistent), отправляет выходы с sink в
// их топики и публикует событие transport.TopicTaskCompleted.
//
// Ephemeral-выходы дополнительно держатся в LRU с TTL, чтобы Get не
// ходил в хранилище за свежими результатами.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/transport"
)

const maxCASAttempts = 8

// Config — настройки Publisher.
type Config struct {
	Store kv.Store

	// Bus — транспорт для sink-топиков и событий. nil отключает публикацию.
	Bus transport.Publisher

	// CacheSize — ёмкость LRU (по умолчанию 1024).
	CacheSize int

	// CacheTTL — время жизни записи LRU (по умолчанию 10 минут).
	CacheTTL time.Duration

	Logger *slog.Logger
}

// SinkMessage — значение выхода, отправляемое в sink-топик.
type SinkMessage struct {
	TaskID domain.TaskID `json:"task_id"`
	Output string        `json:"output"`
	Value  any           `json:"value"`
}

// Publisher — Result Publisher.
type Publisher struct {
	store  kv.Store
	bus    transport.Publisher
	cache  *expirable.LRU[domain.TaskID, domain.TaskResult]
	logger *slog.Logger
}

// New создаёт Publisher.
func New(cfg Config) *Publisher {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{
		store:  cfg.Store,
		bus:    cfg.Bus,
		cache:  expirable.NewLRU[domain.TaskID, domain.TaskResult](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: cfg.Logger,
	}
}

// Publish публикует финальный результат задачи.
//
// Результат с epoch меньше уже записанного отбрасывается с ErrStaleResult.
// Ошибки транспорта логируются и не отменяют запись в хранилище.
func (p *Publisher) Publish(ctx context.Context, res *domain.TaskResult, def *domain.TaskDefinition) error {
	if !res.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, res.State)
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now()
	}

	if err := p.write(ctx, res); err != nil {
		return err
	}

	if res.State.IsSuccess() && def != nil {
		if err := p.writeCaches(ctx, res, def); err != nil {
			return err
		}
		p.publishSinks(ctx, res, def)
	}

	p.publishEvent(ctx, res)

	p.logger.Debug("result published",
		"task_id", res.TaskID,
		"epoch", res.Epoch,
		"state", res.State,
	)
	return nil
}

// write записывает results/<id>, не перезаписывая результат более нового epoch.
func (p *Publisher) write(ctx context.Context, res *domain.TaskResult) error {
	key := kv.ResultKey(res.TaskID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := kv.GetJSON[domain.TaskResult](ctx, p.store, key)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			_, err = kv.CreateJSON(ctx, p.store, key, res)
		case err != nil:
			return fmt.Errorf("read result: %w", err)
		case current.Epoch > res.Epoch:
			return ErrStaleResult
		default:
			_, err = kv.UpdateJSON(ctx, p.store, key, res, rev)
		}

		if err == nil {
			return nil
		}
		if !kv.IsConflict(err) && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return fmt.Errorf("write result: %w", kv.ErrRevisionMismatch)
}

func (p *Publisher) writeCaches(ctx context.Context, res *domain.TaskResult, def *domain.TaskDefinition) error {
	scoped := map[domain.CacheScope]map[string]any{}
	for _, out := range def.Outputs {
		if out.Cache == domain.CacheNone {
			continue
		}
		v, ok := res.Outputs[out.Name]
		if !ok {
			continue
		}
		if scoped[out.Cache] == nil {
			scoped[out.Cache] = make(map[string]any)
		}
		scoped[out.Cache][out.Name] = v
	}

	for scope, outputs := range scoped {
		entry := *res
		entry.Outputs = outputs
		if _, err := kv.PutJSON(ctx, p.store, kv.CacheKey(scope, res.TaskID), entry); err != nil {
			return fmt.Errorf("write %s cache: %w", scope, err)
		}
		if scope == domain.CacheEphemeral {
			p.cache.Add(res.TaskID, *res)
		}
	}
	return nil
}

func (p *Publisher) publishSinks(ctx context.Context, res *domain.TaskResult, def *domain.TaskDefinition) {
	if p.bus == nil {
		return
	}
	for _, out := range def.Outputs {
		if out.Sink == "" {
			continue
		}
		v, ok := res.Outputs[out.Name]
		if !ok {
			continue
		}
		msg := SinkMessage{TaskID: res.TaskID, Output: out.Name, Value: v}
		if err := transport.PublishJSON(ctx, p.bus, out.Sink, msg); err != nil {
			p.logger.Warn("sink publish failed",
				"task_id", res.TaskID,
				"output", out.Name,
				"sink", out.Sink,
				"error", err,
			)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, res *domain.TaskResult) {
	if p.bus == nil {
		return
	}
	ev := transport.TaskCompletedEvent{
		TaskID:          string(res.TaskID),
		ParentID:        string(res.ParentID),
		WorkerID:        res.WorkerID,
		Epoch:           res.Epoch,
		State:           string(res.State),
		Error:           res.Error,
		Outputs:         res.Outputs,
		ExecutionTimeMs: res.ExecutionTimeMs,
		CompletedAt:     res.CompletedAt,
	}
	if err := transport.PublishJSON(ctx, p.bus, transport.TopicTaskCompleted, ev); err != nil {
		p.logger.Warn("completion event publish failed", "task_id", res.TaskID, "error", err)
	}
}

// Get возвращает результат задачи: сначала из LRU, затем из results/<id>.
func (p *Publisher) Get(ctx context.Context, id domain.TaskID) (*domain.TaskResult, error) {
	if res, ok := p.cache.Get(id); ok {
		return &res, nil
	}

	res, _, err := kv.GetJSON[domain.TaskResult](ctx, p.store, kv.ResultKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &res, nil
}

// Cached возвращает выходы задачи из кэша области scope.
func (p *Publisher) Cached(ctx context.Context, scope domain.CacheScope, id domain.TaskID) (map[string]any, error) {
	res, _, err := kv.GetJSON[domain.TaskResult](ctx, p.store, kv.CacheKey(scope, id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache: %w", err)
	}
	return res.Outputs, nil
}

