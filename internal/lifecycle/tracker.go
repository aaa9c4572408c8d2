// Package lifecycle ведёт статус каждой задачи в namespace status/.
//
// Все изменения проходят через таблицу переходов domain.CanTransition и
// записываются compare-and-swap по ревизии. Изменения от воркера несут
// epoch его claim: если epoch устарел, изменение отбрасывается с
// ErrStaleClaim.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/telemetry"
)

const maxCASAttempts = 16

// DefaultMaxRetries — бюджет повторов после lease/таймаута по умолчанию.
const DefaultMaxRetries = 3

// ExpireReason — причина истечения claim.
type ExpireReason string

const (
	// ReasonLease — воркер не продлил lease.
	ReasonLease ExpireReason = "lease_expired"

	// ReasonTimeout — выполнение превысило timeout_seconds.
	ReasonTimeout ExpireReason = "timed_out"
)

// Config — настройки трекера.
type Config struct {
	Store kv.Store

	// MaxRetries — бюджет повторов, если в определении он не задан.
	MaxRetries int

	// PollInterval — период опроса в Wait, если watch не доставил событие.
	PollInterval time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// Tracker — конечный автомат статусов задач поверх kv.Store.
type Tracker struct {
	store        kv.Store
	maxRetries   int
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New создаёт трекер.
func New(cfg Config) *Tracker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		store:        cfg.Store,
		maxRetries:   cfg.MaxRetries,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
}

// Create создаёт статус SUBMITTED для новой задачи.
func (t *Tracker) Create(ctx context.Context, sub *domain.Submission) (*domain.TaskStatus, error) {
	maxRetries := sub.Definition.Requirements.MaxRetries
	if maxRetries == 0 {
		maxRetries = t.maxRetries
	}

	now := t.now()
	st := &domain.TaskStatus{
		TaskID:      sub.TaskID,
		ParentID:    sub.ParentID,
		Mode:        sub.Mode(),
		State:       domain.StateSubmitted,
		MaxRetries:  maxRetries,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if _, err := kv.CreateJSON(ctx, t.store, kv.StatusKey(sub.TaskID), st); err != nil {
		if kv.IsConflict(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create status: %w", err)
	}
	return st, nil
}

// Get возвращает текущий статус задачи.
func (t *Tracker) Get(ctx context.Context, id domain.TaskID) (*domain.TaskStatus, error) {
	st, _, err := kv.GetJSON[domain.TaskStatus](ctx, t.store, kv.StatusKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &st, nil
}

// List возвращает статусы всех задач.
func (t *Tracker) List(ctx context.Context) ([]domain.TaskStatus, error) {
	keys, err := t.store.Keys(ctx, kv.StatusPrefix)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}

	out := make([]domain.TaskStatus, 0, len(keys))
	for _, key := range keys {
		st, _, err := kv.GetJSON[domain.TaskStatus](ctx, t.store, key)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Claimed фиксирует принятый claim: SUBMITTED → CLAIMED (STARTING для stream).
//
// Если задача всё ещё числится за предыдущим epoch (lease истёк, но
// sweeper ещё не вернул её в пул), это перехват: retries растёт на один.
// При исчерпанном бюджете задача переходит в FAILED и возвращается
// ErrRetryExhausted.
func (t *Tracker) Claimed(ctx context.Context, c domain.Claim) (*domain.TaskStatus, error) {
	st, err := t.mutate(ctx, c.TaskID, func(st *domain.TaskStatus) error {
		if c.Epoch <= st.Epoch {
			return ErrStaleClaim
		}

		target := domain.StateClaimed
		if st.Mode == domain.ModeStreamReactive {
			target = domain.StateStarting
		}

		if st.State == domain.StateClaimed || st.State == domain.StateRunning {
			if !st.CanRetry() {
				st.Error = fmt.Sprintf("%s: retry budget exhausted after %d retries", ReasonLease, st.Retries)
				return t.transition(st, domain.StateFailed)
			}
			st.Retries++
		}

		if err := t.transition(st, target); err != nil {
			return err
		}
		now := t.now()
		st.Epoch = c.Epoch
		st.WorkerID = c.WorkerID
		st.ClaimedAt = &now
		st.StartedAt = nil
		st.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if st.State == domain.StateFailed {
		return st, ErrRetryExhausted
	}
	return st, nil
}

// Started фиксирует начало выполнения: CLAIMED → RUNNING.
func (t *Tracker) Started(ctx context.Context, id domain.TaskID, epoch uint64) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if err := t.checkEpoch(st, epoch); err != nil {
			return err
		}
		if err := t.transition(st, domain.StateRunning); err != nil {
			return err
		}
		now := t.now()
		st.StartedAt = &now
		return nil
	})
}

// Complete фиксирует успешное завершение: RUNNING → COMPLETED.
func (t *Tracker) Complete(ctx context.Context, id domain.TaskID, epoch uint64) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if err := t.checkEpoch(st, epoch); err != nil {
			return err
		}
		return t.transition(st, domain.StateCompleted)
	})
}

// Fail фиксирует ошибку выполнения: → FAILED.
func (t *Tracker) Fail(ctx context.Context, id domain.TaskID, epoch uint64, reason string) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if err := t.checkEpoch(st, epoch); err != nil {
			return err
		}
		if err := t.transition(st, domain.StateFailed); err != nil {
			return err
		}
		st.Error = reason
		return nil
	})
}

// Abort переводит задачу в FAILED без проверки epoch.
// Используется для ошибок допуска (нет кандидатов) и обрыва цепочки.
func (t *Tracker) Abort(ctx context.Context, id domain.TaskID, reason string) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		to := domain.StateFailed
		if st.Mode == domain.ModeStreamReactive {
			to = domain.StateError
		}
		if err := t.transition(st, to); err != nil {
			return err
		}
		st.Error = reason
		return nil
	})
}

// Cancel переводит нефинальную задачу в CANCELLED.
func (t *Tracker) Cancel(ctx context.Context, id domain.TaskID, reason string) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if err := t.transition(st, domain.StateCancelled); err != nil {
			return err
		}
		st.Message = reason
		return nil
	})
}

// Expire обрабатывает истечение claim с данным epoch.
//
// Пока retries < max_retries, задача возвращается в SUBMITTED и retries
// растёт ровно на один. Иначе задача становится финальной: FAILED для
// истёкшего lease, TIMED_OUT для таймаута выполнения.
func (t *Tracker) Expire(ctx context.Context, id domain.TaskID, epoch uint64, reason ExpireReason) (*domain.TaskStatus, error) {
	st, err := t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if st.Epoch != epoch {
			return ErrStaleClaim
		}
		if st.State != domain.StateClaimed && st.State != domain.StateRunning {
			return fmt.Errorf("%w: %s cannot expire", ErrInvalidTransition, st.State)
		}

		if st.CanRetry() {
			if err := t.transition(st, domain.StateSubmitted); err != nil {
				return err
			}
			st.Retries++
			st.WorkerID = ""
			st.ClaimedAt = nil
			st.StartedAt = nil
			st.Error = string(reason)
			return nil
		}

		to := domain.StateFailed
		if reason == ReasonTimeout {
			to = domain.StateTimedOut
		}
		if err := t.transition(st, to); err != nil {
			return err
		}
		st.Error = fmt.Sprintf("%s: retry budget exhausted after %d retries", reason, st.Retries)
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.LeaseExpirations.WithLabelValues(string(reason)).Inc()
	t.logger.Info("claim expired",
		"task_id", id,
		"epoch", epoch,
		"reason", reason,
		"state", st.State,
		"retries", st.Retries,
	)
	if st.State.IsTerminal() {
		return st, ErrRetryExhausted
	}
	return st, nil
}

// Set переводит задачу в state (переходы stream-задач).
// epoch == 0 отключает проверку epoch.
func (t *Tracker) Set(ctx context.Context, id domain.TaskID, epoch uint64, state domain.State, message string) (*domain.TaskStatus, error) {
	return t.mutate(ctx, id, func(st *domain.TaskStatus) error {
		if epoch != 0 {
			if err := t.checkEpoch(st, epoch); err != nil {
				return err
			}
		}
		if err := t.transition(st, state); err != nil {
			return err
		}
		if state == domain.StateError || state == domain.StateFailed {
			st.Error = message
		} else {
			st.Message = message
		}
		if state == domain.StateActive || state == domain.StateRunning {
			now := t.now()
			st.StartedAt = &now
		}
		return nil
	})
}

// Wait ждёт финального состояния задачи: подписка на изменения статуса
// с периодическим опросом на случай потерянных событий.
// Блокирует только вызывающего.
func (t *Tracker) Wait(ctx context.Context, id domain.TaskID) (*domain.TaskStatus, error) {
	key := kv.StatusKey(id)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := t.store.Watch(watchCtx, key)
	if err != nil {
		t.logger.Warn("status watch unavailable, polling", "task_id", id, "error", err)
		updates = nil
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		st, err := t.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if st != nil && st.IsFinished() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case e, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			// Префикс status/<id> совпадает и с подзадачами <id>-n.
			if e.Key != key {
				continue
			}
		case <-ticker.C:
		}
	}
}

func (t *Tracker) checkEpoch(st *domain.TaskStatus, epoch uint64) error {
	if st.Epoch != epoch {
		telemetry.StaleResults.Inc()
		t.logger.Debug("stale epoch rejected",
			"task_id", st.TaskID,
			"epoch", epoch,
			"current_epoch", st.Epoch,
		)
		return ErrStaleClaim
	}
	return nil
}

func (t *Tracker) transition(st *domain.TaskStatus, to domain.State) error {
	if !domain.CanTransition(st.Mode, st.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, st.State, to)
	}

	from := st.State
	st.State = to
	if to.IsTerminal() {
		now := t.now()
		st.FinishedAt = &now
	}

	t.logger.Debug("task state changed",
		"task_id", st.TaskID,
		"from", from,
		"to", to,
	)
	return nil
}

// mutate читает статус, применяет fn и записывает результат по ревизии.
// При конфликте CAS операция повторяется на свежем статусе.
func (t *Tracker) mutate(ctx context.Context, id domain.TaskID, fn func(st *domain.TaskStatus) error) (*domain.TaskStatus, error) {
	key := kv.StatusKey(id)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		st, rev, err := kv.GetJSON[domain.TaskStatus](ctx, t.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get status: %w", err)
		}

		from := st.State
		if err := fn(&st); err != nil {
			return &st, err
		}
		st.UpdatedAt = t.now()

		_, err = kv.UpdateJSON(ctx, t.store, key, st, rev)
		if err == nil {
			if st.State.IsTerminal() && !from.IsTerminal() {
				telemetry.TasksFinished.WithLabelValues(string(st.State)).Inc()
			}
			return &st, nil
		}
		if !kv.IsConflict(err) {
			return nil, fmt.Errorf("update status: %w", err)
		}
	}
	return nil, ErrContention
}
