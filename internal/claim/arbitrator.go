// Package claim реализует арбитраж claims: не более одного живого claim
// на TaskID среди всех воркеров, которые пытаются его захватить.
//
// Claim — запись claims/<id> в общем kv. Захват — compare-and-swap:
// Create для новой задачи или Update по ревизии для истёкшего/отпущенного
// claim. Двух одновременных победителей быть не может, потому что CAS
// атомарен в хранилище. Проигравший получает ErrClaimConflict.
package claim

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

// maxCASAttempts — сколько раз повторяется Release/ForceRelease при гонке.
const maxCASAttempts = 5

// Config — настройки арбитра.
type Config struct {
	Store kv.Store

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// Arbitrator — арбитр claims поверх kv.Store.
type Arbitrator struct {
	store  kv.Store
	now    func() time.Time
	logger *slog.Logger
}

// New создаёт арбитра.
func New(cfg Config) *Arbitrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Arbitrator{
		store:  cfg.Store,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Propose пытается захватить задачу taskID для воркера workerID на время lease.
//
// Принимается, только если живого claim нет: запись создаётся с epoch 1
// или истёкшая/отпущенная запись заменяется с epoch+1.
func (a *Arbitrator) Propose(ctx context.Context, workerID string, taskID domain.TaskID, lease time.Duration) (domain.Claim, error) {
	if lease <= 0 {
		return domain.Claim{}, ErrInvalidLease
	}
	telemetry.ClaimsProposed.Inc()

	now := a.now()
	proposal := domain.Claim{
		TaskID:     taskID,
		WorkerID:   workerID,
		Epoch:      1,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}
	key := kv.ClaimKey(taskID)

	current, rev, err := kv.GetJSON[domain.Claim](ctx, a.store, key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		_, err = kv.CreateJSON(ctx, a.store, key, proposal)
	case err != nil:
		return domain.Claim{}, fmt.Errorf("read claim: %w", err)
	default:
		if current.Live(now) {
			return domain.Claim{}, a.reject(taskID, workerID)
		}
		proposal.Epoch = current.Epoch + 1
		_, err = kv.UpdateJSON(ctx, a.store, key, proposal, rev)
	}

	if err != nil {
		if kv.IsConflict(err) || errors.Is(err, kv.ErrNotFound) {
			return domain.Claim{}, a.reject(taskID, workerID)
		}
		return domain.Claim{}, fmt.Errorf("write claim: %w", err)
	}

	telemetry.ClaimsAccepted.Inc()
	a.logger.Debug("claim accepted",
		"task_id", taskID,
		"worker_id", workerID,
		"epoch", proposal.Epoch,
	)
	return proposal, nil
}

func (a *Arbitrator) reject(taskID domain.TaskID, workerID string) error {
	telemetry.ClaimsRejected.Inc()
	a.logger.Debug("claim rejected", "task_id", taskID, "worker_id", workerID)
	return ErrClaimConflict
}

// Renew продлевает lease. Возвращает ErrClaimLost, если claim истёк,
// отпущен или принадлежит другому epoch.
func (a *Arbitrator) Renew(ctx context.Context, c domain.Claim, lease time.Duration) (domain.Claim, error) {
	if lease <= 0 {
		return domain.Claim{}, ErrInvalidLease
	}

	key := kv.ClaimKey(c.TaskID)
	current, rev, err := kv.GetJSON[domain.Claim](ctx, a.store, key)
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Claim{}, ErrClaimLost
	}
	if err != nil {
		return domain.Claim{}, fmt.Errorf("read claim: %w", err)
	}

	now := a.now()
	if current.Epoch != c.Epoch || current.WorkerID != c.WorkerID || !current.Live(now) {
		return domain.Claim{}, ErrClaimLost
	}

	current.ExpiresAt = now.Add(lease)
	if _, err := kv.UpdateJSON(ctx, a.store, key, current, rev); err != nil {
		if kv.IsConflict(err) || errors.Is(err, kv.ErrNotFound) {
			return domain.Claim{}, ErrClaimLost
		}
		return domain.Claim{}, fmt.Errorf("write claim: %w", err)
	}
	return current, nil
}

// Release отпускает claim владельца. Повторный вызов и вызов после
// смены владельца ничего не делают.
func (a *Arbitrator) Release(ctx context.Context, c domain.Claim) error {
	return a.release(ctx, c.TaskID, func(current domain.Claim) bool {
		return current.Epoch == c.Epoch
	})
}

// ForceRelease отпускает claim задачи независимо от владельца (отмена).
func (a *Arbitrator) ForceRelease(ctx context.Context, taskID domain.TaskID) error {
	return a.release(ctx, taskID, func(domain.Claim) bool { return true })
}

func (a *Arbitrator) release(ctx context.Context, taskID domain.TaskID, owns func(domain.Claim) bool) error {
	key := kv.ClaimKey(taskID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, rev, err := kv.GetJSON[domain.Claim](ctx, a.store, key)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read claim: %w", err)
		}
		if current.Released || !owns(current) {
			return nil
		}

		now := a.now()
		current.Released = true
		if current.ExpiresAt.After(now) {
			current.ExpiresAt = now
		}

		_, err = kv.UpdateJSON(ctx, a.store, key, current, rev)
		if err == nil {
			a.logger.Debug("claim released", "task_id", taskID, "epoch", current.Epoch)
			return nil
		}
		if !kv.IsConflict(err) {
			return fmt.Errorf("write claim: %w", err)
		}
	}
	return ErrClaimConflict
}

// Current возвращает текущую запись claim.
func (a *Arbitrator) Current(ctx context.Context, taskID domain.TaskID) (domain.Claim, error) {
	c, _, err := kv.GetJSON[domain.Claim](ctx, a.store, kv.ClaimKey(taskID))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Claim{}, ErrNoClaim
	}
	return c, err
}

// Check проверяет, что claim с данным epoch всё ещё действует.
// Используется для обнаружения устаревших результатов.
func (a *Arbitrator) Check(ctx context.Context, taskID domain.TaskID, epoch uint64) error {
	c, err := a.Current(ctx, taskID)
	if errors.Is(err, ErrNoClaim) {
		return ErrClaimLost
	}
	if err != nil {
		return err
	}
	if c.Epoch != epoch || !c.Live(a.now()) {
		return ErrClaimLost
	}
	return nil
}

// Expired возвращает claims, lease которых истёк, но которые не были отпущены.
func (a *Arbitrator) Expired(ctx context.Context) ([]domain.Claim, error) {
	keys, err := a.store.Keys(ctx, kv.ClaimsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}

	now := a.now()
	var out []domain.Claim
	for _, key := range keys {
		c, _, err := kv.GetJSON[domain.Claim](ctx, a.store, key)
		if err != nil {
			continue
		}
		if c.Expired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Now возвращает текущее время арбитра.
func (a *Arbitrator) Now() time.Time {
	return a.now()
}
