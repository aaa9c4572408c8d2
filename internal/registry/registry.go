// Package registry отслеживает, какие возможности объявляют воркеры mesh.
//
// Записи — soft-state: воркер переобъявляет возможности периодически,
// и запись без объявления дольше liveness window исключается из
// кандидатов. Это считается отказом воркера, а не ошибкой.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
)

// DefaultLiveness — окно жизни объявления по умолчанию.
const DefaultLiveness = 15 * time.Second

// Config — настройки реестра.
type Config struct {
	// Liveness — сколько живёт объявление без повторения.
	Liveness time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

type entry struct {
	info domain.WorkerInfo
	caps domain.CapabilitySet
}

// Registry — реестр возможностей воркеров.
type Registry struct {
	liveness time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	workers map[string]*entry

	changes chan struct{}
}

// New создаёт реестр.
func New(cfg Config) *Registry {
	if cfg.Liveness <= 0 {
		cfg.Liveness = DefaultLiveness
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		liveness: cfg.Liveness,
		now:      cfg.Now,
		logger:   cfg.Logger,
		workers:  make(map[string]*entry),
		changes:  make(chan struct{}, 1),
	}
}

// Register объявляет (или переобъявляет) возможности воркера.
func (r *Registry) Register(workerID string, caps []string) error {
	return r.Announce(domain.WorkerInfo{
		WorkerID:     workerID,
		Capabilities: caps,
		State:        domain.WorkerAvailable,
	})
}

// Announce применяет объявление воркера. LastHeartbeat выставляется
// текущим временем, если не задан.
func (r *Registry) Announce(info domain.WorkerInfo) error {
	if info.WorkerID == "" {
		return ErrEmptyWorkerID
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = r.now()
	}
	caps := domain.ParseCapabilitySet(info.Capabilities)
	info.Capabilities = caps.Strings()

	r.mu.Lock()
	prev, existed := r.workers[info.WorkerID]
	changed := !existed || !sameCaps(prev.caps, caps) || !r.alive(prev, r.now())
	r.workers[info.WorkerID] = &entry{info: info, caps: caps}
	r.mu.Unlock()

	if changed {
		r.logger.Debug("worker capabilities announced",
			"worker_id", info.WorkerID,
			"capabilities", info.Capabilities,
		)
		r.notify()
	}
	return nil
}

// Remove удаляет воркера из реестра.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()

	if ok {
		r.notify()
	}
}

// Candidates возвращает отсортированный список живых воркеров, у которых
// есть все требуемые возможности. Частичные совпадения не допускаются.
func (r *Registry) Candidates(required domain.CapabilitySet) []string {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.workers {
		if !r.alive(e, now) {
			continue
		}
		if required.SubsetOf(e.caps) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HasCandidate сообщает, есть ли хотя бы один подходящий воркер.
func (r *Registry) HasCandidate(required domain.CapabilitySet) bool {
	return len(r.Candidates(required)) > 0
}

// Sweep удаляет воркеров, не объявлявшихся дольше liveness window,
// и возвращает их идентификаторы.
func (r *Registry) Sweep() []string {
	now := r.now()

	r.mu.Lock()
	var removed []string
	for id, e := range r.workers {
		if !r.alive(e, now) {
			delete(r.workers, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		r.logger.Info("workers expired from registry", "workers", removed)
		r.notify()
	}
	return removed
}

// Workers возвращает снимок всех известных воркеров.
func (r *Registry) Workers() []domain.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WorkerInfo, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Changes возвращает канал уведомлений об изменении состава кандидатов.
// Уведомления схлопываются: несколько изменений подряд дают одно.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

// Publish записывает объявление воркера в kv (namespace workers/),
// чтобы его увидели другие узлы.
func (r *Registry) Publish(ctx context.Context, store kv.Store, info domain.WorkerInfo) error {
	if info.WorkerID == "" {
		return ErrEmptyWorkerID
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = r.now()
	}
	if err := r.Announce(info); err != nil {
		return err
	}
	_, err := kv.PutJSON(ctx, store, kv.WorkerKey(info.WorkerID), info)
	return err
}

// Follow загружает объявления из kv и применяет последующие изменения,
// пока ctx не отменён. Блокирует вызывающего.
func (r *Registry) Follow(ctx context.Context, store kv.Store) error {
	updates, err := store.Watch(ctx, kv.WorkersPrefix)
	if err != nil {
		return err
	}

	keys, err := store.Keys(ctx, kv.WorkersPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		info, _, err := kv.GetJSON[domain.WorkerInfo](ctx, store, key)
		if err != nil {
			continue
		}
		r.applyRemote(info)
	}

	for e := range updates {
		if e.Op == kv.OpDelete {
			r.Remove(e.Key[len(kv.WorkersPrefix):])
			continue
		}
		info, err := kv.Decode[domain.WorkerInfo](e)
		if err != nil {
			r.logger.Warn("invalid worker announcement", "key", e.Key, "error", err)
			continue
		}
		r.applyRemote(info)
	}
	return ctx.Err()
}

func (r *Registry) applyRemote(info domain.WorkerInfo) {
	// Время объявления другого узла принимаем как есть: устаревшие
	// записи уберёт Sweep.
	if err := r.Announce(info); err != nil {
		r.logger.Debug("skip worker announcement", "error", err)
	}
}

func (r *Registry) alive(e *entry, now time.Time) bool {
	return now.Sub(e.info.LastHeartbeat) <= r.liveness
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

func sameCaps(a, b domain.CapabilitySet) bool {
	return len(a) == len(b) && a.SubsetOf(b)
}
