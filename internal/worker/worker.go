package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/registry"
	"github.com/shaiso/Meshwork/internal/results"
)

// Default configuration values.
const (
	defaultLease             = 10 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultConcurrency       = 4
)

// Worker — независимый исполнитель mesh.
//
// Worker:
//   - объявляет свои возможности (heartbeat в workers/)
//   - следит за status/ и подхватывает задачи в SUBMITTED (с polling fallback)
//   - захватывает задачу через claim.Arbitrator, только если у него есть
//     все требуемые возможности
//   - продлевает lease во время выполнения
//   - сообщает итог со своим epoch и публикует результат
//
// Центрального планировщика нет: воркеры конкурируют за claims, и CAS
// арбитра гарантирует одного победителя.
type Worker struct {
	id           string
	capabilities domain.CapabilitySet

	store      kv.Store
	registry   *registry.Registry
	arbitrator *claim.Arbitrator
	tracker    *lifecycle.Tracker
	results    *results.Publisher
	executors  *Registry

	lease             time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	// Слоты выполнения
	slots chan struct{}

	mu       sync.Mutex
	inflight map[domain.TaskID]struct{}

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// ID — идентификатор воркера (по умолчанию "worker-<uuid>").
	ID string

	// Capabilities — дополнительные возможности. Language всех
	// зарегистрированных executor'ов добавляются автоматически.
	Capabilities []string

	Store      kv.Store
	Registry   *registry.Registry
	Arbitrator *claim.Arbitrator
	Tracker    *lifecycle.Tracker
	Results    *results.Publisher

	// Executors — реестр executor'ов (если nil — NewRegistry()).
	Executors *Registry

	// Lease — длительность claim (default: 10s). Продление — каждые Lease/3.
	Lease time.Duration

	// PollInterval — интервал polling (default: 5s).
	PollInterval time.Duration

	// HeartbeatInterval — интервал объявления возможностей (default: 5s).
	HeartbeatInterval time.Duration

	// Concurrency — сколько задач выполняется одновременно (default: 4).
	Concurrency int

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	id := cfg.ID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}

	executors := cfg.Executors
	if executors == nil {
		executors = NewRegistry()
	}

	caps := domain.ParseCapabilitySet(cfg.Capabilities)
	for _, lang := range executors.Languages() {
		caps.Add(domain.ParseCapability(lang))
	}

	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:                id,
		capabilities:      caps,
		store:             cfg.Store,
		registry:          cfg.Registry,
		arbitrator:        cfg.Arbitrator,
		tracker:           cfg.Tracker,
		results:           cfg.Results,
		executors:         executors,
		lease:             lease,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeat,
		slots:             make(chan struct{}, concurrency),
		inflight:          make(map[domain.TaskID]struct{}),
		logger:            logger.With("worker_id", id),
	}
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string {
	return w.id
}

// Capabilities возвращает объявляемые возможности.
func (w *Worker) Capabilities() []string {
	return w.capabilities.Strings()
}

// Start запускает Worker.
//
// Запускает:
//   - heartbeat с объявлением возможностей
//   - watch status/ (event-driven)
//   - polling горутину для fallback
func (w *Worker) Start(ctx context.Context) error {
	if w.store == nil || w.arbitrator == nil || w.tracker == nil {
		return fmt.Errorf("worker %s: store, arbitrator and tracker are required", w.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"capabilities", w.capabilities.Strings(),
		"lease", w.lease,
		"concurrency", cap(w.slots),
	)

	// Объявляемся до первого poll, чтобы orchestrator видел кандидата
	w.heartbeat(ctx)

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения выполняемых задач.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	if w.stopped {
		w.stoppedMu.Unlock()
		return
	}
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	// Ждём завершения горутин
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.store.Delete(ctx, kv.WorkerKey(w.id)); err != nil {
		w.logger.Warn("failed to remove worker announcement", "error", err)
	}
	if w.registry != nil {
		w.registry.Remove(w.id)
	}

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

// heartbeat объявляет возможности воркера.
func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	active := len(w.inflight)
	w.mu.Unlock()

	state := domain.WorkerAvailable
	if active >= cap(w.slots) {
		state = domain.WorkerBusy
	}

	info := domain.WorkerInfo{
		WorkerID:     w.id,
		Capabilities: w.capabilities.Strings(),
		State:        state,
		ActiveTasks:  active,
	}

	var err error
	if w.registry != nil {
		err = w.registry.Publish(ctx, w.store, info)
	} else {
		info.LastHeartbeat = time.Now()
		_, err = kv.PutJSON(ctx, w.store, kv.WorkerKey(w.id), info)
	}
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

// watchLoop подхватывает задачи, перешедшие в SUBMITTED.
// Новая задача и задача, вернувшаяся в пул после истечения lease,
// одинаково появляются как запись status/<id> в состоянии SUBMITTED.
func (w *Worker) watchLoop(ctx context.Context) {
	for {
		updates, err := w.store.Watch(ctx, kv.StatusPrefix)
		if err != nil {
			w.logger.Warn("status watch unavailable, relying on polling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
				continue
			}
		}

		for e := range updates {
			if e.Op != kv.OpPut {
				continue
			}
			var st domain.TaskStatus
			if err := json.Unmarshal(e.Value, &st); err != nil {
				continue
			}
			if st.State == domain.StateSubmitted && st.Mode == domain.ModeOneShot {
				w.dispatch(ctx, st.TaskID)
			}
		}

		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("status watch closed, resubscribing")
	}
}

// pollLoop — цикл polling для fallback.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем задачи, созданные пока были выключены)
	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (w *Worker) poll(ctx context.Context) {
	statuses, err := w.tracker.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to list statuses", "error", err)
		}
		return
	}

	for i := range statuses {
		st := &statuses[i]
		if st.State == domain.StateSubmitted && st.Mode == domain.ModeOneShot {
			w.dispatch(ctx, st.TaskID)
		}
	}
}

// dispatch запускает обработку задачи, если есть свободный слот и
// задача ещё не обрабатывается этим воркером.
func (w *Worker) dispatch(ctx context.Context, id domain.TaskID) {
	if w.IsStopped() || ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	if _, busy := w.inflight[id]; busy {
		w.mu.Unlock()
		return
	}
	select {
	case w.slots <- struct{}{}:
	default:
		// Все слоты заняты — задачу подхватит другой воркер или следующий poll
		w.mu.Unlock()
		return
	}
	w.inflight[id] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, id)
			w.mu.Unlock()
			<-w.slots
		}()

		if err := w.processTask(ctx, id); err != nil {
			w.logger.Error("failed to process task", "task_id", id, "error", err)
		}
	}()
}
