package orchestrator

import (
	"context"
	"errors"
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
	"github.com/shaiso/Meshwork/internal/stream"
)

// Значения по умолчанию.
const (
	defaultLease        = 10 * time.Second
	defaultPollInterval = time.Second
)

// Orchestrator — точки входа ядра и управление составными задачами.
//
// Orchestrator:
//   - Создаёт записи tasks/ и status/ для новых задач
//   - Ведёт sequential-цепочки (родитель захвачен orchestrator'ом)
//   - Запускает stream-задачи через stream.Engine
//   - Периодически обходит status/ и claims/ (sweeper и подхват
//     цепочек, оставшихся без владельца)
type Orchestrator struct {
	id string

	store      kv.Store
	registry   *registry.Registry
	arbitrator *claim.Arbitrator
	tracker    *lifecycle.Tracker
	results    *results.Publisher
	streams    *stream.Engine

	lease            time.Duration
	pollInterval     time.Duration
	admissionTimeout time.Duration

	// active — цепочки и stream-задачи, которые ведёт этот узел (id → cancel).
	active map[domain.TaskID]context.CancelFunc
	mu     sync.Mutex

	// runCtx — контекст фоновых цепочек и stream-задач, живёт до Stop.
	runCtx context.Context

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// ID — владелец claims родительских задач (default: "orchestrator-<uuid>").
	ID string

	Store      kv.Store
	Registry   *registry.Registry
	Arbitrator *claim.Arbitrator
	Tracker    *lifecycle.Tracker
	Results    *results.Publisher

	// Streams — Stream Trigger Engine. nil: stream-задачи получают ERROR.
	Streams *stream.Engine

	Lease        time.Duration // lease claim родителя (default: 10s)
	PollInterval time.Duration // период sweeper и подхвата (default: 1s)

	// AdmissionTimeout — сколько задача может ждать воркера с нужными
	// возможностями. 0: ждать бесконечно.
	AdmissionTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	id := cfg.ID
	if id == "" {
		id = "orchestrator-" + uuid.NewString()[:8]
	}

	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(registry.Config{Logger: cfg.Logger})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		id:               id,
		store:            cfg.Store,
		registry:         reg,
		arbitrator:       cfg.Arbitrator,
		tracker:          cfg.Tracker,
		results:          cfg.Results,
		streams:          cfg.Streams,
		lease:            lease,
		pollInterval:     pollInterval,
		admissionTimeout: cfg.AdmissionTimeout,
		active:           make(map[domain.TaskID]context.CancelFunc),
		logger:           logger.With("orchestrator_id", id),
	}
}

// ID возвращает идентификатор orchestrator'а.
func (o *Orchestrator) ID() string {
	return o.id
}

// Start запускает фоновые циклы: чтение workers/ в registry и polling
// (sweeper плюс подхват цепочек и stream-задач без владельца).
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.store == nil || o.arbitrator == nil || o.tracker == nil || o.results == nil {
		return errors.New("orchestrator: store, arbitrator, tracker and results are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	o.logger.Info("starting orchestrator",
		"lease", o.lease,
		"poll_interval", o.pollInterval,
		"admission_timeout", o.admissionTimeout,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.registry.Follow(ctx, o.store); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("registry follow stopped", "error", err)
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator. Цепочки и stream-задачи этого узла
// останавливаются без изменения статуса: их claims истекут, и их
// подхватит другой узел или sweeper.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	if o.stopped {
		o.stoppedMu.Unlock()
		return
	}
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл sweeper и подхвата. Проход запускается по таймеру и
// по каждому изменению registry.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый проход сразу: подхватываем то, что осталось от прошлого запуска
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		case <-o.registry.Changes():
			// Состав кандидатов изменился: задачи, ждущие возможностей,
			// проверяются сразу, а не на следующем тике.
			o.logger.Debug("capability registry changed")
			o.poll(ctx)
		}
	}
}

// poll выполняет один проход: sweeper, затем подхват составных задач.
func (o *Orchestrator) poll(ctx context.Context) {
	if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("sweep failed", "error", err)
	}

	statuses, err := o.tracker.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list statuses", "error", err)
		}
		return
	}

	for i := range statuses {
		st := &statuses[i]
		if st.State != domain.StateSubmitted {
			continue
		}
		switch st.Mode {
		case domain.ModeSequential, domain.ModeStreamReactive:
			o.launch(st.TaskID, st.Mode)
		}
	}
}

// launch запускает ведение составной задачи в фоне, если этот узел её
// ещё не ведёт. Захват claim решает, какой из узлов станет владельцем.
func (o *Orchestrator) launch(id domain.TaskID, mode domain.ExecutionMode) {
	if o.IsStopped() {
		return
	}

	o.mu.Lock()
	if o.runCtx == nil {
		// Не запущен: задачу подхватит первый poll после Start
		o.mu.Unlock()
		return
	}
	if _, ok := o.active[id]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.runCtx)
	o.active[id] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.forget(id)
		defer cancel()

		var err error
		switch mode {
		case domain.ModeSequential:
			err = o.runChain(ctx, id)
		case domain.ModeStreamReactive:
			err = o.runStream(ctx, id)
		default:
			err = fmt.Errorf("unexpected mode %s", mode)
		}
		if err != nil && ctx.Err() == nil {
			o.logger.Error("composite task failed", "task_id", id, "mode", mode, "error", err)
		}
	}()
}

// stopLocal отменяет ведение задачи этим узлом.
func (o *Orchestrator) stopLocal(id domain.TaskID) {
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) forget(id domain.TaskID) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// loadSubmission читает tasks/<id>.
func (o *Orchestrator) loadSubmission(ctx context.Context, id domain.TaskID) (*domain.Submission, error) {
	sub, _, err := kv.GetJSON[domain.Submission](ctx, o.store, kv.TaskKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return &sub, nil
}

// keepAlive продлевает claim каждые lease/3, пока ctx жив.
// При потере claim вызывает lost и выходит.
func (o *Orchestrator) keepAlive(ctx context.Context, c domain.Claim, lost func()) {
	interval := o.lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := o.arbitrator.Renew(ctx, c, o.lease)
			if errors.Is(err, claim.ErrClaimLost) {
				o.logger.Warn("parent claim lost", "task_id", c.TaskID, "epoch", c.Epoch)
				lost()
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("failed to renew parent claim", "task_id", c.TaskID, "error", err)
				}
				continue
			}
			c = renewed
		}
	}
}

// release отпускает claim вне контекста задачи.
func (o *Orchestrator) release(c domain.Claim) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.arbitrator.Release(ctx, c); err != nil {
		o.logger.Warn("failed to release claim", "task_id", c.TaskID, "error", err)
	}
}
