package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/telemetry"
	"github.com/shaiso/Meshwork/internal/transport"
)

// Invocation — одно срабатывание триггера.
type Invocation struct {
	TaskID domain.TaskID

	// Seq — порядковый номер запуска, начиная с 0.
	Seq uint64

	// Message — сообщение, вызвавшее запуск (nil для time_interval).
	Message *transport.Message

	FiredAt time.Time
}

// InvokeFunc выполняет один запуск stream-задачи.
//
// ctx не отменяется при Cancel: начатый запуск может завершиться.
type InvokeFunc func(ctx context.Context, inv Invocation) error

// Config — настройки Engine.
type Config struct {
	// Subscriber — транспорт для on_message и rate_limited.
	Subscriber transport.Subscriber

	Logger *slog.Logger
}

// Engine — Stream Trigger Engine.
type Engine struct {
	subscriber transport.Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	handles map[domain.TaskID]*Handle
	stopped bool
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		subscriber: cfg.Subscriber,
		logger:     cfg.Logger,
		handles:    make(map[domain.TaskID]*Handle),
	}
}

// Start запускает stream-задачу id и возвращает её Handle в состоянии ACTIVE.
//
// Ошибка подписки возвращается сразу: задачу нужно перевести в ERROR.
// Handle живёт до Cancel, отмены ctx или потери подписки.
func (e *Engine) Start(ctx context.Context, id domain.TaskID, def *domain.TaskDefinition, invoke InvokeFunc) (*Handle, error) {
	cfg := def.StreamConfig
	if cfg == nil {
		return nil, ErrNoStreamConfig
	}

	var sched schedule
	switch cfg.Trigger {
	case domain.TriggerOnMessage, domain.TriggerRateLimited:
		if e.subscriber == nil {
			return nil, ErrNoSubscriber
		}
		if cfg.Trigger == domain.TriggerRateLimited && cfg.RateLimitHz <= 0 {
			return nil, fmt.Errorf("%w: rate_limit_hz must be positive", ErrInvalidSchedule)
		}
	case domain.TriggerTimeInterval:
		var err error
		if sched, err = newSchedule(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, cfg.Trigger)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if _, ok := e.handles[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	hctx, cancel := context.WithCancel(ctx)
	h := newHandle(id, def, invoke, cancel, e.logger)
	e.handles[id] = h
	e.mu.Unlock()

	var messages <-chan transport.Message
	if sched == nil {
		var err error
		messages, err = e.subscriber.Subscribe(hctx, cfg.Topic)
		if err != nil {
			cancel()
			e.forget(id)
			h.finish(domain.StateError, fmt.Errorf("%w: %s: %v", ErrSubscribe, cfg.Topic, err))
			return nil, h.Err()
		}
	}

	h.activate()
	telemetry.ActiveStreams.Inc()
	e.logger.Info("stream started",
		"task_id", id,
		"trigger", cfg.Trigger,
		"topic", cfg.Topic,
	)

	go func() {
		defer telemetry.ActiveStreams.Dec()
		defer e.forget(id)

		switch cfg.Trigger {
		case domain.TriggerOnMessage:
			h.runMessages(hctx, messages, nil)
		case domain.TriggerRateLimited:
			h.runMessages(hctx, messages, newLimiter(cfg.RateLimitHz))
		case domain.TriggerTimeInterval:
			h.runSchedule(hctx, sched)
		}
	}()

	return h, nil
}

// Get возвращает Handle запущенной stream-задачи.
func (e *Engine) Get(id domain.TaskID) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// Cancel отменяет stream-задачу id. Возвращает false, если она не запущена.
func (e *Engine) Cancel(id domain.TaskID) bool {
	h, ok := e.Get(id)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Active возвращает описания запущенных stream-задач, отсортированные по TaskID.
func (e *Engine) Active() []domain.StreamInfo {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	out := make([]domain.StreamInfo, 0, len(handles))
	for _, h := range handles {
		info := h.Info()
		if info.State == domain.StateActive {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stop отменяет все stream-задачи и ждёт завершения их циклов.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
		<-h.Done()
	}
}

func (e *Engine) forget(id domain.TaskID) {
	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()
}
