package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/telemetry"
	"github.com/shaiso/Meshwork/internal/transport"
)

// Handle — запущенная stream-задача.
type Handle struct {
	id        domain.TaskID
	name      string
	trigger   domain.Trigger
	startedAt time.Time

	invoke InvokeFunc
	cancel context.CancelFunc
	logger *slog.Logger

	// mu упорядочивает Cancel и начало запуска.
	mu        sync.Mutex
	state     domain.State
	err       error
	cancelled bool

	invocations atomic.Uint64
	dropped     atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

func newHandle(id domain.TaskID, def *domain.TaskDefinition, invoke InvokeFunc, cancel context.CancelFunc, logger *slog.Logger) *Handle {
	return &Handle{
		id:        id,
		name:      def.Name,
		trigger:   def.StreamConfig.Trigger,
		startedAt: time.Now(),
		invoke:    invoke,
		cancel:    cancel,
		logger:    logger.With("task_id", id, "trigger", def.StreamConfig.Trigger),
		state:     domain.StateStarting,
		done:      make(chan struct{}),
	}
}

// ID возвращает TaskID stream-задачи.
func (h *Handle) ID() domain.TaskID {
	return h.id
}

// Cancel останавливает триггер. После возврата ни один новый запуск не
// начнётся; начатый запуск может завершиться (см. Done).
// Повторный вызов ничего не делает.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled || h.state.IsTerminal() {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.state = domain.StateCancelled
	h.mu.Unlock()

	h.cancel()
	h.logger.Info("stream cancelled", "invocations", h.invocations.Load())
}

// State возвращает текущее состояние: STARTING, ACTIVE, CANCELLED или ERROR.
func (h *Handle) State() domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err возвращает причину перехода в ERROR.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Invocations возвращает число начатых запусков.
func (h *Handle) Invocations() uint64 {
	return h.invocations.Load()
}

// Dropped возвращает число сообщений, отброшенных rate_limited.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}

// Done закрывается, когда цикл триггера завершён и начатый запуск отработал.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Info возвращает описание stream-задачи.
func (h *Handle) Info() domain.StreamInfo {
	return domain.StreamInfo{
		TaskID:      h.id,
		Name:        h.name,
		Trigger:     h.trigger,
		State:       h.State(),
		Invocations: h.invocations.Load(),
		Dropped:     h.dropped.Load(),
		StartedAt:   h.startedAt,
	}
}

func (h *Handle) activate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == domain.StateStarting {
		h.state = domain.StateActive
	}
}

// finish фиксирует финальное состояние (если Cancel ещё не сделал этого)
// и закрывает Done.
func (h *Handle) finish(state domain.State, err error) {
	h.mu.Lock()
	if !h.state.IsTerminal() {
		h.state = state
		h.err = err
		h.cancelled = true
	}
	h.mu.Unlock()

	h.doneOnce.Do(func() { close(h.done) })
}

// fire начинает запуск, если Handle не отменён.
func (h *Handle) fire(ctx context.Context, msg *transport.Message, firedAt time.Time) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	seq := h.invocations.Add(1) - 1
	h.mu.Unlock()

	telemetry.StreamInvocations.WithLabelValues(string(h.trigger)).Inc()

	inv := Invocation{TaskID: h.id, Seq: seq, Message: msg, FiredAt: firedAt}
	if err := h.invoke(context.WithoutCancel(ctx), inv); err != nil {
		h.logger.Warn("stream invocation failed", "seq", seq, "error", err)
	}
}

// runMessages обрабатывает сообщения подписки по порядку.
// limiter == nil означает on_message без ограничения частоты.
func (h *Handle) runMessages(ctx context.Context, messages <-chan transport.Message, limiter *rate.Limiter) {
	for {
		select {
		case <-ctx.Done():
			h.finish(domain.StateCancelled, nil)
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					h.finish(domain.StateCancelled, nil)
				} else {
					h.logger.Error("stream subscription closed")
					h.finish(domain.StateError, ErrSubscriptionLost)
				}
				return
			}

			// Частота считается по моменту обработки, а не по Timestamp.
			arrived := time.Now()
			if limiter != nil && !limiter.AllowN(arrived, 1) {
				h.dropped.Add(1)
				telemetry.StreamDropped.WithLabelValues(string(h.trigger)).Inc()
				continue
			}
			h.fire(ctx, &msg, arrived)
		}
	}
}

// runSchedule запускает задачу по расписанию. Если запуск длился дольше
// периода, пропущенные тики схлопываются в один немедленный запуск.
func (h *Handle) runSchedule(ctx context.Context, sched schedule) {
	next := sched.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			h.finish(domain.StateCancelled, nil)
			return
		case fired := <-timer.C:
			h.fire(ctx, nil, fired)

			now := time.Now()
			next = sched.Next(next)
			if next.Before(now) {
				next = now
			}
			timer.Reset(time.Until(next))
		}
	}
}

// newLimiter — token bucket на hz запусков в секунду, burst 1.
func newLimiter(hz float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(hz), 1)
}
