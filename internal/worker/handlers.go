package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/results"
	"github.com/shaiso/Meshwork/internal/telemetry"
)

// processTask захватывает задачу, выполняет её и сообщает итог.
//
// Ожидаемые ситуации (задачу захватил другой воркер, нет нужных
// возможностей, задача уже не в SUBMITTED) не считаются ошибкой.
func (w *Worker) processTask(ctx context.Context, id domain.TaskID) error {
	// 1. Загружаем submission
	sub, _, err := kv.GetJSON[domain.Submission](ctx, w.store, kv.TaskKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get submission: %w", err)
	}

	// 2. Проверяем, можем ли мы её выполнить
	if err := w.claimable(&sub); err != nil {
		w.logger.Debug("task skipped", "task_id", id, "reason", err)
		return nil
	}

	// 3. Захватываем claim
	if cur, err := w.tracker.Get(ctx, id); err != nil || cur.State != domain.StateSubmitted {
		return nil
	}
	c, err := w.arbitrator.Propose(ctx, w.id, id, w.lease)
	if errors.Is(err, claim.ErrClaimConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("propose claim: %w", err)
	}

	st, err := w.tracker.Claimed(ctx, c)
	switch {
	case errors.Is(err, lifecycle.ErrRetryExhausted):
		// Перехват истёкшего claim исчерпал бюджет: задача уже FAILED
		w.publishFailure(ctx, &sub, c, st.State, st.Error, 0)
		w.release(c)
		return nil
	case errors.Is(err, lifecycle.ErrStaleClaim), errors.Is(err, lifecycle.ErrInvalidTransition):
		// Задачу отменили или завершили между poll и claim
		w.release(c)
		return nil
	case err != nil:
		w.release(c)
		return fmt.Errorf("record claim: %w", err)
	}

	if _, err := w.tracker.Started(ctx, id, c.Epoch); err != nil {
		w.release(c)
		if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	logger := w.logger.With("task_id", id, "epoch", c.Epoch)
	logger.Info("task started",
		"name", sub.Definition.Name,
		"language", sub.Definition.Language,
		"retries", st.Retries,
	)

	// 4. Выполняем под lease
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	timeout := sub.Definition.Timeout()
	execCtx, cancelExec := context.WithTimeout(runCtx, timeout)
	defer cancelExec()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.keepAlive(execCtx, c, cancelRun)
	}()

	start := time.Now()
	result, execErr := w.execute(execCtx, &sub)
	elapsed := time.Since(start)
	cause := context.Cause(execCtx)

	cancelExec()
	<-renewDone

	switch {
	case errors.Is(cause, ErrCancelled):
		logger.Info("task cancelled during execution")
		return nil

	case errors.Is(cause, ErrClaimLost):
		// Claim перешёл к другому epoch или задачу отменили: итог не сообщаем
		logger.Warn("claim lost during execution, dropping result")
		return nil

	case ctx.Err() != nil:
		// Воркер останавливается: claim не продлевается и истечёт сам
		logger.Warn("worker stopping, task left to lease expiry")
		return nil

	case errors.Is(cause, context.DeadlineExceeded):
		w.expire(&sub, c, timeout)
		return nil
	}

	// 5. Сообщаем итог
	state := domain.StateCompleted
	var errMsg string
	switch {
	case execErr != nil:
		state = domain.StateFailed
		errMsg = execErr.Error()
	case result.Error != "":
		state = domain.StateFailed
		errMsg = result.Error
	}

	telemetry.ExecutionDuration.WithLabelValues(sub.Definition.Language, string(state)).Observe(elapsed.Seconds())

	if err := w.arbitrator.Check(ctx, id, c.Epoch); err != nil {
		logger.Warn("claim no longer current, dropping result", "error", err)
		return nil
	}

	res := &domain.TaskResult{
		TaskID:          id,
		ParentID:        sub.ParentID,
		WorkerID:        w.id,
		Epoch:           c.Epoch,
		State:           state,
		Error:           errMsg,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if result != nil {
		res.Outputs = result.Outputs
	}
	if err := w.publish(ctx, res, &sub.Definition); err != nil {
		if errors.Is(err, results.ErrStaleResult) {
			logger.Warn("stale result rejected")
			return nil
		}
		w.release(c)
		return fmt.Errorf("publish result: %w", err)
	}

	if state == domain.StateCompleted {
		_, err = w.tracker.Complete(ctx, id, c.Epoch)
	} else {
		_, err = w.tracker.Fail(ctx, id, c.Epoch, errMsg)
	}
	w.release(c)
	if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
		logger.Warn("final status rejected", "state", state, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record final status: %w", err)
	}

	logger.Info("task finished",
		"state", state,
		"duration_ms", elapsed.Milliseconds(),
		"error", errMsg,
	)
	return nil
}

// claimable проверяет, что задача одиночная, ждёт claim и что у воркера
// есть все требуемые возможности.
func (w *Worker) claimable(sub *domain.Submission) error {
	if sub.Mode() != domain.ModeOneShot {
		return fmt.Errorf("%w: mode %s", ErrNotClaimable, sub.Mode())
	}
	if !sub.Definition.RequiredCapabilities().SubsetOf(w.capabilities) {
		return fmt.Errorf("%w: missing capabilities", ErrNotClaimable)
	}
	return nil
}

// execute применяет входы и вызывает executor с повторами.
func (w *Worker) execute(ctx context.Context, sub *domain.Submission) (*ExecutionResult, error) {
	def := &sub.Definition

	inputs, err := engine.ApplyInputs(def, sub.Inputs)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}

	executor, err := w.executors.Get(def.Language)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}

	job := &Job{
		TaskID:     sub.TaskID,
		WorkerID:   w.id,
		Definition: def,
		Inputs:     inputs,
	}
	return w.executeWithRetry(ctx, executor, job, def.Retry)
}

// keepAlive продлевает claim каждые lease/3 до завершения ctx.
// При потере claim отменяет выполнение с причиной ErrClaimLost
// (ErrCancelled, если задачу отменили).
func (w *Worker) keepAlive(ctx context.Context, c domain.Claim, cancel context.CancelCauseFunc) {
	interval := w.lease / 3
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
			renewed, err := w.arbitrator.Renew(ctx, c, w.lease)
			if errors.Is(err, claim.ErrClaimLost) {
				cause := ErrClaimLost
				if st, err := w.tracker.Get(ctx, c.TaskID); err == nil && st.State == domain.StateCancelled {
					cause = ErrCancelled
				}
				cancel(cause)
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("failed to renew claim", "task_id", c.TaskID, "error", err)
				}
				continue
			}
			c = renewed
		}
	}
}

// expire фиксирует таймаут выполнения: задача возвращается в пул или,
// если бюджет исчерпан, становится TIMED_OUT.
func (w *Worker) expire(sub *domain.Submission, c domain.Claim, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Результат пишется раньше финального статуса
	msg := fmt.Sprintf("%v after %s", ErrExecutionTimeout, timeout)
	if cur, err := w.tracker.Get(ctx, sub.TaskID); err == nil && cur.Epoch == c.Epoch && !cur.CanRetry() {
		w.publishFailure(ctx, sub, c, domain.StateTimedOut, msg, timeout.Milliseconds())
	}

	st, err := w.tracker.Expire(ctx, sub.TaskID, c.Epoch, lifecycle.ReasonTimeout)
	switch {
	case errors.Is(err, lifecycle.ErrRetryExhausted):
		w.logger.Warn("task timed out, retry budget exhausted",
			"task_id", sub.TaskID,
			"retries", st.Retries,
		)
	case err != nil:
		w.logger.Warn("failed to expire timed out task", "task_id", sub.TaskID, "error", err)
	default:
		w.logger.Warn("task timed out, returned to pool",
			"task_id", sub.TaskID,
			"retries", st.Retries,
		)
	}
	telemetry.ExecutionDuration.WithLabelValues(sub.Definition.Language, string(domain.StateTimedOut)).Observe(timeout.Seconds())

	if err := w.arbitrator.Release(ctx, c); err != nil {
		w.logger.Warn("failed to release claim", "task_id", sub.TaskID, "error", err)
	}
}

// publishFailure записывает результат задачи, которую перевели в
// финальное состояние без выполнения (исчерпан бюджет повторов).
func (w *Worker) publishFailure(ctx context.Context, sub *domain.Submission, c domain.Claim, state domain.State, msg string, elapsedMs int64) {
	res := &domain.TaskResult{
		TaskID:          sub.TaskID,
		ParentID:        sub.ParentID,
		WorkerID:        w.id,
		Epoch:           c.Epoch,
		State:           state,
		Error:           msg,
		ExecutionTimeMs: elapsedMs,
	}
	if err := w.publish(ctx, res, &sub.Definition); err != nil {
		w.logger.Warn("failed to publish failure result", "task_id", sub.TaskID, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, res *domain.TaskResult, def *domain.TaskDefinition) error {
	if w.results == nil {
		return nil
	}
	return w.results.Publish(ctx, res, def)
}

// release отпускает claim, не завися от контекста выполнения.
func (w *Worker) release(c domain.Claim) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.arbitrator.Release(ctx, c); err != nil {
		w.logger.Warn("failed to release claim", "task_id", c.TaskID, "error", err)
	}
}
