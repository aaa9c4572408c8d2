package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/lifecycle"
)

// Tick выполняет один проход sweeper:
//   - убирает из registry воркеров без heartbeat
//   - обрабатывает claims с истёкшим lease (задача возвращается в пул
//     или становится финальной)
//   - возвращает в пул задачи, превысившие timeout_seconds
//   - переводит в FAILED задачи, ждущие воркера дольше AdmissionTimeout
//
// Tick вызывается из pollLoop, но может быть вызван и напрямую.
func (o *Orchestrator) Tick(ctx context.Context) error {
	for _, workerID := range o.registry.Sweep() {
		o.logger.Info("worker announcement expired", "worker_id", workerID)
	}

	expired, err := o.arbitrator.Expired(ctx)
	if err != nil {
		return fmt.Errorf("list expired claims: %w", err)
	}
	for _, c := range expired {
		o.expireClaim(ctx, c)
	}

	statuses, err := o.tracker.List(ctx)
	if err != nil {
		return err
	}

	now := o.arbitrator.Now()
	for i := range statuses {
		st := &statuses[i]
		if st.Mode != domain.ModeOneShot {
			continue
		}
		switch st.State {
		case domain.StateRunning:
			o.checkTimeout(ctx, st, now)
		case domain.StateSubmitted:
			o.checkAdmission(ctx, st, now)
		}
	}
	return nil
}

// expireClaim обрабатывает claim, который владелец перестал продлевать.
func (o *Orchestrator) expireClaim(ctx context.Context, c domain.Claim) {
	st, err := o.tracker.Get(ctx, c.TaskID)
	if err != nil {
		return
	}
	if st.Epoch != c.Epoch {
		// Claim не успел попасть в статус: следующий Propose заменит его
		return
	}

	logger := o.logger.With("task_id", c.TaskID, "epoch", c.Epoch, "owner", c.WorkerID)

	switch {
	case st.IsFinished() || st.State == domain.StateSubmitted:
		// Владелец упал после записи статуса, но до release

	case st.Mode == domain.ModeStreamReactive:
		if _, err := o.tracker.Set(ctx, c.TaskID, c.Epoch, domain.StateError, "stream owner lease expired"); err != nil {
			logger.Debug("stream expiry skipped", "error", err)
			return
		}
		logger.Warn("stream owner lost")

	default:
		if !o.expire(ctx, st, lifecycle.ReasonLease) {
			return
		}
	}

	if err := o.arbitrator.Release(ctx, c); err != nil {
		logger.Warn("failed to release expired claim", "error", err)
	}
}

// checkTimeout возвращает в пул задачу, выполняющуюся дольше timeout_seconds.
// Воркер следит за таймаутом сам; sweeper страхует от зависшего воркера,
// который продолжает продлевать lease.
func (o *Orchestrator) checkTimeout(ctx context.Context, st *domain.TaskStatus, now time.Time) {
	if st.StartedAt == nil {
		return
	}
	sub, err := o.loadSubmission(ctx, st.TaskID)
	if err != nil {
		return
	}
	deadline := st.StartedAt.Add(sub.Definition.Timeout() + o.lease)
	if now.Before(deadline) {
		return
	}

	c, err := o.arbitrator.Current(ctx, st.TaskID)
	if err != nil || c.Epoch != st.Epoch {
		return
	}
	if !o.expire(ctx, st, lifecycle.ReasonTimeout) {
		return
	}
	if err := o.arbitrator.Release(ctx, c); err != nil {
		o.logger.Warn("failed to release timed out claim", "task_id", st.TaskID, "error", err)
	}
}

// checkAdmission переводит в FAILED задачу, для которой дольше
// AdmissionTimeout нет ни одного воркера с нужными возможностями.
func (o *Orchestrator) checkAdmission(ctx context.Context, st *domain.TaskStatus, now time.Time) {
	if o.admissionTimeout <= 0 || now.Sub(st.SubmittedAt) < o.admissionTimeout {
		return
	}
	sub, err := o.loadSubmission(ctx, st.TaskID)
	if err != nil {
		return
	}
	caps := sub.Definition.RequiredCapabilities()
	if o.registry.HasCandidate(caps) {
		return
	}

	reason := fmt.Sprintf("%v: no worker provides %v within %s",
		ErrCapabilityUnavailable, caps.Strings(), o.admissionTimeout)
	if _, err := o.tracker.Abort(ctx, st.TaskID, reason); err != nil {
		o.logger.Debug("admission abort skipped", "task_id", st.TaskID, "error", err)
		return
	}
	o.logger.Warn("task admission timed out", "task_id", st.TaskID, "capabilities", caps.Strings())
}

// expire возвращает задачу в пул через Tracker.Expire. Если бюджет
// повторов исчерпан, сначала публикуется финальный результат.
// Возвращает false, если статус уже изменился.
func (o *Orchestrator) expire(ctx context.Context, st *domain.TaskStatus, reason lifecycle.ExpireReason) bool {
	if !st.CanRetry() {
		state := domain.StateFailed
		if reason == lifecycle.ReasonTimeout {
			state = domain.StateTimedOut
		}
		res := &domain.TaskResult{
			TaskID:      st.TaskID,
			ParentID:    st.ParentID,
			WorkerID:    st.WorkerID,
			Epoch:       st.Epoch,
			State:       state,
			Error:       fmt.Sprintf("%s: retry budget exhausted after %d retries", reason, st.Retries),
			CompletedAt: time.Now(),
		}
		if err := o.results.Publish(ctx, res, nil); err != nil {
			o.logger.Warn("failed to publish expiry result", "task_id", st.TaskID, "error", err)
		}
	}

	_, err := o.tracker.Expire(ctx, st.TaskID, st.Epoch, reason)
	if err != nil && !errors.Is(err, lifecycle.ErrRetryExhausted) {
		o.logger.Debug("expiry skipped", "task_id", st.TaskID, "reason", reason, "error", err)
		return false
	}
	return true
}
