package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/stream"
)

// runStream ведёт stream-задачу id под claim этого узла:
// SUBMITTED → STARTING → ACTIVE, затем ждёт отмены или ошибки триггера.
//
// Каждое срабатывание триггера создаёт one_shot подзадачу <id>-n,
// которую выполняет обычный воркер.
func (o *Orchestrator) runStream(ctx context.Context, id domain.TaskID) error {
	sub, err := o.loadSubmission(ctx, id)
	if err != nil {
		return err
	}

	c, err := o.arbitrator.Propose(ctx, o.id, id, o.lease)
	if errors.Is(err, claim.ErrClaimConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("propose stream claim: %w", err)
	}

	if _, err := o.tracker.Claimed(ctx, c); err != nil {
		o.release(c)
		if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("record stream claim: %w", err)
	}

	logger := o.logger.With("task_id", id, "epoch", c.Epoch)

	if o.streams == nil {
		o.streamError(ctx, c, "stream engine unavailable")
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	def := sub.Definition
	h, err := o.streams.Start(streamCtx, id, &def, o.invoker(sub))
	if err != nil {
		logger.Error("stream failed to start", "error", err)
		o.streamError(ctx, c, err.Error())
		return nil
	}

	if _, err := o.tracker.Set(ctx, id, c.Epoch, domain.StateActive, ""); err != nil {
		// Задачу отменили, пока шла подписка
		h.Cancel()
		<-h.Done()
		o.release(c)
		if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("activate stream: %w", err)
	}

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		o.keepAlive(streamCtx, c, h.Cancel)
	}()

	<-h.Done()
	cancel()
	<-renewDone

	if h.State() == domain.StateError {
		logger.Error("stream stopped with error", "error", h.Err())
		o.streamError(context.WithoutCancel(ctx), c, h.Err().Error())
		return nil
	}

	if ctx.Err() != nil && !o.cancelled(id) {
		// Узел останавливается: claim истечёт, и sweeper переведёт задачу в ERROR
		logger.Warn("orchestrator stopping, stream left to lease expiry",
			"invocations", h.Invocations())
		return nil
	}

	o.release(c)
	logger.Info("stream finished", "invocations", h.Invocations(), "dropped", h.Dropped())
	return nil
}

// invoker возвращает функцию запуска: одна подзадача на срабатывание.
func (o *Orchestrator) invoker(sub *domain.Submission) stream.InvokeFunc {
	def := sub.Definition
	def.ExecutionMode = domain.ModeOneShot
	def.StreamConfig = nil

	return func(ctx context.Context, inv stream.Invocation) error {
		var payload []byte
		if inv.Message != nil {
			payload = inv.Message.Payload
		}

		inputs, err := engine.MessageInputs(&def, sub.Inputs, payload)
		if err != nil {
			return err
		}
		return o.submitChild(ctx, sub.TaskID, int(inv.Seq), def, inputs)
	}
}

// streamError переводит stream-задачу в ERROR и отпускает claim.
func (o *Orchestrator) streamError(ctx context.Context, c domain.Claim, reason string) {
	if _, err := o.tracker.Set(ctx, c.TaskID, c.Epoch, domain.StateError, reason); err != nil &&
		!errors.Is(err, lifecycle.ErrStaleClaim) && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		o.logger.Error("failed to record stream error", "task_id", c.TaskID, "error", err)
	}
	o.release(c)
}

// cancelled сообщает, отменена ли задача пользователем.
func (o *Orchestrator) cancelled(id domain.TaskID) bool {
	st, err := o.tracker.Get(context.Background(), id)
	return err == nil && st.State == domain.StateCancelled
}
