package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Meshwork/internal/claim"
	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/results"
)

// runChain ведёт sequential-цепочку id под claim этого узла.
//
// Шаг i отправляется как one_shot подзадача <id>-i только после того,
// как шаг i-1 стал COMPLETED. Неуспешный шаг обрывает цепочку, и
// родитель становится FAILED. Уже отправленные шаги (после перехвата
// цепочки другим узлом) не отправляются повторно.
func (o *Orchestrator) runChain(ctx context.Context, id domain.TaskID) error {
	sub, err := o.loadSubmission(ctx, id)
	if err != nil {
		return err
	}

	// 1. Захватываем родителя
	c, err := o.arbitrator.Propose(ctx, o.id, id, o.lease)
	if errors.Is(err, claim.ErrClaimConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("propose parent claim: %w", err)
	}

	st, err := o.tracker.Claimed(ctx, c)
	switch {
	case errors.Is(err, lifecycle.ErrRetryExhausted):
		o.logger.Warn("chain retry budget exhausted", "task_id", id, "retries", st.Retries)
		o.release(c)
		return nil
	case errors.Is(err, lifecycle.ErrStaleClaim), errors.Is(err, lifecycle.ErrInvalidTransition):
		o.release(c)
		return nil
	case err != nil:
		o.release(c)
		return fmt.Errorf("record parent claim: %w", err)
	}

	if _, err := o.tracker.Started(ctx, id, c.Epoch); err != nil {
		o.release(c)
		if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("start chain: %w", err)
	}

	// 2. Держим claim, пока цепочка идёт
	chainCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		o.keepAlive(chainCtx, c, cancel)
	}()
	defer func() {
		cancel()
		<-renewDone
	}()

	state := NewChainState(sub, c)
	logger := o.logger.With("task_id", id, "epoch", c.Epoch)
	logger.Info("chain started", "steps", state.Total(), "retries", st.Retries)

	// 3. Шаги по порядку
	for !state.Done() {
		i := state.Next()
		childID := state.StepID(i)

		_, err := o.tracker.Get(chainCtx, childID)
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			inputs, err := state.NextInputs()
			if err != nil {
				return o.abortChain(chainCtx, state, i, err.Error())
			}
			if err := o.chainLive(chainCtx, state); err != nil {
				logger.Info("chain stopped before step", "step", i, "reason", err)
				return nil
			}
			if err := o.submitChild(chainCtx, id, i, *state.Step(i), inputs); err != nil {
				if chainCtx.Err() != nil {
					return nil
				}
				return err
			}
			// Cancel мог пройти между проверкой и созданием шага и не увидеть его.
			if err := o.chainLive(chainCtx, state); err != nil {
				o.dropChild(ctx, childID)
				logger.Info("chain stopped after step submission", "step", i, "reason", err)
				return nil
			}
			logger.Info("chain step submitted", "step", i, "child_id", childID)
		case err != nil:
			if chainCtx.Err() != nil {
				return nil
			}
			return err
		default:
			logger.Debug("chain step already submitted", "step", i, "child_id", childID)
		}

		child, err := o.tracker.Wait(chainCtx, childID)
		if err != nil {
			if chainCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait step %d: %w", i, err)
		}

		if child.State != domain.StateCompleted {
			reason := string(child.State)
			if child.Error != "" {
				reason += ": " + child.Error
			}
			return o.abortChain(chainCtx, state, i, reason)
		}

		res, err := o.results.Get(chainCtx, childID)
		if err != nil {
			if chainCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("step %d result: %w", i, err)
		}
		state.Advance(res.Outputs)
		logger.Debug("chain step completed", "step", i, "completed", state.Stats().Completed)
	}

	// 4. Итог цепочки — выходы последнего шага
	return o.finishChain(chainCtx, state, sub, st)
}

// finishChain публикует результат цепочки и переводит родителя в COMPLETED.
func (o *Orchestrator) finishChain(ctx context.Context, state *ChainState, sub *domain.Submission, st *domain.TaskStatus) error {
	id := state.ParentID()
	epoch := state.Epoch()

	if err := o.arbitrator.Check(ctx, id, epoch); err != nil {
		o.logger.Warn("parent claim lost before completion", "task_id", id, "error", err)
		return nil
	}

	res := &domain.TaskResult{
		TaskID:      id,
		WorkerID:    o.id,
		Epoch:       epoch,
		State:       domain.StateCompleted,
		Outputs:     state.Prior(),
		CompletedAt: time.Now(),
	}
	if st.ClaimedAt != nil {
		res.ExecutionTimeMs = time.Since(*st.ClaimedAt).Milliseconds()
	}

	if err := o.results.Publish(ctx, res, &sub.Definition); err != nil {
		if errors.Is(err, results.ErrStaleResult) {
			return nil
		}
		return fmt.Errorf("publish chain result: %w", err)
	}
	if _, err := o.tracker.Complete(ctx, id, epoch); err != nil {
		if errors.Is(err, lifecycle.ErrStaleClaim) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("complete chain: %w", err)
	}

	o.release(state.Claim())
	o.logger.Info("chain completed", "task_id", id, "steps", state.Total())
	return nil
}

// abortChain обрывает цепочку на шаге step: родитель становится FAILED,
// следующие шаги не отправляются.
func (o *Orchestrator) abortChain(ctx context.Context, state *ChainState, step int, reason string) error {
	if ctx.Err() != nil {
		return nil
	}
	id := state.ParentID()
	epoch := state.Epoch()

	// Родителя могли отменить: отмена шага тогда не обрыв цепочки
	if st, err := o.tracker.Get(ctx, id); err == nil && st.IsFinished() {
		return nil
	}

	msg := fmt.Sprintf("%v at step %d (%s): %s", ErrChainAbort, step, state.StepID(step), reason)

	res := &domain.TaskResult{
		TaskID:      id,
		WorkerID:    o.id,
		Epoch:       epoch,
		State:       domain.StateFailed,
		Error:       msg,
		CompletedAt: time.Now(),
	}
	if err := o.results.Publish(ctx, res, nil); err != nil && !errors.Is(err, results.ErrStaleResult) {
		o.logger.Error("failed to publish chain failure", "task_id", id, "error", err)
	}
	if _, err := o.tracker.Fail(ctx, id, epoch, msg); err != nil &&
		!errors.Is(err, lifecycle.ErrStaleClaim) && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		return fmt.Errorf("fail chain: %w", err)
	}

	o.release(state.Claim())
	o.logger.Warn("chain aborted", "task_id", id, "step", step, "reason", reason)
	return nil
}

// chainLive проверяет, что claim родителя с epoch цепочки ещё действует
// и родитель не финален.
func (o *Orchestrator) chainLive(ctx context.Context, state *ChainState) error {
	if err := o.arbitrator.Check(ctx, state.ParentID(), state.Epoch()); err != nil {
		return err
	}
	st, err := o.tracker.Get(ctx, state.ParentID())
	if err != nil {
		return err
	}
	if st.IsFinished() || st.Epoch != state.Epoch() {
		return fmt.Errorf("%w: parent is %s at epoch %d", errChainStopped, st.State, st.Epoch)
	}
	return nil
}

// dropChild отменяет шаг, созданный уже остановленной цепочкой.
func (o *Orchestrator) dropChild(ctx context.Context, childID domain.TaskID) {
	if _, err := o.tracker.Cancel(ctx, childID, "chain stopped"); err != nil &&
		!errors.Is(err, lifecycle.ErrInvalidTransition) {
		o.logger.Warn("failed to cancel orphan step", "task_id", childID, "error", err)
	}
	if err := o.arbitrator.ForceRelease(ctx, childID); err != nil {
		o.logger.Warn("failed to release orphan step", "task_id", childID, "error", err)
	}
}

// submitChild создаёт one_shot подзадачу <parent>-index.
// Повторная отправка того же индекса ничего не меняет.
func (o *Orchestrator) submitChild(ctx context.Context, parent domain.TaskID, index int, def domain.TaskDefinition, inputs map[string]any) error {
	sub := domain.Submission{
		TaskID:      domain.ChildID(parent, index),
		ParentID:    parent,
		Index:       index,
		Definition:  def,
		Inputs:      inputs,
		SubmittedAt: time.Now(),
	}

	if _, err := kv.CreateJSON(ctx, o.store, kv.TaskKey(sub.TaskID), sub); err != nil && !kv.IsConflict(err) {
		return fmt.Errorf("create subtask %s: %w", sub.TaskID, err)
	}
	if _, err := o.tracker.Create(ctx, &sub); err != nil && !errors.Is(err, lifecycle.ErrAlreadyExists) {
		return fmt.Errorf("create subtask status %s: %w", sub.TaskID, err)
	}
	return nil
}
