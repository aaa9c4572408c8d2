package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
	"github.com/shaiso/Meshwork/internal/kv"
	"github.com/shaiso/Meshwork/internal/lifecycle"
	"github.com/shaiso/Meshwork/internal/results"
	"github.com/shaiso/Meshwork/internal/telemetry"
)

// Submit проверяет определение, создаёт задачу и возвращает её TaskID.
//
// Ошибки валидации (engine.ValidationError) возвращаются без TaskID.
// Если сейчас нет воркера с нужными возможностями, задача всё равно
// создаётся и возвращается вместе с ErrCapabilityUnavailable: one_shot и
// sequential ждут воркера (или AdmissionTimeout), stream-задача сразу
// получает ERROR.
func (o *Orchestrator) Submit(ctx context.Context, def *domain.TaskDefinition, inputs map[string]any) (domain.TaskID, error) {
	if o.IsStopped() {
		return "", ErrOrchestratorStopped
	}

	// 1. Валидация
	if err := engine.Validate(def); err != nil {
		return "", err
	}
	mode := def.Mode()
	switch mode {
	case domain.ModeOneShot:
		if _, err := engine.ApplyInputs(def, inputs); err != nil {
			return "", err
		}
	case domain.ModeSequential:
		if _, err := engine.MergeInputs(nil, &def.Tasks[0], inputs); err != nil {
			return "", err
		}
	}

	// 2. Записи tasks/ и status/
	sub := domain.Submission{
		TaskID:      domain.NewTaskID(),
		Definition:  *def,
		Inputs:      inputs,
		SubmittedAt: time.Now(),
	}
	if _, err := kv.CreateJSON(ctx, o.store, kv.TaskKey(sub.TaskID), sub); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if _, err := o.tracker.Create(ctx, &sub); err != nil {
		return "", fmt.Errorf("create status: %w", err)
	}

	telemetry.TasksSubmitted.WithLabelValues(string(mode)).Inc()
	o.logger.Info("task submitted",
		"task_id", sub.TaskID,
		"name", def.Name,
		"mode", mode,
	)

	// 3. Допуск
	admitErr := o.checkCapabilities(def)
	if admitErr != nil && mode == domain.ModeStreamReactive {
		if _, err := o.tracker.Abort(ctx, sub.TaskID, admitErr.Error()); err != nil {
			o.logger.Error("failed to reject stream", "task_id", sub.TaskID, "error", err)
		}
		return sub.TaskID, admitErr
	}

	if mode != domain.ModeOneShot {
		o.launch(sub.TaskID, mode)
	}
	return sub.TaskID, admitErr
}

// checkCapabilities проверяет, что для каждой исполняемой части def есть
// хотя бы один живой воркер со всеми требуемыми возможностями.
func (o *Orchestrator) checkCapabilities(def *domain.TaskDefinition) error {
	parts := []*domain.TaskDefinition{def}
	if def.Mode() == domain.ModeSequential {
		parts = parts[:0]
		for i := range def.Tasks {
			parts = append(parts, &def.Tasks[i])
		}
	}

	var missing []string
	for _, part := range parts {
		caps := part.RequiredCapabilities()
		if !o.registry.HasCandidate(caps) {
			missing = append(missing, fmt.Sprintf("%s %v", part.Name, caps.Strings()))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrCapabilityUnavailable, strings.Join(missing, ", "))
	}
	return nil
}

// SubmitAndWait отправляет задачу и ждёт её финального результата.
// Блокирует только вызывающего.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, def *domain.TaskDefinition, inputs map[string]any) (*domain.TaskResult, error) {
	id, err := o.Submit(ctx, def, inputs)
	if id == "" {
		return nil, err
	}
	if err != nil {
		o.logger.Warn("waiting for a capable worker", "task_id", id, "error", err)
	}

	if _, err := o.tracker.Wait(ctx, id); err != nil {
		return nil, fmt.Errorf("wait %s: %w", id, err)
	}
	return o.Results(ctx, id)
}

// Status возвращает текущий статус задачи.
func (o *Orchestrator) Status(ctx context.Context, id domain.TaskID) (*domain.TaskStatus, error) {
	st, err := o.tracker.Get(ctx, id)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, err
}

// Results возвращает финальный результат задачи.
//
// Для незавершённой задачи возвращается ErrNotTerminal. Если результат
// не был записан (отмена, отказ допуска) или не соответствует статусу,
// результат строится из статуса.
func (o *Orchestrator) Results(ctx context.Context, id domain.TaskID) (*domain.TaskResult, error) {
	st, err := o.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsFinished() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, st.State)
	}

	res, err := o.results.Get(ctx, id)
	if err != nil && !errors.Is(err, results.ErrNotFound) {
		return nil, err
	}
	if res != nil && res.Epoch == st.Epoch && res.State == st.State {
		return res, nil
	}

	out := &domain.TaskResult{
		TaskID:   st.TaskID,
		ParentID: st.ParentID,
		WorkerID: st.WorkerID,
		Epoch:    st.Epoch,
		State:    st.State,
		Error:    st.Error,
	}
	if st.FinishedAt != nil {
		out.CompletedAt = *st.FinishedAt
	}
	return out, nil
}

// ChainResults возвращает состояние sequential-цепочки: статус родителя
// и упорядоченный список отправленных шагов.
func (o *Orchestrator) ChainResults(ctx context.Context, id domain.TaskID) (*domain.ChainView, error) {
	st, err := o.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Mode != domain.ModeSequential {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotChain, id, st.Mode)
	}
	sub, err := o.loadSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &domain.ChainView{
		ParentID: id,
		State:    st.State,
		Error:    st.Error,
		Total:    len(sub.Definition.Tasks),
		Steps:    make([]domain.ChainEntry, 0, len(sub.Definition.Tasks)),
	}

	for i, step := range sub.Definition.Tasks {
		childID := domain.ChildID(id, i)
		child, err := o.tracker.Get(ctx, childID)
		if errors.Is(err, lifecycle.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		entry := domain.ChainEntry{
			TaskID: childID,
			Index:  i,
			Name:   step.Name,
			State:  child.State,
			Error:  child.Error,
		}
		if child.State == domain.StateCompleted {
			if res, err := o.results.Get(ctx, childID); err == nil {
				entry.Outputs = res.Outputs
			}
		}
		view.Steps = append(view.Steps, entry)
	}
	return view, nil
}

// Cancel отменяет нефинальную задачу.
//
// Для цепочки отменяются родитель и текущий шаг; следующие шаги не
// отправляются. Для stream-задачи триггер останавливается синхронно,
// если она запущена на этом узле, иначе владелец заметит отмену при
// продлении claim. Уже начатые запуски stream завершаются.
func (o *Orchestrator) Cancel(ctx context.Context, id domain.TaskID, reason string) (*domain.TaskStatus, error) {
	st, err := o.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.IsFinished() {
		return st, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, st.State)
	}

	cancelled, err := o.tracker.Cancel(ctx, id, reason)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return cancelled, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, cancelled.State)
	}
	if err != nil {
		return nil, err
	}

	switch st.Mode {
	case domain.ModeStreamReactive:
		if o.streams != nil {
			o.streams.Cancel(id)
		}
		o.stopLocal(id)

	case domain.ModeSequential:
		o.stopLocal(id)
		children, err := o.chainSteps(ctx, id)
		if err != nil {
			o.logger.Warn("failed to list chain steps", "task_id", id, "error", err)
		}
		for _, child := range children {
			if child.IsFinished() {
				continue
			}
			if _, err := o.tracker.Cancel(ctx, child.TaskID, reason); err != nil {
				o.logger.Warn("failed to cancel chain step", "task_id", child.TaskID, "error", err)
			}
			if err := o.arbitrator.ForceRelease(ctx, child.TaskID); err != nil {
				o.logger.Warn("failed to release chain step", "task_id", child.TaskID, "error", err)
			}
		}
	}

	if err := o.arbitrator.ForceRelease(ctx, id); err != nil {
		o.logger.Warn("failed to release cancelled task", "task_id", id, "error", err)
	}

	o.logger.Info("task cancelled", "task_id", id, "mode", st.Mode, "reason", reason)
	return cancelled, nil
}

// chainSteps возвращает статусы всех созданных шагов цепочки parent,
// упорядоченные по индексу. Пропуски в нумерации не прерывают обход.
func (o *Orchestrator) chainSteps(ctx context.Context, parent domain.TaskID) ([]*domain.TaskStatus, error) {
	keys, err := o.store.Keys(ctx, kv.StatusKey(parent)+"-")
	if err != nil {
		return nil, fmt.Errorf("list chain steps: %w", err)
	}

	type step struct {
		index int
		st    *domain.TaskStatus
	}
	var steps []step
	for _, key := range keys {
		id, ok := kv.TaskIDFromKey(kv.StatusPrefix, key)
		if !ok {
			continue
		}
		n, ok := domain.ParseChildID(parent, id)
		if !ok {
			continue
		}
		st, err := o.tracker.Get(ctx, id)
		if err != nil {
			continue
		}
		steps = append(steps, step{index: n, st: st})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].index < steps[j].index })

	out := make([]*domain.TaskStatus, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.st)
	}
	return out, nil
}

// ListActiveStreams возвращает все stream-задачи в состоянии ACTIVE.
// Для задач этого узла счётчики запусков берутся из stream.Engine.
func (o *Orchestrator) ListActiveStreams(ctx context.Context) ([]domain.StreamInfo, error) {
	statuses, err := o.tracker.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.StreamInfo
	for i := range statuses {
		st := &statuses[i]
		if st.Mode != domain.ModeStreamReactive || st.State != domain.StateActive {
			continue
		}

		if o.streams != nil {
			if h, ok := o.streams.Get(st.TaskID); ok {
				out = append(out, h.Info())
				continue
			}
		}

		info := domain.StreamInfo{TaskID: st.TaskID, State: st.State}
		if st.StartedAt != nil {
			info.StartedAt = *st.StartedAt
		}
		if sub, err := o.loadSubmission(ctx, st.TaskID); err == nil {
			info.Name = sub.Definition.Name
			if cfg := sub.Definition.StreamConfig; cfg != nil {
				info.Trigger = cfg.Trigger
			}
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Workers возвращает живых воркеров из registry.
func (o *Orchestrator) Workers() []domain.WorkerInfo {
	return o.registry.Workers()
}
