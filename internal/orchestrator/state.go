package orchestrator

import (
	"fmt"
	"sync"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
)

// ChainState — состояние sequential-цепочки во время выполнения.
//
// Шаги выполняются строго по порядку: шаг i отправляется только после
// того, как шаг i-1 стал COMPLETED. ChainState хранит выходы последнего
// завершённого шага, из которых строятся входы следующего.
type ChainState struct {
	parent domain.Submission
	claim  domain.Claim

	// next — индекс следующего шага к отправке.
	next int

	// prior — выходы последнего завершённого шага.
	prior map[string]any

	mu sync.RWMutex
}

// NewChainState создаёт состояние для цепочки sub под claim c.
func NewChainState(sub *domain.Submission, c domain.Claim) *ChainState {
	return &ChainState{
		parent: *sub,
		claim:  c,
	}
}

// ParentID возвращает id родительской задачи.
func (s *ChainState) ParentID() domain.TaskID {
	return s.parent.TaskID
}

// Claim возвращает claim родителя.
func (s *ChainState) Claim() domain.Claim {
	return s.claim
}

// Epoch возвращает epoch claim родителя.
func (s *ChainState) Epoch() uint64 {
	return s.claim.Epoch
}

// Total возвращает число шагов.
func (s *ChainState) Total() int {
	return len(s.parent.Definition.Tasks)
}

// Next возвращает индекс следующего шага.
func (s *ChainState) Next() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Done — все шаги завершены.
func (s *ChainState) Done() bool {
	return s.Next() >= s.Total()
}

// Step возвращает определение шага i.
func (s *ChainState) Step(i int) *domain.TaskDefinition {
	return &s.parent.Definition.Tasks[i]
}

// StepID возвращает id подзадачи шага i.
func (s *ChainState) StepID(i int) domain.TaskID {
	return domain.ChildID(s.parent.TaskID, i)
}

// Prior возвращает выходы последнего завершённого шага.
func (s *ChainState) Prior() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prior
}

// Advance фиксирует завершение текущего шага с выходами outputs.
func (s *ChainState) Advance(outputs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prior = outputs
	s.next++
}

// NextInputs строит входы следующего шага: входы родителя плюс выходы
// предыдущего шага (для первого шага previous пуст).
func (s *ChainState) NextInputs() (map[string]any, error) {
	i := s.Next()
	inputs, err := engine.MergeInputs(s.Prior(), s.Step(i), s.parent.Inputs)
	if err != nil {
		return nil, fmt.Errorf("step %d (%s): %w", i, s.Step(i).Name, err)
	}
	return inputs, nil
}

// Stats возвращает статистику цепочки.
func (s *ChainState) Stats() ChainStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ChainStats{
		ParentID:  s.parent.TaskID,
		Total:     len(s.parent.Definition.Tasks),
		Completed: s.next,
	}
}

// ChainStats — статистика выполнения цепочки.
type ChainStats struct {
	ParentID  domain.TaskID
	Total     int
	Completed int
}
