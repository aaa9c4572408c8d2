package domain

import "time"

// TaskResult — итог выполнения задачи, пишется в results/<id>.
type TaskResult struct {
	TaskID   TaskID `json:"task_id"`
	ParentID TaskID `json:"parent_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Epoch    uint64 `json:"epoch,omitempty"`
	State    State  `json:"state"`

	// Outputs — JSON-совместимый результат: {"result": 120}.
	Outputs map[string]any `json:"outputs,omitempty"`

	Error string `json:"error,omitempty"`

	ExecutionTimeMs int64     `json:"execution_time_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// ChainEntry — состояние одного шага цепочки.
type ChainEntry struct {
	TaskID  TaskID         `json:"task_id"`
	Index   int            `json:"index"`
	Name    string         `json:"name,omitempty"`
	State   State          `json:"state"`
	Error   string         `json:"error,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ChainView — "whole chain": статус родителя и упорядоченный список шагов.
//
// Шаги, которые ещё не были отправлены, в списке отсутствуют.
type ChainView struct {
	ParentID TaskID       `json:"parent_id"`
	State    State        `json:"state"`
	Error    string       `json:"error,omitempty"`
	Steps    []ChainEntry `json:"steps"`
	Total    int          `json:"total"`
}

// StreamInfo — описание активной stream-задачи.
type StreamInfo struct {
	TaskID      TaskID    `json:"task_id"`
	Name        string    `json:"name"`
	Trigger     Trigger   `json:"trigger"`
	State       State     `json:"state"`
	Invocations uint64    `json:"invocations"`
	Dropped     uint64    `json:"dropped"`
	StartedAt   time.Time `json:"started_at"`
}
