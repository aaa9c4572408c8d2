package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskID — непрозрачный идентификатор задачи.
//
// Standalone-задачи получают UUID. Подзадачи цепочки и запуски stream
// получают производный id "<parent>-<n>", где n начинается с 0.
type TaskID string

// NewTaskID генерирует новый идентификатор задачи.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// ChildID возвращает id подзадачи с индексом n.
// Результат детерминирован: один и тот же parent и n дают один и тот же id.
func ChildID(parent TaskID, n int) TaskID {
	return TaskID(string(parent) + "-" + strconv.Itoa(n))
}

// ParseChildID возвращает индекс подзадачи id относительно parent.
// Возвращает false, если id не является производным от parent.
func ParseChildID(parent, id TaskID) (int, bool) {
	prefix := string(parent) + "-"
	if !strings.HasPrefix(string(id), prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(id), prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// String возвращает строковое представление TaskID.
func (id TaskID) String() string {
	return string(id)
}

// Submission — запись в namespace tasks/: что и с какими входами выполнить.
//
// Воркеры следят за tasks/ и пробуют захватить подходящие Submission.
type Submission struct {
	// TaskID — идентификатор задачи.
	TaskID TaskID `json:"task_id"`

	// ParentID — родитель (для подзадач цепочки и запусков stream).
	ParentID TaskID `json:"parent_id,omitempty"`

	// Index — позиция в цепочке (0-based). Для standalone-задач 0.
	Index int `json:"index"`

	// Definition — определение задачи.
	Definition TaskDefinition `json:"definition"`

	// Inputs — входные данные после слияния с результатом предыдущего шага.
	Inputs map[string]any `json:"inputs,omitempty"`

	// SubmittedAt — время отправки.
	SubmittedAt time.Time `json:"submitted_at"`
}

// Mode возвращает режим выполнения задачи.
func (s *Submission) Mode() ExecutionMode {
	return s.Definition.Mode()
}

// TaskStatus — запись в namespace status/: текущее состояние задачи.
//
// Пишется только владельцем актуального claim (воркер или orchestrator
// для цепочек) либо арбитром при истечении lease/таймаута.
type TaskStatus struct {
	TaskID   TaskID        `json:"task_id"`
	ParentID TaskID        `json:"parent_id,omitempty"`
	Mode     ExecutionMode `json:"mode"`
	State    State         `json:"state"`

	// Epoch — epoch claim, под которым было последнее изменение.
	Epoch uint64 `json:"epoch,omitempty"`

	// WorkerID — текущий владелец claim.
	WorkerID string `json:"worker_id,omitempty"`

	// Retries — сколько раз задача возвращалась в пул после lease/таймаута.
	Retries int `json:"retries"`

	// MaxRetries — бюджет повторов, зафиксированный при создании.
	MaxRetries int `json:"max_retries"`

	// Error — детали ошибки для FAILED/TIMED_OUT/ERROR.
	Error string `json:"error,omitempty"`

	// Message — произвольное сообщение о ходе выполнения.
	Message string `json:"message,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsFinished возвращает true, если задача в финальном состоянии.
func (s *TaskStatus) IsFinished() bool {
	return s.State.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если задача ещё не завершена.
func (s *TaskStatus) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// CanRetry проверяет, остался ли бюджет повторов.
func (s *TaskStatus) CanRetry() bool {
	return s.Retries < s.MaxRetries
}
