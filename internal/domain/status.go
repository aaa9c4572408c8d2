package domain

// State — состояние задачи в status namespace.
//
// Жизненный цикл one_shot и sequential:
//
//	SUBMITTED → CLAIMED → RUNNING → COMPLETED
//	                              ↘ FAILED
//	CANCELLED — из любого нефинального состояния
//	TIMED_OUT — из CLAIMED или RUNNING, если истёк таймаут
//
// Жизненный цикл stream_reactive:
//
//	SUBMITTED → STARTING → ACTIVE → CANCELLED
//	                    ↘        ↘ ERROR
type State string

const (
	// StateSubmitted — задача принята, ждёт claim.
	StateSubmitted State = "SUBMITTED"

	// StateClaimed — claim принят, воркер ещё не начал выполнение.
	StateClaimed State = "CLAIMED"

	// StateRunning — воркер выполняет задачу.
	StateRunning State = "RUNNING"

	// StateCompleted — задача успешно завершена.
	StateCompleted State = "COMPLETED"

	// StateFailed — задача завершилась с ошибкой.
	StateFailed State = "FAILED"

	// StateCancelled — задача отменена по запросу.
	StateCancelled State = "CANCELLED"

	// StateTimedOut — таймаут выполнения, retry budget исчерпан.
	StateTimedOut State = "TIMED_OUT"

	// StateStarting — stream-задача устанавливает подписку.
	StateStarting State = "STARTING"

	// StateActive — stream-задача работает, триггер активен.
	StateActive State = "ACTIVE"

	// StateError — stream-задача не смогла запуститься или потеряла подписку.
	StateError State = "ERROR"
)

// IsTerminal возвращает true, если состояние финальное.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut, StateError:
		return true
	default:
		return false
	}
}

// IsSuccess — задача завершилась успешно.
func (s State) IsSuccess() bool {
	return s == StateCompleted
}

// String возвращает строковое представление State.
func (s State) String() string {
	return string(s)
}

var taskTransitions = map[State][]State{
	StateSubmitted: {StateClaimed, StateCancelled, StateFailed},
	// CLAIMED/RUNNING → SUBMITTED: lease истёк, задача возвращается в пул.
	// CLAIMED/RUNNING → CLAIMED: перехват истёкшего claim новым epoch.
	StateClaimed: {StateRunning, StateClaimed, StateSubmitted, StateFailed, StateCancelled, StateTimedOut},
	StateRunning: {StateCompleted, StateFailed, StateClaimed, StateSubmitted, StateCancelled, StateTimedOut},
}

var streamTransitions = map[State][]State{
	StateSubmitted: {StateStarting, StateCancelled, StateError},
	StateStarting:  {StateActive, StateCancelled, StateError},
	StateActive:    {StateCancelled, StateError},
}

// CanTransition проверяет, разрешён ли переход from → to для режима mode.
func CanTransition(mode ExecutionMode, from, to State) bool {
	table := taskTransitions
	if mode == ModeStreamReactive {
		table = streamTransitions
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
