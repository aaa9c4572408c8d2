package lifecycle

import "errors"

var (
	// ErrNotFound — статус задачи не найден.
	ErrNotFound = errors.New("task status not found")

	// ErrAlreadyExists — статус задачи уже создан.
	ErrAlreadyExists = errors.New("task status already exists")

	// ErrInvalidTransition — переход не разрешён таблицей переходов.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStaleClaim — изменение пришло с устаревшим epoch claim и отброшено.
	ErrStaleClaim = errors.New("stale claim epoch")

	// ErrRetryExhausted — бюджет повторов исчерпан, задача переведена в финальное состояние.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrContention — не удалось записать статус из-за постоянных конфликтов CAS.
	ErrContention = errors.New("task status contention")
)
