package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownLanguage — нет executor'а для вида payload.
	ErrUnknownLanguage = errors.New("unknown task language")

	// ErrUnknownFunction — нет встроенной функции с таким именем.
	ErrUnknownFunction = errors.New("unknown builtin function")

	// ErrInvalidInput — вход задачи не подходит функции.
	ErrInvalidInput = errors.New("invalid task input")

	// ErrExecutionTimeout — выполнение превысило timeout_seconds.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrClaimLost — claim истёк или отпущен во время выполнения.
	ErrClaimLost = errors.New("claim lost during execution")

	// ErrCancelled — задача отменена во время выполнения.
	ErrCancelled = errors.New("task cancelled")

	// ErrNotClaimable — задача не может быть захвачена этим воркером.
	ErrNotClaimable = errors.New("task not claimable")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
