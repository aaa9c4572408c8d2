package results

import "errors"

var (
	// ErrNotFound — результата нет (задача не завершилась или не существует).
	ErrNotFound = errors.New("result not found")

	// ErrStaleResult — уже записан результат более нового epoch.
	ErrStaleResult = errors.New("stale result")

	// ErrNotTerminal — публикуется результат нефинального состояния.
	ErrNotTerminal = errors.New("result state is not terminal")
)
