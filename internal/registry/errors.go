package registry

import "errors"

var (
	// ErrEmptyWorkerID — объявление без идентификатора воркера.
	ErrEmptyWorkerID = errors.New("empty worker id")
)
