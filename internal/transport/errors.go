package transport

import "errors"

var (
	// ErrClosed — шина закрыта.
	ErrClosed = errors.New("transport closed")

	// ErrEmptyTopic — пустое имя топика.
	ErrEmptyTopic = errors.New("empty topic")
)
