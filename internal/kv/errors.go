package kv

import "errors"

var (
	// ErrNotFound — ключ не найден.
	ErrNotFound = errors.New("key not found")

	// ErrKeyExists — ключ уже существует (Create).
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch — текущая ревизия ключа отличается от ожидаемой (Update).
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrClosed — хранилище закрыто.
	ErrClosed = errors.New("store closed")
)

// IsConflict сообщает, что операция проиграла гонку compare-and-swap.
func IsConflict(err error) bool {
	return errors.Is(err, ErrKeyExists) || errors.Is(err, ErrRevisionMismatch)
}
