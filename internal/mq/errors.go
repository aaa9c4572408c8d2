package mq

import "errors"

var (
	// ErrNotConnected — нет открытого канала AMQP.
	ErrNotConnected = errors.New("amqp channel not available")

	// ErrClosed — соединение закрыто.
	ErrClosed = errors.New("amqp connection closed")
)
