package config

import "errors"

// ErrInvalidConfig — настройки не прошли проверку.
var ErrInvalidConfig = errors.New("invalid config")
