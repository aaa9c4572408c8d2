package stream

import "errors"

var (
	// ErrNoStreamConfig — у задачи нет stream_config.
	ErrNoStreamConfig = errors.New("stream task has no stream_config")

	// ErrUnknownTrigger — неизвестная политика запуска.
	ErrUnknownTrigger = errors.New("unknown stream trigger")

	// ErrInvalidSchedule — некорректный interval_ms или cron.
	ErrInvalidSchedule = errors.New("invalid stream schedule")

	// ErrNoSubscriber — триггеру нужен транспорт, а он не настроен.
	ErrNoSubscriber = errors.New("stream transport not configured")

	// ErrSubscribe — не удалось подписаться на входной топик.
	ErrSubscribe = errors.New("stream subscription failed")

	// ErrSubscriptionLost — транспорт закрыл подписку.
	ErrSubscriptionLost = errors.New("stream subscription lost")

	// ErrAlreadyRunning — stream с таким TaskID уже запущен.
	ErrAlreadyRunning = errors.New("stream already running")

	// ErrEngineStopped — engine остановлен.
	ErrEngineStopped = errors.New("stream engine stopped")
)
