package stream

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Meshwork/internal/domain"
)

// cronParser — парсер cron-выражений (5 полей и дескрипторы вида @every 1m).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// schedule вычисляет следующее время срабатывания time_interval.
type schedule interface {
	Next(from time.Time) time.Time
}

// every — фиксированный период.
type every time.Duration

func (e every) Next(from time.Time) time.Time {
	return from.Add(time.Duration(e))
}

// newSchedule строит расписание из interval_ms или cron.
func newSchedule(cfg *domain.StreamConfig) (schedule, error) {
	if cfg.Cron != "" {
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, cfg.Cron, err)
		}
		return sched, nil
	}
	if cfg.IntervalMs <= 0 {
		return nil, fmt.Errorf("%w: interval_ms must be positive", ErrInvalidSchedule)
	}
	return every(time.Duration(cfg.IntervalMs) * time.Millisecond), nil
}

