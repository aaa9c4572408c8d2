package domain

import "time"

// Claim — арендованное эксклюзивное право воркера выполнять одну задачу.
//
// Epoch монотонно растёт с каждым новым владельцем. Результат с epoch,
// отличным от текущего, считается устаревшим и отбрасывается.
type Claim struct {
	TaskID     TaskID    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Epoch      uint64    `json:"epoch"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	// Released — claim отпущен явно (завершение, ошибка, отмена).
	Released bool `json:"released,omitempty"`
}

// Live возвращает true, если claim действует в момент now.
func (c *Claim) Live(now time.Time) bool {
	return !c.Released && now.Before(c.ExpiresAt)
}

// Expired возвращает true, если lease истёк, а claim не был отпущен.
func (c *Claim) Expired(now time.Time) bool {
	return !c.Released && !now.Before(c.ExpiresAt)
}
