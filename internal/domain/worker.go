package domain

import "time"

// WorkerState — доступность воркера.
type WorkerState string

const (
	WorkerAvailable WorkerState = "available"
	WorkerBusy      WorkerState = "busy"
)

// WorkerInfo — объявление воркера в namespace workers/.
//
// Возможности волатильны: воркер переобъявляет их периодически,
// и отсутствие объявления в течение liveness window означает отказ.
type WorkerInfo struct {
	WorkerID      string      `json:"worker_id"`
	Capabilities  []string    `json:"capabilities"`
	State         WorkerState `json:"state,omitempty"`
	ActiveTasks   int         `json:"active_tasks"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}
