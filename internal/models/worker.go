package models

import "time"

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// WorkerInfo is the queue-store-resident worker descriptor. It is written
// with a short TTL on every status transition and on a heartbeat timer; a
// missing descriptor means the worker is presumed dead.
type WorkerInfo struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	Processed     int64        `json:"processed"`
	Succeeded     int64        `json:"succeeded"`
	Failed        int64        `json:"failed"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	StartedAt     time.Time    `json:"started_at"`

	// AverageTaskTime is the mean wall-clock handler duration across all
	// processed tasks, in milliseconds.
	AverageTaskTime int64 `json:"average_task_time_ms"`
}
