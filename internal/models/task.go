package models

import (
	"time"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCanceled   TaskStatus = "canceled"
	StatusRetrying   TaskStatus = "retrying"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// PriorityOrder lists priorities in strict dequeue order. A critical item of
// an eligible type is always handed out before a high one, and so on.
func PriorityOrder() []TaskPriority {
	return []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Urgent priorities are inserted at the head of their lane, so the newest
// urgent item wins within that lane ("most-recent-urgent-first").
func (p TaskPriority) Urgent() bool {
	return p == PriorityCritical || p == PriorityHigh
}

type TaskType string

const (
	TypeDocumentProcessing  TaskType = "document_processing"
	TypeEmbeddingGeneration TaskType = "embedding_generation"
	TypeIndexBuild          TaskType = "index_build"
	TypeSummaryGeneration   TaskType = "summary_generation"
)

// KnownTaskTypes returns the fixed set of task types the system dispatches.
// Handlers for them are supplied by the surrounding application.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TypeDocumentProcessing,
		TypeEmbeddingGeneration,
		TypeIndexBuild,
		TypeSummaryGeneration,
	}
}

func (t TaskType) Valid() bool {
	for _, known := range KnownTaskTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Task is the authoritative, persisted record of a unit of background work.
// The queue store never holds one of these; it moves TaskMessage envelopes
// that reference it by ID.
type Task struct {
	ID             string         `json:"id" db:"id"`
	KBID           string         `json:"kb_id" db:"kb_id"`
	TaskType       TaskType       `json:"task_type" db:"task_type"`
	Status         TaskStatus     `json:"status" db:"status"`
	Priority       TaskPriority   `json:"priority" db:"priority"`
	Payload        map[string]any `json:"payload" db:"payload"`
	Result         map[string]any `json:"result" db:"result"`
	Progress       int            `json:"progress" db:"progress"`
	RetryCount     int            `json:"retry_count" db:"retry_count"`
	MaxRetries     int            `json:"max_retries" db:"max_retries"`
	ErrorMessage   string         `json:"error_message" db:"error_message"`
	WorkerID       string         `json:"worker_id" db:"worker_id"`
	TimeoutSeconds int            `json:"timeout" db:"timeout"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	ScheduledFor   *time.Time     `json:"scheduled_for,omitempty" db:"scheduled_for"`
}

// Timeout returns the execution deadline for the task, falling back to the
// given default when the row carries none.
func (t *Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}
