package models

import (
	"encoding/json"
	"time"
)

// TaskMessage is the ephemeral dispatch envelope moved between queue-store
// lists. It carries a lightweight copy of the task, not the task itself; the
// two are linked only by TaskID and may transiently disagree until the next
// record update.
type TaskMessage struct {
	TaskID     string         `json:"task_id"`
	TaskType   TaskType       `json:"task_type"`
	Priority   TaskPriority   `json:"priority"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
}

// NewTaskMessage builds the envelope pushed for a freshly queued task.
func NewTaskMessage(t *Task) *TaskMessage {
	return &TaskMessage{
		TaskID:     t.ID,
		TaskType:   t.TaskType,
		Priority:   t.Priority,
		Payload:    t.Payload,
		CreatedAt:  time.Now().UTC(),
		Attempts:   t.RetryCount,
		MaxRetries: t.MaxRetries,
	}
}

func (m *TaskMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalTaskMessage(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
