package queue

import (
	"fmt"

	"knowq-worker/internal/models"
)

// Key layout, all under a single configurable prefix:
//
//	<prefix>:<type>:<priority>   lane (list), one per type x priority
//	<prefix>:<type>:processing   in-flight envelopes (list)
//	<prefix>:<type>:failed       dead-letter (list)
//	<prefix>:<type>:stats        cumulative counters (hash)
//	<prefix>:scheduled           delayed retries (zset scored by due time)
//	<prefix>:workers:<id>        worker descriptor (string, TTL-bound)
//
// The Manager is the sole mutator of these keys.
func (m *Manager) laneKey(taskType models.TaskType, priority models.TaskPriority) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, taskType, priority)
}

func (m *Manager) processingKey(taskType models.TaskType) string {
	return fmt.Sprintf("%s:%s:processing", m.prefix, taskType)
}

func (m *Manager) failedKey(taskType models.TaskType) string {
	return fmt.Sprintf("%s:%s:failed", m.prefix, taskType)
}

func (m *Manager) statsKey(taskType models.TaskType) string {
	return fmt.Sprintf("%s:%s:stats", m.prefix, taskType)
}

func (m *Manager) scheduledKey() string {
	return m.prefix + ":scheduled"
}

func (m *Manager) workerKey(workerID string) string {
	return fmt.Sprintf("%s:workers:%s", m.prefix, workerID)
}

func (m *Manager) workerKeyPattern() string {
	return m.prefix + ":workers:*"
}
