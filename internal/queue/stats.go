package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"knowq-worker/internal/models"
)

// QueueInfo is the per-type statistics shape exposed to callers.
type QueueInfo struct {
	QueueName  string `json:"queue_name"`
	Length     int64  `json:"length"`
	Processing int64  `json:"processing"`
	Failed     int64  `json:"failed"`
	Completed  int64  `json:"completed"`
}

// QueueStats aggregates per-type info into totals across all known types.
type QueueStats struct {
	Queues          []*QueueInfo `json:"queues"`
	TotalLength     int64        `json:"total_length"`
	TotalProcessing int64        `json:"total_processing"`
	TotalFailed     int64        `json:"total_failed"`
	TotalCompleted  int64        `json:"total_completed"`
}

// GetQueueInfo reports live depth (lane lengths summed across priorities),
// in-flight count, dead-letter depth, and the cumulative completed counter
// for one task type.
func (m *Manager) GetQueueInfo(ctx context.Context, taskType models.TaskType) (*QueueInfo, error) {
	info := &QueueInfo{QueueName: string(taskType)}

	for _, priority := range models.PriorityOrder() {
		n, err := m.client.LLen(ctx, m.laneKey(taskType, priority)).Result()
		if err != nil {
			return nil, fmt.Errorf("lane length %s/%s: %w", taskType, priority, err)
		}
		info.Length += n
	}

	var err error
	info.Processing, err = m.client.LLen(ctx, m.processingKey(taskType)).Result()
	if err != nil {
		return nil, fmt.Errorf("processing length %s: %w", taskType, err)
	}
	info.Failed, err = m.client.LLen(ctx, m.failedKey(taskType)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed length %s: %w", taskType, err)
	}

	counters, err := m.client.HGetAll(ctx, m.statsKey(taskType)).Result()
	if err != nil {
		return nil, fmt.Errorf("stats counters %s: %w", taskType, err)
	}
	if v, ok := counters[counterCompleted]; ok {
		info.Completed, _ = strconv.ParseInt(v, 10, 64)
	}
	return info, nil
}

func (m *Manager) GetAllQueueInfo(ctx context.Context) (map[models.TaskType]*QueueInfo, error) {
	out := make(map[models.TaskType]*QueueInfo, len(models.KnownTaskTypes()))
	for _, taskType := range models.KnownTaskTypes() {
		info, err := m.GetQueueInfo(ctx, taskType)
		if err != nil {
			return nil, err
		}
		out[taskType] = info
	}
	return out, nil
}

func (m *Manager) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	for _, taskType := range models.KnownTaskTypes() {
		info, err := m.GetQueueInfo(ctx, taskType)
		if err != nil {
			return nil, err
		}
		stats.Queues = append(stats.Queues, info)
		stats.TotalLength += info.Length
		stats.TotalProcessing += info.Processing
		stats.TotalFailed += info.Failed
		stats.TotalCompleted += info.Completed
	}
	return stats, nil
}

// GetTaskPosition returns the task's 1-based rank within its lane, for ETA
// hints. Zero means the task is not waiting in that lane.
func (m *Manager) GetTaskPosition(ctx context.Context, taskID string, taskType models.TaskType, priority models.TaskPriority) (int, error) {
	entries, err := m.client.LRange(ctx, m.laneKey(taskType, priority), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan lane: %w", err)
	}
	for i, raw := range entries {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err != nil {
			continue
		}
		if msg.TaskID == taskID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// PurgeFailedTasks drops dead-lettered envelopes older than maxAge and
// returns how many were removed.
func (m *Manager) PurgeFailedTasks(ctx context.Context, taskType models.TaskType, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	key := m.failedKey(taskType)
	entries, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan dead-letter list: %w", err)
	}

	purged := 0
	for _, raw := range entries {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err == nil && !msg.CreatedAt.Before(cutoff) {
			continue
		}
		removed, err := m.client.LRem(ctx, key, 1, raw).Result()
		if err != nil {
			return purged, fmt.Errorf("purge dead-letter entry: %w", err)
		}
		purged += int(removed)
	}
	return purged, nil
}

// RetryFailedTasks re-queues dead-lettered envelopes whose attempt count is
// still under the given ceiling. Re-queued envelopes join their lane tail.
func (m *Manager) RetryFailedTasks(ctx context.Context, taskType models.TaskType, maxAttempts int) (int, error) {
	key := m.failedKey(taskType)
	entries, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan dead-letter list: %w", err)
	}

	retried := 0
	for _, raw := range entries {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err != nil {
			m.logger.Warn("Skipping undecodable dead-letter entry", "task_type", taskType, "error", err)
			continue
		}
		if msg.Attempts >= maxAttempts {
			continue
		}
		removed, err := m.client.LRem(ctx, key, 1, raw).Result()
		if err != nil {
			return retried, fmt.Errorf("remove dead-letter entry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := m.client.RPush(ctx, m.laneKey(msg.TaskType, msg.Priority), raw).Err(); err != nil {
			return retried, fmt.Errorf("re-queue task %s: %w", msg.TaskID, err)
		}
		if err := m.client.HIncrBy(ctx, m.statsKey(taskType), counterQueued, 1).Err(); err != nil {
			m.logger.Warn("Failed to bump queued counter", "task_type", taskType, "error", err)
		}
		retried++
	}
	return retried, nil
}
