package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"knowq-worker/internal/models"
)

// Stats hash fields. queued/processing are cumulative throughput counters;
// live depths come from list lengths.
const (
	counterQueued     = "queued"
	counterProcessing = "processing"
	counterCompleted  = "completed"
	counterFailed     = "failed"
)

// Manager owns the queue-store key space. All state lives in the store, so a
// Manager is stateless across restarts and any number of service replicas
// can share one store.
type Manager struct {
	client      *redis.Client
	prefix      string
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *slog.Logger
}

type ManagerOptions struct {
	Prefix      string
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func NewManager(client *redis.Client, opts ManagerOptions, logger *slog.Logger) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "knowq"
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Manager{
		client:      client,
		prefix:      opts.Prefix,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		logger:      logger,
	}
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Push builds a dispatch envelope for the task and inserts it into the
// (type, priority) lane. Critical and high priority jump the lane head;
// normal and low append to the tail.
func (m *Manager) Push(ctx context.Context, task *models.Task) error {
	if !task.TaskType.Valid() {
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", task.Priority)
	}

	msg := models.NewTaskMessage(task)
	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}

	lane := m.laneKey(task.TaskType, task.Priority)
	if task.Priority.Urgent() {
		err = m.client.LPush(ctx, lane, raw).Err()
	} else {
		err = m.client.RPush(ctx, lane, raw).Err()
	}
	if err != nil {
		return fmt.Errorf("push task %s: %w", task.ID, err)
	}

	if err := m.client.HIncrBy(ctx, m.statsKey(task.TaskType), counterQueued, 1).Err(); err != nil {
		m.logger.Warn("Failed to bump queued counter", "task_type", task.TaskType, "error", err)
	}
	return nil
}

// Pop blocks up to timeout for an envelope across all lanes formed by the
// priority order x the caller's eligible types. Lane keys are handed to the
// store in strict priority order, so a critical item of any eligible type is
// always preferred over a normal one. A timeout with no work returns
// (nil, nil); that is the normal idle path, not a failure.
//
// On success the envelope is relocated into the type's processing list so
// that a crashed worker's in-flight work remains inspectable.
func (m *Manager) Pop(ctx context.Context, taskTypes []models.TaskType, timeout time.Duration) (*models.TaskMessage, error) {
	if len(taskTypes) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(taskTypes)*4)
	for _, priority := range models.PriorityOrder() {
		for _, taskType := range taskTypes {
			keys = append(keys, m.laneKey(taskType, priority))
		}
	}

	res, err := m.client.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop: %w", err)
	}
	// BLPOP returns [key, value].
	raw := res[1]

	msg, err := models.UnmarshalTaskMessage([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if err := m.client.LPush(ctx, m.processingKey(msg.TaskType), raw).Err(); err != nil {
		return nil, fmt.Errorf("move task %s to processing: %w", msg.TaskID, err)
	}
	if err := m.client.HIncrBy(ctx, m.statsKey(msg.TaskType), counterProcessing, 1).Err(); err != nil {
		m.logger.Warn("Failed to bump processing counter", "task_type", msg.TaskType, "error", err)
	}
	return msg, nil
}

// Complete removes the task's envelope from the processing list and bumps
// the completed counter. Completing a task that is no longer in processing
// (already completed, or swept by expiry) is a no-op.
func (m *Manager) Complete(ctx context.Context, taskID string, taskType models.TaskType) error {
	raw, err := m.removeProcessing(ctx, taskID, taskType)
	if err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	if err := m.client.HIncrBy(ctx, m.statsKey(taskType), counterCompleted, 1).Err(); err != nil {
		m.logger.Warn("Failed to bump completed counter", "task_type", taskType, "error", err)
	}
	return nil
}

// Fail removes the task's envelope from processing and either schedules a
// delayed retry (shouldRetry) or dead-letters it. When scheduling itself
// fails the envelope is dead-lettered rather than dropped.
func (m *Manager) Fail(ctx context.Context, taskID string, taskType models.TaskType, shouldRetry bool, errMsg string) error {
	raw, err := m.removeProcessing(ctx, taskID, taskType)
	if err != nil {
		return err
	}
	if raw == "" {
		// Envelope already reclaimed or completed elsewhere.
		return nil
	}

	msg, err := models.UnmarshalTaskMessage([]byte(raw))
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if shouldRetry {
		msg.Attempts++
		delay := m.RetryBackoff(msg.Attempts)
		due := time.Now().Add(delay)

		updated, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		err = m.client.ZAdd(ctx, m.scheduledKey(), redis.Z{
			Score:  float64(due.Unix()),
			Member: updated,
		}).Err()
		if err == nil {
			m.logger.Info("Scheduled task retry",
				"task_id", taskID, "task_type", taskType,
				"attempts", msg.Attempts, "delay", delay, "error_message", errMsg)
			return nil
		}
		m.logger.Error("Failed to schedule retry, dead-lettering task",
			"task_id", taskID, "task_type", taskType, "error", err)
		raw = string(updated)
	}

	if err := m.deadLetter(ctx, taskType, raw); err != nil {
		return fmt.Errorf("dead-letter task %s: %w", taskID, err)
	}
	return nil
}

// HasEnvelope reports whether any envelope for the task still exists in the
// queue store: its lane, the type's processing or dead-letter list, or the
// scheduled set. A queued or retrying record with no envelope anywhere has
// lost its dispatch and will never be delivered.
func (m *Manager) HasEnvelope(ctx context.Context, taskID string, taskType models.TaskType, priority models.TaskPriority) (bool, error) {
	lists := []string{
		m.laneKey(taskType, priority),
		m.processingKey(taskType),
		m.failedKey(taskType),
	}
	for _, key := range lists {
		entries, err := m.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, fmt.Errorf("scan %s: %w", key, err)
		}
		if containsTask(entries, taskID) {
			return true, nil
		}
	}

	entries, err := m.client.ZRange(ctx, m.scheduledKey(), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("scan scheduled set: %w", err)
	}
	return containsTask(entries, taskID), nil
}

func containsTask(entries []string, taskID string) bool {
	for _, raw := range entries {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err != nil {
			continue
		}
		if msg.TaskID == taskID {
			return true
		}
	}
	return false
}

// RetryBackoff computes the delay before the given attempt is redelivered:
// base doubled per attempt, capped at the configured ceiling. This is the
// single backoff implementation; the worker pool uses it for scheduled_for
// bookkeeping so the two always agree.
func (m *Manager) RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := m.backoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.backoffMax {
			return m.backoffMax
		}
	}
	return delay
}

// removeProcessing scans the type's processing list for the envelope with
// the given task ID and removes it. List lengths are bounded by worker
// concurrency, so the linear scan is fine. Returns "" when no entry matched.
func (m *Manager) removeProcessing(ctx context.Context, taskID string, taskType models.TaskType) (string, error) {
	key := m.processingKey(taskType)
	entries, err := m.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("scan processing list: %w", err)
	}
	for _, raw := range entries {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err != nil {
			m.logger.Warn("Skipping undecodable processing entry", "task_type", taskType, "error", err)
			continue
		}
		if msg.TaskID != taskID {
			continue
		}
		removed, err := m.client.LRem(ctx, key, 1, raw).Result()
		if err != nil {
			return "", fmt.Errorf("remove processing entry: %w", err)
		}
		if removed == 0 {
			// Lost the race with a concurrent remover; treat as absent.
			return "", nil
		}
		return raw, nil
	}
	return "", nil
}

func (m *Manager) deadLetter(ctx context.Context, taskType models.TaskType, raw string) error {
	if err := m.client.RPush(ctx, m.failedKey(taskType), raw).Err(); err != nil {
		return err
	}
	if err := m.client.HIncrBy(ctx, m.statsKey(taskType), counterFailed, 1).Err(); err != nil {
		m.logger.Warn("Failed to bump failed counter", "task_type", taskType, "error", err)
	}
	return nil
}
