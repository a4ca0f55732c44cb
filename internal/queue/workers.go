package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"knowq-worker/internal/models"
)

// SaveWorker writes the worker descriptor with a short TTL. Liveness is
// inferred from the key's presence: no fresh write within the TTL means the
// worker is presumed dead and its key simply expires.
func (m *Manager) SaveWorker(ctx context.Context, w *models.WorkerInfo, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker descriptor: %w", err)
	}
	if err := m.client.Set(ctx, m.workerKey(w.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

// ListWorkers returns the descriptors of all workers with a live heartbeat,
// across every service replica sharing the store.
func (m *Manager) ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	var workers []*models.WorkerInfo

	iter := m.client.Scan(ctx, 0, m.workerKeyPattern(), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			// Key expired between scan and get.
			continue
		}
		var w models.WorkerInfo
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			m.logger.Warn("Skipping undecodable worker descriptor", "key", iter.Val(), "error", err)
			continue
		}
		workers = append(workers, &w)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan workers: %w", err)
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}
