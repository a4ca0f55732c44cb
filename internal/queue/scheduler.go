package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"knowq-worker/internal/events"
	"knowq-worker/internal/models"
)

// ProcessScheduledTasks promotes due entries from the delayed zset back into
// their live lane (tail, priority preserved). Re-push happens before removal,
// so a partial failure can deliver a duplicate but never lose an entry.
func (m *Manager) ProcessScheduledTasks(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	members, err := m.client.ZRangeByScore(ctx, m.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan scheduled set: %w", err)
	}

	promoted := 0
	for _, raw := range members {
		msg, err := models.UnmarshalTaskMessage([]byte(raw))
		if err != nil {
			m.logger.Warn("Dropping undecodable scheduled entry", "error", err)
			if err := m.client.ZRem(ctx, m.scheduledKey(), raw).Err(); err != nil {
				return promoted, fmt.Errorf("remove scheduled entry: %w", err)
			}
			continue
		}

		lane := m.laneKey(msg.TaskType, msg.Priority)
		if err := m.client.RPush(ctx, lane, raw).Err(); err != nil {
			return promoted, fmt.Errorf("re-push task %s: %w", msg.TaskID, err)
		}
		if err := m.client.ZRem(ctx, m.scheduledKey(), raw).Err(); err != nil {
			return promoted, fmt.Errorf("remove scheduled entry for %s: %w", msg.TaskID, err)
		}
		promoted++
	}
	return promoted, nil
}

// CleanExpiredTasks sweeps every type's processing list and dead-letters
// envelopes older than maxAge, treating executor silence as abandonment.
func (m *Manager) CleanExpiredTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	expired := 0
	for _, taskType := range models.KnownTaskTypes() {
		key := m.processingKey(taskType)
		entries, err := m.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return expired, fmt.Errorf("scan processing list for %s: %w", taskType, err)
		}
		for _, raw := range entries {
			msg, err := models.UnmarshalTaskMessage([]byte(raw))
			if err != nil {
				m.logger.Warn("Skipping undecodable processing entry", "task_type", taskType, "error", err)
				continue
			}
			if !msg.CreatedAt.Before(cutoff) {
				continue
			}
			removed, err := m.client.LRem(ctx, key, 1, raw).Result()
			if err != nil {
				return expired, fmt.Errorf("remove expired entry: %w", err)
			}
			if removed == 0 {
				// A concurrent Complete/Fail observed the entry first.
				continue
			}
			if err := m.deadLetter(ctx, taskType, raw); err != nil {
				return expired, err
			}
			m.logger.Warn("Expired in-flight task dead-lettered",
				"task_id", msg.TaskID, "task_type", taskType, "age", time.Since(msg.CreatedAt))
			expired++
		}
	}
	return expired, nil
}

// Reclaimer is the task record store surface used by the maintenance loop:
// force-failing rows whose processing state has gone stale, and listing
// queued/retrying rows old enough that their envelope may have been lost.
type Reclaimer interface {
	FailStuckTasks(ctx context.Context, defaultTimeout time.Duration) ([]string, error)
	ListStaleDispatch(ctx context.Context, age time.Duration) ([]*models.Task, error)
}

type SchedulerConfig struct {
	ScheduledInterval time.Duration // delayed-retry promoter
	ExpiredInterval   time.Duration // processing-list sweeper
	ExpiredMaxAge     time.Duration
	ReclaimInterval   time.Duration // stuck-row reclaimer
	DefaultTimeout    time.Duration
	RequeueAge        time.Duration // how stale a queued row must be before re-push
}

// Scheduler drives the periodic maintenance work on cron entries: promoting
// due scheduled tasks, sweeping abandoned processing entries, and reclaiming
// stuck task rows.
type Scheduler struct {
	manager   *Manager
	reclaimer Reclaimer
	cfg       SchedulerConfig
	cron      *cron.Cron
	logger    *slog.Logger
	events    events.Publisher
}

func NewScheduler(m *Manager, reclaimer Reclaimer, cfg SchedulerConfig, logger *slog.Logger, pub events.Publisher) *Scheduler {
	if cfg.ScheduledInterval <= 0 {
		cfg.ScheduledInterval = 10 * time.Second
	}
	if cfg.ExpiredInterval <= 0 {
		cfg.ExpiredInterval = 5 * time.Minute
	}
	if cfg.ExpiredMaxAge <= 0 {
		cfg.ExpiredMaxAge = 30 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Hour
	}
	if cfg.RequeueAge <= 0 {
		cfg.RequeueAge = 30 * time.Minute
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Scheduler{
		manager:   m,
		reclaimer: reclaimer,
		cfg:       cfg,
		cron:      cron.New(),
		logger:    logger,
		events:    pub,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(every(s.cfg.ScheduledInterval), func() {
		count, err := s.manager.ProcessScheduledTasks(ctx)
		if err != nil {
			s.logger.Error("Scheduled task promotion failed", "error", err)
		} else if count > 0 {
			s.logger.Info("Promoted scheduled tasks", "count", count)
		}
	})
	if err != nil {
		return fmt.Errorf("register promoter: %w", err)
	}

	_, err = s.cron.AddFunc(every(s.cfg.ExpiredInterval), func() {
		count, err := s.manager.CleanExpiredTasks(ctx, s.cfg.ExpiredMaxAge)
		if err != nil {
			s.logger.Error("Expired task sweep failed", "error", err)
		} else if count > 0 {
			s.logger.Warn("Swept expired in-flight tasks", "count", count)
		}
	})
	if err != nil {
		return fmt.Errorf("register expiry sweeper: %w", err)
	}

	if s.reclaimer != nil {
		_, err = s.cron.AddFunc(every(s.cfg.ReclaimInterval), func() {
			s.reclaim(ctx)
		})
		if err != nil {
			return fmt.Errorf("register reclaimer: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("Queue scheduler started",
		"scheduled_interval", s.cfg.ScheduledInterval,
		"expired_interval", s.cfg.ExpiredInterval,
		"reclaim_interval", s.cfg.ReclaimInterval)
	return nil
}

// reclaim runs both halves of record/queue reconciliation: force-failing
// rows stuck in processing, and re-pushing queued or retrying rows whose
// envelope disappeared (worker crashed between the lane pop and the
// processing push).
func (s *Scheduler) reclaim(ctx context.Context) {
	ids, err := s.reclaimer.FailStuckTasks(ctx, s.cfg.DefaultTimeout)
	if err != nil {
		s.logger.Error("Stuck task reclamation failed", "error", err)
	} else if len(ids) > 0 {
		// Logged distinctly from ordinary failures: this means a worker
		// process died, not that a handler failed.
		s.logger.Warn("Reclaimed stuck tasks", "count", len(ids))
		for _, id := range ids {
			s.events.Publish(events.Event{
				Level: "warn", Type: events.TypeReclaimed,
				Message: "Stuck task reclaimed", TaskID: id,
			})
		}
	}

	requeued, err := s.requeueLost(ctx)
	if err != nil {
		s.logger.Error("Lost envelope requeue failed", "error", err)
	} else if requeued > 0 {
		s.logger.Warn("Re-pushed tasks with lost envelopes", "count", requeued)
	}
}

func (s *Scheduler) requeueLost(ctx context.Context) (int, error) {
	stale, err := s.reclaimer.ListStaleDispatch(ctx, s.cfg.RequeueAge)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, task := range stale {
		found, err := s.manager.HasEnvelope(ctx, task.ID, task.TaskType, task.Priority)
		if err != nil {
			return requeued, err
		}
		if found {
			continue
		}
		if err := s.manager.Push(ctx, task); err != nil {
			return requeued, fmt.Errorf("re-push task %s: %w", task.ID, err)
		}
		s.logger.Warn("Re-pushed task with lost envelope",
			"task_id", task.ID, "task_type", task.TaskType, "status", task.Status)
		requeued++
	}
	return requeued, nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
