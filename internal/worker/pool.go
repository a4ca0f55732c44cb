// Package worker runs the fixed-size executor pool. Each worker is an
// independent poll loop pulling envelopes through the queue manager and
// dispatching them to registered handlers; outcomes are reported to both the
// queue (dispatch bookkeeping) and the task record store (authoritative
// status).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"knowq-worker/internal/events"
	"knowq-worker/internal/models"
	"knowq-worker/internal/taskstore"
)

// Queue is the dispatch surface the pool needs from the queue manager.
type Queue interface {
	Pop(ctx context.Context, taskTypes []models.TaskType, timeout time.Duration) (*models.TaskMessage, error)
	Complete(ctx context.Context, taskID string, taskType models.TaskType) error
	Fail(ctx context.Context, taskID string, taskType models.TaskType, shouldRetry bool, errMsg string) error
	SaveWorker(ctx context.Context, w *models.WorkerInfo, ttl time.Duration) error
	RetryBackoff(attempts int) time.Duration
}

// Store is the authoritative record surface the pool mutates.
type Store interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	MarkProcessing(ctx context.Context, id, workerID string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkRetrying(ctx context.Context, id, errMsg string, scheduledFor time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

type Config struct {
	// Workers is the number of concurrent poll loops.
	Workers int

	// IDPrefix namespaces this instance's worker IDs in the shared store.
	IDPrefix string

	// PopTimeout bounds each blocking pop so shutdown is observed promptly.
	PopTimeout time.Duration

	HeartbeatInterval  time.Duration
	WorkerTTL          time.Duration
	DefaultTaskTimeout time.Duration

	// CompletionTimeout bounds the bookkeeping done after a handler returns.
	CompletionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "worker"
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.WorkerTTL <= 0 {
		c.WorkerTTL = 5 * time.Minute
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 10 * time.Minute
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 10 * time.Second
	}
}

type workerState struct {
	mu          sync.Mutex
	info        models.WorkerInfo
	totalExecMS int64
}

func (w *workerState) setBusy(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info.Status = models.WorkerBusy
	w.info.CurrentTaskID = taskID
}

func (w *workerState) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info.Status = models.WorkerIdle
	w.info.CurrentTaskID = ""
}

func (w *workerState) setStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info.Status = models.WorkerStopped
	w.info.CurrentTaskID = ""
}

func (w *workerState) recordResult(succeeded bool, execTime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info.Processed++
	if succeeded {
		w.info.Succeeded++
	} else {
		w.info.Failed++
	}
	w.totalExecMS += execTime.Milliseconds()
	w.info.AverageTaskTime = w.totalExecMS / w.info.Processed
}

func (w *workerState) snapshot() *models.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.info
	return &info
}

// Pool owns its workers and an explicit lifecycle; nothing about it is
// ambient or global.
type Pool struct {
	cfg      Config
	queue    Queue
	store    Store
	registry *Registry
	logger   *slog.Logger
	events   events.Publisher

	mu      sync.Mutex
	workers map[string]*workerState
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfg Config, q Queue, st Store, reg *Registry, logger *slog.Logger, pub events.Publisher) *Pool {
	cfg.applyDefaults()
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    st,
		registry: reg,
		logger:   logger,
		events:   pub,
		workers:  make(map[string]*workerState),
	}
}

// Start launches the worker loops and the heartbeat timer. It returns
// immediately; Stop waits for in-flight work.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	if len(p.registry.Types()) == 0 {
		return errors.New("no task handlers registered")
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	now := time.Now().UTC()
	for i := 0; i < p.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%s", p.cfg.IDPrefix, uuid.NewString()[:8])
		w := &workerState{info: models.WorkerInfo{
			ID:            id,
			Status:        models.WorkerIdle,
			StartedAt:     now,
			LastHeartbeat: now,
		}}
		p.workers[id] = w
		p.wg.Add(1)
		go p.runWorker(poolCtx, w)
	}

	p.wg.Add(1)
	go p.runHeartbeat(poolCtx)

	p.logger.Info("Worker pool started",
		"workers", p.cfg.Workers, "task_types", p.registry.Types())
	return nil
}

// Stop cancels polling and waits for workers to finish. In-flight handlers
// keep their own execution deadline; shutdown never fails a running task.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.logger.Info("Worker pool stopping, waiting for in-flight tasks")
	p.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	p.mu.Lock()
	for _, w := range p.workers {
		w.setStopped()
		p.saveWorker(ctx, w)
	}
	p.started = false
	p.mu.Unlock()
	p.logger.Info("Worker pool stopped")
}

// Workers returns a snapshot of every worker descriptor for introspection.
func (p *Pool) Workers() []*models.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	return out
}

func (p *Pool) runWorker(ctx context.Context, w *workerState) {
	defer p.wg.Done()

	logger := p.logger.With("pool_worker_id", w.info.ID)
	logger.Debug("Worker loop started")

	for {
		if ctx.Err() != nil {
			logger.Debug("Worker loop stopping")
			return
		}

		msg, err := p.queue.Pop(ctx, p.registry.Types(), p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			// Idle tick, nothing queued.
			continue
		}
		p.process(w, msg, logger)
	}
}

// process executes one envelope. Execution runs under the task's own
// deadline detached from the pool context, so shutdown does not cancel it.
func (p *Pool) process(w *workerState, msg *models.TaskMessage, logger *slog.Logger) {
	logger = logger.With("task_id", msg.TaskID, "task_type", msg.TaskType)

	w.setBusy(msg.TaskID)
	bookCtx, cancelBook := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
	p.saveWorker(bookCtx, w)
	cancelBook()

	tasksPopped.WithLabelValues(string(msg.TaskType)).Inc()
	queueWaitDuration.WithLabelValues(string(msg.TaskType)).Observe(time.Since(msg.CreatedAt).Seconds())
	p.events.Publish(events.Event{
		Level: "info", Type: events.TypePopped, Message: "Task popped",
		TaskID: msg.TaskID, TaskType: string(msg.TaskType), WorkerID: w.info.ID,
		Attempt: msg.Attempts,
	})

	defer func() {
		w.setIdle()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
		p.saveWorker(ctx, w)
		cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
	defer cancel()

	task, err := p.store.Get(ctx, msg.TaskID)
	if err != nil {
		// Without an authoritative row the task cannot be tracked; dead-letter
		// the envelope instead of running blind.
		logger.Error("Failed to load task record", "error", err)
		if err := p.queue.Fail(ctx, msg.TaskID, msg.TaskType, false, "task record unavailable"); err != nil {
			logger.Error("Failed to dead-letter orphaned envelope", "error", err)
		}
		return
	}

	if task.Status.Terminal() {
		// Canceled or otherwise finalized while the envelope sat in the lane.
		// Drop the envelope without executing.
		logger.Info("Dropping envelope for finalized task", "status", task.Status)
		if err := p.queue.Complete(ctx, task.ID, task.TaskType); err != nil {
			logger.Error("Failed to drop stale envelope", "error", err)
		}
		return
	}

	if err := p.store.MarkProcessing(ctx, msg.TaskID, w.info.ID); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			// The row went terminal between the read above and the claim.
			logger.Info("Dropping envelope for finalized task")
			if err := p.queue.Complete(ctx, task.ID, task.TaskType); err != nil {
				logger.Error("Failed to drop stale envelope", "error", err)
			}
			return
		}
		logger.Error("Failed to mark task processing", "error", err)
		if err := p.queue.Fail(ctx, msg.TaskID, msg.TaskType, false, "task record unavailable"); err != nil {
			logger.Error("Failed to dead-letter orphaned envelope", "error", err)
		}
		return
	}

	timeout := task.Timeout(p.cfg.DefaultTaskTimeout)
	execCtx, cancelExec := context.WithTimeout(context.Background(), timeout)
	execCtx = withProgress(execCtx, func(progress int) {
		progressCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
		defer cancel()
		if err := p.store.UpdateProgress(progressCtx, task.ID, progress); err != nil {
			logger.Warn("Failed to record task progress", "progress", progress, "error", err)
		}
	})
	logger.Info("Processing task", "attempt", msg.Attempts, "timeout", timeout)

	start := time.Now()
	result, execErr := p.registry.Execute(execCtx, task)
	execTime := time.Since(start)
	cancelExec()

	execDuration.WithLabelValues(string(msg.TaskType)).Observe(execTime.Seconds())

	finishCtx, cancelFinish := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
	defer cancelFinish()

	if execErr == nil {
		p.finishSuccess(finishCtx, w, task, result, execTime, logger)
	} else {
		p.finishFailure(finishCtx, w, task, msg, execErr, execTime, logger)
	}
}

func (p *Pool) finishSuccess(ctx context.Context, w *workerState, task *models.Task, result map[string]any, execTime time.Duration, logger *slog.Logger) {
	if err := p.queue.Complete(ctx, task.ID, task.TaskType); err != nil {
		logger.Error("Failed to complete queue entry", "error", err)
	}
	if err := p.store.MarkCompleted(ctx, task.ID, result); err != nil {
		logger.Error("Failed to mark task completed", "error", err)
	}
	w.recordResult(true, execTime)
	tasksFinished.WithLabelValues(string(task.TaskType), outcomeCompleted).Inc()
	p.events.Publish(events.Event{
		Level: "info", Type: events.TypeCompleted, Message: "Task completed",
		TaskID: task.ID, TaskType: string(task.TaskType), WorkerID: w.info.ID,
	})
	logger.Info("Task completed", "exec_time", execTime)
}

func (p *Pool) finishFailure(ctx context.Context, w *workerState, task *models.Task, msg *models.TaskMessage, execErr error, execTime time.Duration, logger *slog.Logger) {
	w.recordResult(false, execTime)

	// Unknown types can never succeed; everything else retries while the
	// record still has budget. The execution that just failed counts against
	// the budget, so a task with max_retries=3 executes exactly three times.
	// A handler deadline counts as an ordinary failure.
	newCount := task.RetryCount + 1
	shouldRetry := !errors.Is(execErr, ErrUnknownTaskType) && newCount < task.MaxRetries

	if shouldRetry {
		delay := p.queue.RetryBackoff(msg.Attempts + 1)
		scheduledFor := time.Now().Add(delay)
		if err := p.store.MarkRetrying(ctx, task.ID, execErr.Error(), scheduledFor); err != nil {
			logger.Error("Failed to mark task retrying", "error", err)
		}
		if err := p.queue.Fail(ctx, task.ID, task.TaskType, true, execErr.Error()); err != nil {
			logger.Error("Failed to schedule queue retry", "error", err)
		}
		tasksFinished.WithLabelValues(string(task.TaskType), outcomeRetried).Inc()
		p.events.Publish(events.Event{
			Level: "warn", Type: events.TypeRetrying, Message: "Task failed, retry scheduled",
			TaskID: task.ID, TaskType: string(task.TaskType), WorkerID: w.info.ID,
			Attempt: msg.Attempts + 1,
		})
		logger.Warn("Task failed, retry scheduled",
			"error", execErr, "retry_count", newCount, "delay", delay)
		return
	}

	if err := p.store.MarkFailed(ctx, task.ID, execErr.Error()); err != nil {
		logger.Error("Failed to mark task failed", "error", err)
	}
	if err := p.queue.Fail(ctx, task.ID, task.TaskType, false, execErr.Error()); err != nil {
		logger.Error("Failed to dead-letter queue entry", "error", err)
	}
	tasksFinished.WithLabelValues(string(task.TaskType), outcomeFailed).Inc()
	p.events.Publish(events.Event{
		Level: "error", Type: events.TypeFailed, Message: "Task failed permanently",
		TaskID: task.ID, TaskType: string(task.TaskType), WorkerID: w.info.ID,
		Attempt: msg.Attempts,
	})
	logger.Error("Task failed permanently", "error", execErr, "retry_count", newCount)
}

func (p *Pool) runHeartbeat(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), p.cfg.CompletionTimeout)
			p.mu.Lock()
			for _, w := range p.workers {
				p.saveWorker(saveCtx, w)
			}
			p.mu.Unlock()
			cancel()
		}
	}
}

func (p *Pool) saveWorker(ctx context.Context, w *workerState) {
	info := w.snapshot()
	info.LastHeartbeat = time.Now().UTC()
	if err := p.queue.SaveWorker(ctx, info, p.cfg.WorkerTTL); err != nil {
		p.logger.Warn("Worker heartbeat failed", "pool_worker_id", info.ID, "error", err)
	}
}

var _ Store = (*taskstore.Store)(nil)
