package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowq-worker/internal/models"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []*models.TaskMessage
	complete []string
	fails    []fakeFail
	saves    int
}

type fakeFail struct {
	taskID      string
	shouldRetry bool
	errMsg      string
}

func (q *fakeQueue) Pop(ctx context.Context, taskTypes []models.TaskType, timeout time.Duration) (*models.TaskMessage, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()

	// Simulate an idle blocking pop without burning CPU in the loop.
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
	return nil, nil
}

func (q *fakeQueue) Complete(ctx context.Context, taskID string, taskType models.TaskType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.complete = append(q.complete, taskID)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, taskID string, taskType models.TaskType, shouldRetry bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fails = append(q.fails, fakeFail{taskID: taskID, shouldRetry: shouldRetry, errMsg: errMsg})
	return nil
}

func (q *fakeQueue) SaveWorker(ctx context.Context, w *models.WorkerInfo, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saves++
	return nil
}

func (q *fakeQueue) RetryBackoff(attempts int) time.Duration {
	return time.Duration(attempts) * time.Second
}

func (q *fakeQueue) completed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.complete...)
}

func (q *fakeQueue) failed() []fakeFail {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]fakeFail{}, q.fails...)
}

type fakeStore struct {
	mu         sync.Mutex
	tasks      map[string]*models.Task
	processing []string
	progress   []int
	completed  []string
	retrying   []string
	failed     []string
	getErr     error
}

func newFakeStore(tasks ...*models.Task) *fakeStore {
	s := &fakeStore{tasks: map[string]*models.Task{}}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, id)
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	return nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) MarkRetrying(ctx context.Context, id, errMsg string, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrying = append(s.retrying, id)
	if task, ok := s.tasks[id]; ok {
		task.RetryCount++
		task.Status = models.StatusRetrying
	}
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	if task, ok := s.tasks[id]; ok {
		task.RetryCount++
		task.Status = models.StatusFailed
	}
	return nil
}

func (s *fakeStore) retryCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[id]; ok {
		return task.RetryCount
	}
	return -1
}

func (s *fakeStore) snapshot() (processing, completed, retrying, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.processing...),
		append([]string{}, s.completed...),
		append([]string{}, s.retrying...),
		append([]string{}, s.failed...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoolConfig() Config {
	return Config{
		Workers:            1,
		PopTimeout:         20 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
		DefaultTaskTimeout: time.Second,
		CompletionTimeout:  time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func queuedTask(id string, taskType models.TaskType, retryCount, maxRetries int) (*models.Task, *models.TaskMessage) {
	task := &models.Task{
		ID:         id,
		TaskType:   taskType,
		Priority:   models.PriorityNormal,
		Status:     models.StatusQueued,
		Payload:    map[string]any{},
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	msg := &models.TaskMessage{
		TaskID:     id,
		TaskType:   taskType,
		Priority:   models.PriorityNormal,
		CreatedAt:  task.CreatedAt,
		Attempts:   retryCount,
		MaxRetries: maxRetries,
	}
	return task, msg
}

func TestPoolStartRequiresHandlers(t *testing.T) {
	p := New(testPoolConfig(), &fakeQueue{}, newFakeStore(), NewRegistry(), testLogger(), nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected error when no handlers are registered")
	}
}

func TestPoolCompletesSuccessfulTask(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeDocumentProcessing, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	reg := NewRegistry()
	_ = reg.Register(models.TypeDocumentProcessing, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.completed()) == 1 }, "task never completed")

	processing, completed, retrying, failed := store.snapshot()
	if len(processing) != 1 || processing[0] != "t1" {
		t.Errorf("MarkProcessing calls = %v, want [t1]", processing)
	}
	if len(completed) != 1 || completed[0] != "t1" {
		t.Errorf("MarkCompleted calls = %v, want [t1]", completed)
	}
	if len(retrying) != 0 || len(failed) != 0 {
		t.Errorf("unexpected retry/fail calls: %v, %v", retrying, failed)
	}
}

func TestPoolSchedulesRetryOnHandlerError(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeIndexBuild, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	reg := NewRegistry()
	_ = reg.Register(models.TypeIndexBuild, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		return nil, errors.New("transient failure")
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.failed()) == 1 }, "task never failed")

	fails := q.failed()
	if !fails[0].shouldRetry {
		t.Error("expected a retryable failure")
	}
	_, _, retrying, failed := store.snapshot()
	if len(retrying) != 1 || retrying[0] != "t1" {
		t.Errorf("MarkRetrying calls = %v, want [t1]", retrying)
	}
	if len(failed) != 0 {
		t.Errorf("MarkFailed should not be called, got %v", failed)
	}
}

func TestPoolDeadLettersWhenRetriesExhausted(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeIndexBuild, 3, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	reg := NewRegistry()
	_ = reg.Register(models.TypeIndexBuild, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		return nil, errors.New("still broken")
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.failed()) == 1 }, "task never failed")

	fails := q.failed()
	if fails[0].shouldRetry {
		t.Error("exhausted retries must be terminal")
	}
	_, _, retrying, failed := store.snapshot()
	if len(failed) != 1 || failed[0] != "t1" {
		t.Errorf("MarkFailed calls = %v, want [t1]", failed)
	}
	if len(retrying) != 0 {
		t.Errorf("MarkRetrying should not be called, got %v", retrying)
	}
}

// redeliverQueue hands retryable failures straight back to the next pop,
// standing in for the scheduled-set round trip, so a test can observe a full
// retry lifecycle.
type redeliverQueue struct {
	mu       sync.Mutex
	pending  []*models.TaskMessage
	attempts int
	terminal []fakeFail
	complete []string
}

func (q *redeliverQueue) Pop(ctx context.Context, taskTypes []models.TaskType, timeout time.Duration) (*models.TaskMessage, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return msg, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil, nil
}

func (q *redeliverQueue) Complete(ctx context.Context, taskID string, taskType models.TaskType) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.complete = append(q.complete, taskID)
	return nil
}

func (q *redeliverQueue) Fail(ctx context.Context, taskID string, taskType models.TaskType, shouldRetry bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if shouldRetry {
		q.attempts++
		q.pending = append(q.pending, &models.TaskMessage{
			TaskID:    taskID,
			TaskType:  taskType,
			Priority:  models.PriorityNormal,
			CreatedAt: time.Now().UTC(),
			Attempts:  q.attempts,
		})
		return nil
	}
	q.terminal = append(q.terminal, fakeFail{taskID: taskID, shouldRetry: false, errMsg: errMsg})
	return nil
}

func (q *redeliverQueue) SaveWorker(ctx context.Context, w *models.WorkerInfo, ttl time.Duration) error {
	return nil
}

func (q *redeliverQueue) RetryBackoff(attempts int) time.Duration {
	return time.Millisecond
}

func (q *redeliverQueue) deadLettered() []fakeFail {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]fakeFail{}, q.terminal...)
}

func TestPoolRetryBudgetBoundsExecutions(t *testing.T) {
	// max_retries=3 means three executions total: two redeliveries and then
	// the terminal attempt, with retry_count landing on 3.
	task, msg := queuedTask("t1", models.TypeIndexBuild, 0, 3)
	q := &redeliverQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	var executions atomic.Int64
	reg := NewRegistry()
	_ = reg.Register(models.TypeIndexBuild, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		executions.Add(1)
		return nil, errors.New("always broken")
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.deadLettered()) == 1 }, "task never went terminal")
	// Leave the loop a few poll cycles to pick up any extra redelivery.
	time.Sleep(50 * time.Millisecond)

	if got := executions.Load(); got != 3 {
		t.Fatalf("handler executions = %d, want 3", got)
	}
	_, _, retrying, failed := store.snapshot()
	if len(retrying) != 2 {
		t.Errorf("MarkRetrying calls = %v, want two", retrying)
	}
	if len(failed) != 1 || failed[0] != "t1" {
		t.Errorf("MarkFailed calls = %v, want [t1]", failed)
	}
	if got := store.retryCount("t1"); got != 3 {
		t.Errorf("final retry_count = %d, want 3", got)
	}
}

func TestPoolDropsCanceledTaskWithoutExecuting(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeDocumentProcessing, 0, 3)
	task.Status = models.StatusCanceled
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	handled := make(chan struct{}, 1)
	reg := NewRegistry()
	_ = reg.Register(models.TypeDocumentProcessing, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		handled <- struct{}{}
		return nil, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.completed()) == 1 }, "envelope never dropped")

	select {
	case <-handled:
		t.Error("handler must not run for a canceled task")
	default:
	}
	processing, completed, retrying, failed := store.snapshot()
	if len(processing) != 0 {
		t.Errorf("MarkProcessing must not claim a canceled task, got %v", processing)
	}
	if len(completed) != 0 || len(retrying) != 0 || len(failed) != 0 {
		t.Errorf("unexpected record mutations: %v, %v, %v", completed, retrying, failed)
	}
}

func TestPoolUnknownTypeIsTerminal(t *testing.T) {
	// The envelope claims a type the registry has no handler for; retrying
	// cannot fix that, so it must dead-letter even with retry budget left.
	task, msg := queuedTask("t1", models.TypeSummaryGeneration, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	reg := NewRegistry()
	_ = reg.Register(models.TypeIndexBuild, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		return nil, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.failed()) == 1 }, "task never failed")
	if q.failed()[0].shouldRetry {
		t.Error("unknown task type must not be retried")
	}
}

func TestPoolDeadLettersWhenRecordUnavailable(t *testing.T) {
	_, msg := queuedTask("t1", models.TypeDocumentProcessing, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore()
	store.getErr = errors.New("store down")

	reg := NewRegistry()
	handled := make(chan struct{}, 1)
	_ = reg.Register(models.TypeDocumentProcessing, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		handled <- struct{}{}
		return nil, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.failed()) == 1 }, "envelope never dead-lettered")
	if q.failed()[0].shouldRetry {
		t.Error("record-unavailable envelopes must not be retried")
	}
	select {
	case <-handled:
		t.Error("handler must not run without a task record")
	default:
	}
}

func TestPoolStopWaitsForInFlightTask(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeEmbeddingGeneration, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	started := make(chan struct{})
	release := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register(models.TypeEmbeddingGeneration, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{}, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-started
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after handler finished")
	}

	// The in-flight task must have completed normally despite shutdown.
	if got := q.completed(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("completed = %v, want [t1]", got)
	}
}

func TestPoolForwardsHandlerProgress(t *testing.T) {
	task, msg := queuedTask("t1", models.TypeEmbeddingGeneration, 0, 3)
	q := &fakeQueue{pending: []*models.TaskMessage{msg}}
	store := newFakeStore(task)

	reg := NewRegistry()
	_ = reg.Register(models.TypeEmbeddingGeneration, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		ReportProgress(ctx, 50)
		ReportProgress(ctx, 100)
		return map[string]any{}, nil
	})

	p := New(testPoolConfig(), q, store, reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitFor(t, func() bool { return len(q.completed()) == 1 }, "task never completed")

	store.mu.Lock()
	progress := append([]int{}, store.progress...)
	store.mu.Unlock()
	if len(progress) != 2 || progress[0] != 50 || progress[1] != 100 {
		t.Fatalf("progress updates = %v, want [50 100]", progress)
	}
}

func TestReportProgressWithoutPoolIsNoop(t *testing.T) {
	// Must not panic when a handler runs outside a pool execution.
	ReportProgress(context.Background(), 42)
}

func TestPoolWorkersSnapshot(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Workers = 3
	reg := NewRegistry()
	_ = reg.Register(models.TypeIndexBuild, func(ctx context.Context, task *models.Task) (map[string]any, error) {
		return nil, nil
	})

	p := New(cfg, &fakeQueue{}, newFakeStore(), reg, testLogger(), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	workers := p.Workers()
	if len(workers) != 3 {
		t.Fatalf("expected 3 worker descriptors, got %d", len(workers))
	}
	for _, w := range workers {
		if w.Status != models.WorkerIdle && w.Status != models.WorkerBusy {
			t.Errorf("unexpected worker status %q", w.Status)
		}
	}
}
