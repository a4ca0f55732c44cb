// knowqctl is the operator CLI. It talks to the shared stores directly, so
// it works even when no worker instance is running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"knowq-worker/internal/db"
	"knowq-worker/internal/models"
	"knowq-worker/internal/queue"
	"knowq-worker/internal/taskstore"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("knowqctl version %s\n", Version)
		return
	}

	var err error
	switch os.Args[1] {
	case "submit":
		err = runSubmit(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "workers":
		err = runWorkers(os.Args[2:])
	case "position":
		err = runPosition(os.Args[2:])
	case "failed":
		err = runFailed(os.Args[2:])
	case "retry-failed":
		err = runRetryFailed(os.Args[2:])
	case "purge-failed":
		err = runPurgeFailed(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "knowqctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: knowqctl <submit|stats|workers|position|failed|retry-failed|purge-failed|cancel|version> [args]")
}

type clients struct {
	manager *queue.Manager
	store   *taskstore.Store
	close   func()
}

// connect dials both stores using the same env configuration the worker
// reads. needStore controls whether a record-store connection is required;
// queue-only commands work without DATABASE_URL.
func connect(ctx context.Context, needStore bool) (*clients, error) {
	redisClient, err := db.NewRedisClient(ctx,
		envDefault("REDIS_ADDR", "localhost:6379"),
		os.Getenv("REDIS_PASSWORD"),
		envIntDefault("REDIS_DB", 0))
	if err != nil {
		return nil, fmt.Errorf("connect queue store: %w", err)
	}

	manager := queue.NewManager(redisClient, queue.ManagerOptions{
		Prefix: envDefault("QUEUE_PREFIX", "knowq"),
	}, discardLogger())

	c := &clients{manager: manager, close: func() { _ = redisClient.Close() }}
	if !needStore {
		return c, nil
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		c.close()
		return nil, fmt.Errorf("DATABASE_URL is required for this command")
	}
	pool, err := db.NewPostgresPool(ctx, dsn)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("connect task record store: %w", err)
	}
	c.store = taskstore.New(pool)
	closeRedis := c.close
	c.close = func() {
		pool.Close()
		closeRedis()
	}
	return c, nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	taskType := fs.String("type", "", "Task type")
	priority := fs.String("priority", string(models.PriorityNormal), "Task priority")
	kbID := fs.String("kb", "", "Knowledge base ID")
	payloadJSON := fs.String("payload", "{}", "Task payload as JSON")
	maxRetries := fs.Int("max-retries", 3, "Maximum retry count")
	timeoutSec := fs.Int("timeout", 0, "Per-task execution timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tt := models.TaskType(*taskType)
	if !tt.Valid() {
		return fmt.Errorf("invalid task type %q", *taskType)
	}
	prio := models.TaskPriority(*priority)
	if !prio.Valid() {
		return fmt.Errorf("invalid priority %q", *priority)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	now := time.Now().UTC()
	task := &models.Task{
		ID:             uuid.NewString(),
		KBID:           *kbID,
		TaskType:       tt,
		Status:         models.StatusQueued,
		Priority:       prio,
		Payload:        payload,
		MaxRetries:     *maxRetries,
		TimeoutSeconds: *timeoutSec,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.store.Create(ctx, task); err != nil {
		return fmt.Errorf("create task record: %w", err)
	}
	if err := c.manager.Push(ctx, task); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	fmt.Println(task.ID)
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	stats, err := c.manager.GetQueueStats(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(stats)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tQUEUED\tPROCESSING\tFAILED\tCOMPLETED")
	for _, info := range stats.Queues {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			info.QueueName, info.Length, info.Processing, info.Failed, info.Completed)
	}
	fmt.Fprintf(w, "total\t%d\t%d\t%d\t%d\n",
		stats.TotalLength, stats.TotalProcessing, stats.TotalFailed, stats.TotalCompleted)
	return w.Flush()
}

func runWorkers(args []string) error {
	fs := flag.NewFlagSet("workers", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	workers, err := c.manager.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(workers)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSTATUS\tCURRENT TASK\tPROCESSED\tFAILED\tAVG MS\tLAST HEARTBEAT")
	for _, info := range workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			info.ID, info.Status, info.CurrentTaskID,
			info.Processed, info.Failed, info.AverageTaskTime,
			info.LastHeartbeat.Format(time.RFC3339))
	}
	return w.Flush()
}

func runPosition(args []string) error {
	fs := flag.NewFlagSet("position", flag.ExitOnError)
	taskID := fs.String("id", "", "Task ID")
	taskType := fs.String("type", "", "Task type")
	priority := fs.String("priority", "", "Task priority")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("-id is required")
	}
	tt := models.TaskType(*taskType)
	if !tt.Valid() {
		return fmt.Errorf("invalid task type %q", *taskType)
	}
	prio := models.TaskPriority(*priority)
	if !prio.Valid() {
		return fmt.Errorf("invalid priority %q", *priority)
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	pos, err := c.manager.GetTaskPosition(ctx, *taskID, tt, prio)
	if err != nil {
		return err
	}
	if pos == 0 {
		fmt.Println("not queued")
		return nil
	}
	fmt.Println(pos)
	return nil
}

func runFailed(args []string) error {
	fs := flag.NewFlagSet("failed", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum rows to list")
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	tasks, err := c.store.ListFailed(ctx, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(tasks)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tRETRIES\tUPDATED\tERROR")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			task.ID, task.TaskType, task.RetryCount, task.MaxRetries,
			task.UpdatedAt.Format(time.RFC3339), task.ErrorMessage)
	}
	return w.Flush()
}

func runRetryFailed(args []string) error {
	fs := flag.NewFlagSet("retry-failed", flag.ExitOnError)
	taskType := fs.String("type", "", "Task type")
	maxAttempts := fs.Int("max-attempts", 3, "Only retry entries with fewer attempts than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tt := models.TaskType(*taskType)
	if !tt.Valid() {
		return fmt.Errorf("invalid task type %q", *taskType)
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	count, err := c.manager.RetryFailedTasks(ctx, tt, *maxAttempts)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d dead-lettered tasks\n", count)
	return nil
}

func runPurgeFailed(args []string) error {
	fs := flag.NewFlagSet("purge-failed", flag.ExitOnError)
	taskType := fs.String("type", "", "Task type")
	maxAge := fs.Duration("max-age", 7*24*time.Hour, "Purge entries older than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	tt := models.TaskType(*taskType)
	if !tt.Valid() {
		return fmt.Errorf("invalid task type %q", *taskType)
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer c.close()

	count, err := c.manager.PurgeFailedTasks(ctx, tt, *maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d dead-lettered tasks\n", count)
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	taskID := fs.String("id", "", "Task ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("-id is required")
	}

	ctx, cancel := commandContext()
	defer cancel()
	c, err := connect(ctx, true)
	if err != nil {
		return err
	}
	defer c.close()

	canceled, err := c.store.Cancel(ctx, *taskID)
	if err != nil {
		return err
	}
	if !canceled {
		return fmt.Errorf("task %s is not in a cancelable state", *taskID)
	}
	fmt.Println("canceled")
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
