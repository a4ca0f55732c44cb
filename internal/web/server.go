// Package web serves the operator-facing HTTP surface: health, Prometheus
// metrics, queue statistics, worker introspection, dead-letter
// administration, and a live event stream. Task submission lives in the
// surrounding application, not here.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"knowq-worker/internal/events"
	"knowq-worker/internal/models"
	"knowq-worker/internal/queue"
)

// QueueAPI is the slice of the queue manager the server exposes.
type QueueAPI interface {
	Ping(ctx context.Context) error
	GetQueueStats(ctx context.Context) (*queue.QueueStats, error)
	GetTaskPosition(ctx context.Context, taskID string, taskType models.TaskType, priority models.TaskPriority) (int, error)
	PurgeFailedTasks(ctx context.Context, taskType models.TaskType, maxAge time.Duration) (int, error)
	RetryFailedTasks(ctx context.Context, taskType models.TaskType, maxAttempts int) (int, error)
	ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error)
}

// RecordAPI is the slice of the task record store the server exposes.
type RecordAPI interface {
	Ping(ctx context.Context) error
	ListFailed(ctx context.Context, limit int) ([]*models.Task, error)
}

type Server struct {
	queue   QueueAPI
	records RecordAPI
	broker  *events.Broker
	addr    string
	token   string
	logger  *slog.Logger
}

func NewServer(q QueueAPI, records RecordAPI, broker *events.Broker, addr, token string, logger *slog.Logger) *Server {
	return &Server{
		queue:   q,
		records: records,
		broker:  broker,
		addr:    addr,
		token:   token,
		logger:  logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Web server shutdown error", "error", err)
		}
	}()

	s.logger.Info("Web server listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.guard(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	}))
	mux.HandleFunc("/api/queues", s.guard(http.MethodGet, s.handleQueues))
	mux.HandleFunc("/api/queues/position", s.guard(http.MethodGet, s.handlePosition))
	mux.HandleFunc("/api/workers", s.guard(http.MethodGet, s.handleWorkers))
	mux.HandleFunc("/api/failed", s.guard(http.MethodGet, s.handleFailed))
	mux.HandleFunc("/api/failed/retry", s.guard(http.MethodPost, s.handleRetryFailed))
	mux.HandleFunc("/api/failed/purge", s.guard(http.MethodPost, s.handlePurgeFailed))
	mux.HandleFunc("/events", s.guard(http.MethodGet, s.handleEvents))
	return mux
}

func (s *Server) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+s.token {
		return true
	}
	w.WriteHeader(http.StatusUnauthorized)
	return false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed on queue store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("queue store unreachable"))
		return
	}
	if err := s.records.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed on record store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("record store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		s.fail(w, "Failed to gather queue stats", err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskID := q.Get("task_id")
	taskType := models.TaskType(q.Get("task_type"))
	priority := models.TaskPriority(q.Get("priority"))
	if taskID == "" || !taskType.Valid() || !priority.Valid() {
		http.Error(w, "task_id, task_type and priority are required", http.StatusBadRequest)
		return
	}
	pos, err := s.queue.GetTaskPosition(r.Context(), taskID, taskType, priority)
	if err != nil {
		s.fail(w, "Failed to compute task position", err)
		return
	}
	s.writeJSON(w, map[string]any{"task_id": taskID, "position": pos})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.queue.ListWorkers(r.Context())
	if err != nil {
		s.fail(w, "Failed to list workers", err)
		return
	}
	if workers == nil {
		workers = []*models.WorkerInfo{}
	}
	s.writeJSON(w, workers)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.records.ListFailed(r.Context(), limit)
	if err != nil {
		s.fail(w, "Failed to list failed tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	s.writeJSON(w, tasks)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	taskType := models.TaskType(r.URL.Query().Get("task_type"))
	if !taskType.Valid() {
		http.Error(w, "valid task_type is required", http.StatusBadRequest)
		return
	}
	maxAttempts, err := strconv.Atoi(r.URL.Query().Get("max_attempts"))
	if err != nil || maxAttempts <= 0 {
		http.Error(w, "positive max_attempts is required", http.StatusBadRequest)
		return
	}
	count, err := s.queue.RetryFailedTasks(r.Context(), taskType, maxAttempts)
	if err != nil {
		s.fail(w, "Failed to retry dead-lettered tasks", err)
		return
	}
	s.writeJSON(w, map[string]any{"retried": count})
}

func (s *Server) handlePurgeFailed(w http.ResponseWriter, r *http.Request) {
	taskType := models.TaskType(r.URL.Query().Get("task_type"))
	if !taskType.Valid() {
		http.Error(w, "valid task_type is required", http.StatusBadRequest)
		return
	}
	maxAge, err := time.ParseDuration(r.URL.Query().Get("max_age"))
	if err != nil || maxAge <= 0 {
		http.Error(w, "positive max_age duration is required", http.StatusBadRequest)
		return
	}
	count, err := s.queue.PurgeFailedTasks(r.Context(), taskType, maxAge)
	if err != nil {
		s.fail(w, "Failed to purge dead-lettered tasks", err)
		return
	}
	s.writeJSON(w, map[string]any{"purged": count})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("events not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel, snapshot := s.broker.Subscribe()
	defer cancel()

	for _, event := range snapshot {
		if err := writeEvent(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}
