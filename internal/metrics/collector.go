package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"knowq-worker/internal/models"
	"knowq-worker/internal/queue"
)

const defaultInterval = 15 * time.Second

var (
	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "knowq_queue_depth",
		Help: "Number of queued envelopes per task type.",
	}, []string{"task_type"})
	processingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "knowq_tasks_processing",
		Help: "Number of in-flight envelopes per task type.",
	}, []string{"task_type"})
	deadLetterGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "knowq_dead_letter_depth",
		Help: "Number of dead-lettered envelopes per task type.",
	}, []string{"task_type"})
	workerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knowq_workers",
		Help: "Number of workers with a live heartbeat.",
	})
	workersBusyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knowq_workers_busy",
		Help: "Number of workers currently executing a task.",
	})
)

type StatsSource interface {
	GetAllQueueInfo(ctx context.Context) (map[models.TaskType]*queue.QueueInfo, error)
	ListWorkers(ctx context.Context) ([]*models.WorkerInfo, error)
}

// StartCollector periodically refreshes the queue and worker gauges from the
// shared store.
func StartCollector(ctx context.Context, source StatsSource, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collect(ctx, source); err != nil {
				logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collect(ctx context.Context, source StatsSource) error {
	infos, err := source.GetAllQueueInfo(ctx)
	if err != nil {
		return err
	}
	for taskType, info := range infos {
		label := string(taskType)
		queueDepthGauge.WithLabelValues(label).Set(float64(info.Length))
		processingGauge.WithLabelValues(label).Set(float64(info.Processing))
		deadLetterGauge.WithLabelValues(label).Set(float64(info.Failed))
	}

	workers, err := source.ListWorkers(ctx)
	if err != nil {
		return err
	}
	busy := 0
	for _, w := range workers {
		if w.Status == models.WorkerBusy {
			busy++
		}
	}
	workerCountGauge.Set(float64(len(workers)))
	workersBusyGauge.Set(float64(busy))
	return nil
}
