package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksPopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knowq_tasks_popped_total",
		Help: "Total number of task envelopes popped by this instance",
	}, []string{"task_type"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "knowq_tasks_finished_total",
		Help: "Total number of task executions by outcome",
	}, []string{"task_type", "outcome"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "knowq_exec_duration_seconds",
		Help:    "Time taken to execute a task handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_type"})

	queueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "knowq_queue_wait_duration_seconds",
		Help:    "Time an envelope spent queued before execution started",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"task_type"})
)

const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)
