// Package metrics turns bus events into Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/nexcore/internal/bus"
)

// Metrics holds the collectors fed from the event stream.
type Metrics struct {
	events       *prometheus.CounterVec
	jobStarts    prometheus.Counter
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	dueJobs      prometheus.Gauge
	tasks        *prometheus.CounterVec
	taskRequeues prometheus.Counter
	offline      prometheus.Counter
	workers      *prometheus.GaugeVec
	poolTasks    *prometheus.GaugeVec
	averageLoad  prometheus.Gauge
	breakerOpen  *prometheus.GaugeVec
	workspaces   prometheus.Gauge
}

// New creates the collectors and registers them with reg, or with the
// default registerer when reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events published on the bus, by kind",
			},
			[]string{"kind"},
		),
		jobStarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_starts_total",
				Help:      "Job firings started",
			},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Finished job firings, by outcome",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job firings, retries included",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		dueJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_due_jobs",
				Help:      "Jobs found due by the last busy tick",
			},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subagent_tasks_total",
				Help:      "Worker pool task transitions, by event",
			},
			[]string{"event"},
		),
		taskRequeues: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subagent_task_requeues_total",
				Help:      "Failed task attempts that went back to the queue",
			},
		),
		offline: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subagent_offline_total",
				Help:      "Workers taken offline after missing heartbeats",
			},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subagent_workers",
				Help:      "Registered workers by status, as of the last load balance",
			},
			[]string{"status"},
		),
		poolTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subagent_pool_tasks",
				Help:      "Known tasks by status, as of the last load balance",
			},
			[]string{"status"},
		),
		averageLoad: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subagent_average_load",
				Help:      "Average worker load",
			},
		),
		breakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_circuit_breaker_open",
				Help:      "Circuit breaker state per job: 0=closed, 1=open",
			},
			[]string{"job"},
		),
		workspaces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces",
				Help:      "Workspaces created or loaded minus workspaces deleted",
			},
		),
	}

	reg.MustRegister(
		m.events,
		m.jobStarts,
		m.jobRuns,
		m.jobDuration,
		m.dueJobs,
		m.tasks,
		m.taskRequeues,
		m.offline,
		m.workers,
		m.poolTasks,
		m.averageLoad,
		m.breakerOpen,
		m.workspaces,
	)

	return m
}

// Observe updates the metrics for one event.
func (m *Metrics) Observe(e bus.Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case bus.SchedulerRunning:
		m.dueJobs.Set(float64(e.Due))
	case bus.JobStarted:
		m.jobStarts.Inc()
	case bus.JobCompleted:
		m.recordJob("completed", e)
	case bus.JobFailed:
		m.recordJob("failed", e)
	case bus.TaskSubmitted:
		m.tasks.WithLabelValues("submitted").Inc()
	case bus.TaskAssigned:
		m.tasks.WithLabelValues("assigned").Inc()
	case bus.TaskCompleted:
		m.tasks.WithLabelValues("completed").Inc()
	case bus.TaskFailed:
		m.tasks.WithLabelValues("failed").Inc()
		if e.Status == "pending" {
			m.taskRequeues.Inc()
		}
	case bus.SubagentOffline:
		m.offline.Inc()
	case bus.SystemLoadBalanced:
		if e.Load != nil {
			m.setLoad(e.Load)
		}
	case bus.BreakerOpened:
		m.breakerOpen.WithLabelValues(e.JobID).Set(1)
	case bus.BreakerClosed:
		m.breakerOpen.WithLabelValues(e.JobID).Set(0)
	case bus.JobDeleted:
		m.breakerOpen.DeleteLabelValues(e.JobID)
	case bus.WorkspaceCreated, bus.WorkspaceLoaded:
		m.workspaces.Inc()
	case bus.WorkspaceDeleted:
		m.workspaces.Dec()
	}
}

func (m *Metrics) recordJob(status string, e bus.Event) {
	m.jobRuns.WithLabelValues(status).Inc()
	if e.Result != nil {
		m.jobDuration.WithLabelValues(status).Observe(e.Result.Duration.Seconds())
	}
}

func (m *Metrics) setLoad(l *bus.LoadSnapshot) {
	m.workers.WithLabelValues("idle").Set(float64(l.IdleWorkers))
	m.workers.WithLabelValues("busy").Set(float64(l.BusyWorkers))
	m.workers.WithLabelValues("offline").Set(float64(l.OfflineWorkers))

	m.poolTasks.WithLabelValues("pending").Set(float64(l.PendingTasks))
	m.poolTasks.WithLabelValues("running").Set(float64(l.RunningTasks))
	m.poolTasks.WithLabelValues("completed").Set(float64(l.CompletedTasks))
	m.poolTasks.WithLabelValues("failed").Set(float64(l.FailedTasks))

	m.averageLoad.Set(l.AverageLoad)
}

// Run observes events until the channel closes or ctx is done.
func (m *Metrics) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		case <-ctx.Done():
			return
		}
	}
}
