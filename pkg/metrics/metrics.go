// Package metrics provides Prometheus metrics collection for the entity layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Entity store metrics
	SavesTotal   *prometheus.CounterVec
	SaveDuration prometheus.Histogram
	DeletesTotal *prometheus.CounterVec
	LoadsTotal   prometheus.Counter

	// Query metrics
	QueriesTotal  *prometheus.CounterVec
	QueryDuration prometheus.Histogram

	// Schema metrics
	PartitionsCreated prometheus.Counter
	IndexesCreated    *prometheus.CounterVec

	// Hook metrics
	HookExecutions *prometheus.CounterVec
	HookDuration   *prometheus.HistogramVec

	// Scheduler metrics
	TaskRuns     *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	TasksRunning prometheus.Gauge

	// Lock metrics
	LockAttempts prometheus.Counter
	LockAcquired prometheus.Counter
	LockFailed   prometheus.Counter

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New creates a new Metrics instance with all collectors registered
// against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_saves_total",
				Help: "Total number of entity save operations",
			},
			[]string{"status"},
		),
		SaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entity_save_duration_seconds",
				Help:    "Entity save duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		DeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_deletes_total",
				Help: "Total number of entity delete operations",
			},
			[]string{"mode", "status"},
		),
		LoadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entity_loads_total",
				Help: "Total number of bulk entity loads",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_queries_total",
				Help: "Total number of entity queries executed",
			},
			[]string{"mode", "status"},
		),
		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entity_query_duration_seconds",
				Help:    "Query execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		PartitionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entity_partitions_created_total",
				Help: "Total number of component partitions created",
			},
		),
		IndexesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_indexes_created_total",
				Help: "Total number of component indexes created",
			},
			[]string{"kind"},
		),
		HookExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_hook_executions_total",
				Help: "Total number of hook executions",
			},
			[]string{"kind", "status"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entity_hook_duration_seconds",
				Help:    "Hook execution duration in seconds",
				Buckets: []float64{.0001, .001, .01, .1, 1, 10},
			},
			[]string{"kind"},
		),
		TaskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_scheduler_task_runs_total",
				Help: "Total number of scheduler task runs",
			},
			[]string{"task", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entity_scheduler_task_duration_seconds",
				Help:    "Scheduler task duration in seconds",
				Buckets: []float64{.01, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"task"},
		),
		TasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "entity_scheduler_tasks_running",
				Help: "Number of scheduler tasks currently running",
			},
		),
		LockAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entity_lock_attempts_total",
				Help: "Total number of advisory lock acquisition attempts",
			},
		),
		LockAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entity_lock_acquired_total",
				Help: "Total number of advisory locks acquired",
			},
		),
		LockFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entity_lock_failed_total",
				Help: "Total number of advisory lock acquisition failures",
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"provider"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entity_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"provider"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SavesTotal, m.SaveDuration, m.DeletesTotal, m.LoadsTotal,
			m.QueriesTotal, m.QueryDuration,
			m.PartitionsCreated, m.IndexesCreated,
			m.HookExecutions, m.HookDuration,
			m.TaskRuns, m.TaskDuration, m.TasksRunning,
			m.LockAttempts, m.LockAcquired, m.LockFailed,
			m.CacheHits, m.CacheMisses,
		)
	}

	return m
}
