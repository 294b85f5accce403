package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerMetrics counts scheduling decisions and job fires.
type SchedulerMetrics interface {
	IncIntentsScheduled()
	IncIntentsRejected(reason string)
	IncJobsFired(path string)
	IncJobsFailed(path string)
}

// ExecutorMetrics captures HTTP execution outcomes.
type ExecutorMetrics interface {
	ObserveExecution(outcome string, durationSeconds float64)
}

// ReconcilerMetrics counts record updates and drops.
type ReconcilerMetrics interface {
	IncReconciled(status string)
	IncReconcileDropped(reason string)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncIntentsScheduled()             {}
func (Noop) IncIntentsRejected(string)        {}
func (Noop) IncJobsFired(string)              {}
func (Noop) IncJobsFailed(string)             {}
func (Noop) ObserveExecution(string, float64) {}
func (Noop) IncReconciled(string)             {}
func (Noop) IncReconcileDropped(string)       {}

// Prom implements the pipeline metrics backed by Prometheus.
type Prom struct {
	intentsScheduled prometheus.Counter
	intentsRejected  *prometheus.CounterVec
	jobsFired        *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	executions       *prometheus.CounterVec
	execDuration     *prometheus.HistogramVec
	reconciled       *prometheus.CounterVec
	reconcileDropped *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		intentsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_scheduled_total",
			Help:      "Scheduled intents persisted as jobs",
		}),
		intentsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_rejected_total",
			Help:      "Intents rejected by the scheduler by reason",
		}, []string{"reason"}),
		jobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_fired_total",
			Help:      "Scheduled jobs published for execution by path",
		}, []string{"path"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Scheduled jobs marked failed by path",
		}, []string{"path"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "HTTP executions by outcome",
		}, []string{"outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "HTTP execution wall-clock time by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_reconciled_total",
			Help:      "Request records updated by derived status",
		}, []string{"status"}),
		reconcileDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_dropped_total",
			Help:      "Completion messages dropped by reason",
		}, []string{"reason"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.intentsScheduled, p.intentsRejected,
			p.jobsFired, p.jobsFailed,
			p.executions, p.execDuration,
			p.reconciled, p.reconcileDropped,
		)
	})
}

func (p *Prom) IncIntentsScheduled() {
	p.intentsScheduled.Inc()
}

func (p *Prom) IncIntentsRejected(reason string) {
	p.intentsRejected.WithLabelValues(reason).Inc()
}

func (p *Prom) IncJobsFired(path string) {
	p.jobsFired.WithLabelValues(path).Inc()
}

func (p *Prom) IncJobsFailed(path string) {
	p.jobsFailed.WithLabelValues(path).Inc()
}

func (p *Prom) ObserveExecution(outcome string, durationSeconds float64) {
	p.executions.WithLabelValues(outcome).Inc()
	p.execDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

func (p *Prom) IncReconciled(status string) {
	p.reconciled.WithLabelValues(status).Inc()
}

func (p *Prom) IncReconcileDropped(reason string) {
	p.reconcileDropped.WithLabelValues(reason).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer serves /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
