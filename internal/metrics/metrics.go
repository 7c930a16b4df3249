// Package metrics exposes orchestration and controller statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/europeana/metis-framework-sub004/internal/controller"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "metis"

// Prometheus implements service.Metrics and controller.Metrics. Collectors are
// registered on the registerer given to New.
type Prometheus struct {
	messages      *prometheus.CounterVec
	permits       *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
	executions    *prometheus.CounterVec
	requeued      *prometheus.CounterVec
	workersBusy   prometheus.Gauge

	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	itemsProcessed    *prometheus.CounterVec
	controllerRunning *prometheus.GaugeVec
	lastReconcileTime *prometheus.GaugeVec
}

var (
	_ service.Metrics    = (*Prometheus)(nil)
	_ controller.Metrics = (*Prometheus)(nil)
)

// New creates the collectors under namespace (default "metis") on reg.
func New(reg prometheus.Registerer, namespace string) *Prometheus {
	if namespace == "" {
		namespace = defaultNamespace
	}
	f := promauto.With(reg)

	return &Prometheus{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "messages_total",
			Help:      "Queue messages handled by outcome",
		}, []string{"outcome"}),

		permits: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "permits_in_use",
			Help:      "Throttle permits held per plugin type",
		}, []string{"plugin_type"}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions by plugin type and final status",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"plugin_type", "status"}),

		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status",
		}, []string{"status"}),

		requeued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failsafe",
			Name:      "executions_requeued_total",
			Help:      "Executions re-published by the failsafe monitor by reason",
		}, []string{"reason"}),

		workersBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Worker goroutines currently running an execution",
		}),

		reconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "reconcile_total",
			Help:      "Total number of reconciliations by controller",
		}, []string{"controller", "result"}),

		reconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"controller"}),

		itemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "items_processed_total",
			Help:      "Total number of items processed by controller",
		}, []string{"controller"}),

		controllerRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "running",
			Help:      "Whether the controller is running (1) or not (0)",
		}, []string{"controller"}),

		lastReconcileTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "last_reconcile_timestamp_seconds",
			Help:      "Unix timestamp of the last reconciliation",
		}, []string{"controller"}),
	}
}

func (m *Prometheus) MessageHandled(outcome string) {
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Prometheus) PermitsInUse(t models.PluginType, n int) {
	m.permits.WithLabelValues(string(t)).Set(float64(n))
}

func (m *Prometheus) StageFinished(t models.PluginType, status models.StageStatus, d time.Duration) {
	m.stageDuration.WithLabelValues(string(t), string(status)).Observe(d.Seconds())
}

func (m *Prometheus) ExecutionFinished(status models.ExecutionStatus) {
	m.executions.WithLabelValues(string(status)).Inc()
}

func (m *Prometheus) ExecutionsRequeued(reason string, n int) {
	if n > 0 {
		m.requeued.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Prometheus) WorkersBusy(n int) {
	m.workersBusy.Set(float64(n))
}

// RecordReconcile records a reconciliation run.
func (m *Prometheus) RecordReconcile(name string, itemsProcessed int, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reconcileTotal.WithLabelValues(name, result).Inc()
	m.reconcileDuration.WithLabelValues(name).Observe(duration.Seconds())
	if itemsProcessed > 0 {
		m.itemsProcessed.WithLabelValues(name).Add(float64(itemsProcessed))
	}
}

func (m *Prometheus) SetControllerRunning(name string, running bool) {
	val := 0.0
	if running {
		val = 1.0
	}
	m.controllerRunning.WithLabelValues(name).Set(val)
}

func (m *Prometheus) SetLastReconcileTime(name string, t time.Time) {
	m.lastReconcileTime.WithLabelValues(name).Set(float64(t.Unix()))
}
