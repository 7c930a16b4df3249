package service

import (
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
)

// Dispatch outcomes reported to Metrics.MessageHandled.
const (
	OutcomeDispatched = "dispatched"
	OutcomeStale      = "stale"
	OutcomeCancelled  = "cancelled"
	OutcomeThrottled  = "throttled"
	OutcomePoolFull   = "pool_full"
	OutcomeError      = "error"
)

// Metrics receives orchestration events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageHandled(outcome string)
	PermitsInUse(t models.PluginType, n int)
	StageFinished(t models.PluginType, status models.StageStatus, d time.Duration)
	ExecutionFinished(status models.ExecutionStatus)
	ExecutionsRequeued(reason string, n int)
	WorkersBusy(n int)
}

type noopMetrics struct{}

func (noopMetrics) MessageHandled(string)                                              {}
func (noopMetrics) PermitsInUse(models.PluginType, int)                                {}
func (noopMetrics) StageFinished(models.PluginType, models.StageStatus, time.Duration) {}
func (noopMetrics) ExecutionFinished(models.ExecutionStatus)                           {}
func (noopMetrics) ExecutionsRequeued(string, int)                                     {}
func (noopMetrics) WorkersBusy(int)                                                    {}

// NopMetrics discards every event.
func NopMetrics() Metrics {
	return noopMetrics{}
}
