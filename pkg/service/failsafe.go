package service

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultFailsafePeriod    = 60 * time.Second
	DefaultLivenessThreshold = 5 * time.Minute
)

// Reasons reported to Metrics.ExecutionsRequeued.
const (
	RequeueOrphaned = "orphaned"
	RequeueLost     = "lost"
	RequeueInFlight = "in_flight"
)

// FailsafeConfig configures the FailsafeMonitor.
type FailsafeConfig struct {
	// Period is how often the monitor runs.
	// Default: 60 seconds.
	Period time.Duration

	// LivenessThreshold is how long a running execution may go without a
	// heartbeat before it is presumed orphaned.
	// Default: 5 minutes.
	LivenessThreshold time.Duration

	// PageSize bounds each listing query.
	PageSize int
}

// FailsafeMonitor re-publishes executions that would otherwise never run
// again: running ones whose owner stopped heartbeating and queued ones whose
// message was lost. Duplicates are harmless since the claimer drops them.
type FailsafeMonitor struct {
	store   storage.Store
	queue   queue.Queue
	locks   lock.Service
	cfg     FailsafeConfig
	now     func() time.Time
	logger  Logger
	metrics Metrics
}

func NewFailsafeMonitor(store storage.Store, q queue.Queue, locks lock.Service, cfg FailsafeConfig, logger Logger, metrics Metrics) *FailsafeMonitor {
	if cfg.Period <= 0 {
		cfg.Period = DefaultFailsafePeriod
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = DefaultLivenessThreshold
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = storage.DefaultPageSize
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &FailsafeMonitor{
		store:   store,
		queue:   q,
		locks:   locks,
		cfg:     cfg,
		now:     time.Now,
		logger:  orNop(logger),
		metrics: metrics,
	}
}

func (f *FailsafeMonitor) Name() string {
	return "failsafe"
}

func (f *FailsafeMonitor) Interval() time.Duration {
	return f.cfg.Period
}

// Reconcile runs one sweep and returns the number of executions re-published.
func (f *FailsafeMonitor) Reconcile(ctx context.Context) (int, error) {
	var total int
	err := lock.Do(ctx, f.locks, lock.FailsafeLock, f.logger, func(ctx context.Context) error {
		var err error
		total, err = f.sweep(ctx)
		return err
	})
	if err != nil {
		f.logger.Warnf("Failsafe sweep abandoned: %v", err)
	}
	return total, err
}

func (f *FailsafeMonitor) sweep(ctx context.Context) (int, error) {
	total := 0

	if r, ok := f.queue.(queue.Recoverer); ok {
		n, err := r.RequeueExpired(ctx)
		if err != nil {
			f.logger.Errorf("Recovering expired deliveries failed: %v", err)
		} else if n > 0 {
			f.logger.Infof("Returned %d expired deliveries to the queue", n)
			f.metrics.ExecutionsRequeued(RequeueInFlight, n)
			total += n
		}
	}

	staleBefore := f.now().Add(-f.cfg.LivenessThreshold)
	for _, status := range []models.ExecutionStatus{models.RunningExecutionStatus, models.CancellingExecutionStatus} {
		n, err := f.republish(ctx, status, func(ctx context.Context, e models.WorkflowExecution) (bool, error) {
			return e.UpdatedDate.Before(staleBefore), nil
		})
		total += n
		f.metrics.ExecutionsRequeued(RequeueOrphaned, n)
		if err != nil {
			return total, err
		}
	}

	n, err := f.republish(ctx, models.QueuedExecutionStatus, func(ctx context.Context, e models.WorkflowExecution) (bool, error) {
		queued, err := f.queue.Contains(ctx, e.ID)
		if err != nil {
			return false, err
		}
		return !queued, nil
	})
	total += n
	f.metrics.ExecutionsRequeued(RequeueLost, n)
	return total, err
}

// republish pages through executions in status and publishes those selected.
// A failure on one execution is logged and the sweep continues.
func (f *FailsafeMonitor) republish(ctx context.Context, status models.ExecutionStatus, selectFn func(context.Context, models.WorkflowExecution) (bool, error)) (int, error) {
	count := 0
	token := ""
	for {
		page, err := f.store.ListByStatus(ctx, status, token, f.cfg.PageSize)
		if err != nil {
			return count, errors.Wrapf(err, "list %s executions", status)
		}
		for _, e := range page.Executions {
			selected, err := selectFn(ctx, e)
			if err != nil {
				f.logger.Errorf("Checking execution %s failed: %v", e.ID, err)
				continue
			}
			if !selected {
				continue
			}
			if err := f.queue.Publish(ctx, e.ID, e.Priority); err != nil {
				f.logger.Errorf("Re-publishing execution %s failed: %v", e.ID, err)
				continue
			}
			f.logger.Infof("Re-published %s execution %s", status, e.ID)
			count++
		}
		if page.NextToken == "" {
			return count, nil
		}
		token = page.NextToken
	}
}
