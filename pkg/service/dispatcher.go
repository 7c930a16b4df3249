package service

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/pkg/errors"
)

const (
	DefaultConsumerPollTimeout = 5 * time.Second
	DefaultPermitRetry         = 100 * time.Millisecond
)

// DispatcherConfig tunes the consume loop.
type DispatcherConfig struct {
	// PollTimeout bounds every blocking wait of the consume loop.
	PollTimeout time.Duration
	// ThrottleWait is how long a claimed message may wait for a permit before
	// it is handed back to the queue. It never exceeds PollTimeout.
	ThrottleWait time.Duration
	// PermitRetry is the pause between permit attempts while waiting.
	PermitRetry time.Duration
}

// Runner runs a claimed execution. *Executor implements it.
type Runner interface {
	Run(ctx context.Context, id, owner string, held models.PluginType) error
}

// Dispatcher consumes execution ids from the queue, claims them and hands
// them to the worker pool. Messages are acknowledged once the execution has
// been handed over, not when it completes.
type Dispatcher struct {
	queue    queue.Queue
	claimer  *Claimer
	throttle *Throttle
	pool     *WorkerPool
	runner   Runner
	cfg      DispatcherConfig
	logger   Logger
	metrics  Metrics
}

func NewDispatcher(q queue.Queue, claimer *Claimer, throttle *Throttle, pool *WorkerPool, runner Runner, cfg DispatcherConfig, logger Logger, metrics Metrics) *Dispatcher {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConsumerPollTimeout
	}
	if cfg.ThrottleWait <= 0 || cfg.ThrottleWait > cfg.PollTimeout {
		cfg.ThrottleWait = cfg.PollTimeout
	}
	if cfg.PermitRetry <= 0 {
		cfg.PermitRetry = DefaultPermitRetry
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Dispatcher{
		queue:    q,
		claimer:  claimer,
		throttle: throttle,
		pool:     pool,
		runner:   runner,
		cfg:      cfg,
		logger:   orNop(logger),
		metrics:  metrics,
	}
}

// Run consumes until ctx is done. execCtx is handed to dispatched executions;
// cancelling it suspends them.
func (d *Dispatcher) Run(ctx, execCtx context.Context) error {
	d.logger.Infof("Dispatcher started")
	defer d.logger.Infof("Dispatcher stopped")
	for {
		if !d.waitForWorker(ctx) {
			return ctx.Err()
		}
		msg, err := d.queue.Consume(ctx, d.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Errorf("Consume failed: %v", err)
			if !sleepCtx(ctx, d.cfg.PermitRetry) {
				return ctx.Err()
			}
			continue
		}
		if msg == nil {
			continue
		}
		if err := d.Handle(ctx, execCtx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Errorf("Handling execution %s failed: %v", msg.ExecutionID, err)
		}
	}
}

// Handle processes a single delivery and settles it with the queue.
func (d *Dispatcher) Handle(ctx, execCtx context.Context, msg *queue.Delivery) error {
	// Settling must happen even when ctx has just been cancelled.
	settleCtx := context.WithoutCancel(ctx)

	result, e, err := d.claimer.Claim(ctx, msg.ExecutionID)
	if err != nil {
		d.metrics.MessageHandled(OutcomeError)
		d.nack(settleCtx, msg)
		return err
	}
	switch result {
	case ClaimStale:
		d.metrics.MessageHandled(OutcomeStale)
		d.logger.Debugf("Dropping stale message for execution %s", msg.ExecutionID)
		return d.ack(settleCtx, msg)
	case ClaimCancelled:
		d.metrics.MessageHandled(OutcomeCancelled)
		return d.ack(settleCtx, msg)
	}

	var permit models.PluginType
	if i := e.FirstPendingStage(); i >= 0 {
		permit = e.Stages[i].Type
		acquired, err := d.acquire(ctx, permit)
		if err != nil {
			d.reject(settleCtx, e, msg, "")
			return err
		}
		if !acquired {
			d.metrics.MessageHandled(OutcomeThrottled)
			d.logger.Infof("No %s permit for execution %s, requeueing", permit, e.ID)
			d.reject(settleCtx, e, msg, "")
			return nil
		}
	}

	id, owner := e.ID, e.Owner
	err = d.pool.TrySubmit(func() {
		if err := d.runner.Run(execCtx, id, owner, permit); err != nil {
			if execCtx.Err() != nil {
				d.logger.Infof("Execution %s suspended: %v", id, err)
				return
			}
			d.logger.Errorf("Execution %s ended with error: %v", id, err)
		}
	})
	if err != nil {
		d.metrics.MessageHandled(OutcomePoolFull)
		d.logger.Infof("Worker pool rejected execution %s: %v", e.ID, err)
		d.reject(settleCtx, e, msg, permit)
		return nil
	}
	d.metrics.MessageHandled(OutcomeDispatched)
	d.logger.Infof("Dispatched execution %s", e.ID)
	return d.ack(settleCtx, msg)
}

// waitForWorker holds off consuming while every worker is busy.
func (d *Dispatcher) waitForWorker(ctx context.Context) bool {
	for d.pool.Size() > 0 && d.pool.Busy() >= d.pool.Size() {
		if !sleepCtx(ctx, d.cfg.PermitRetry) {
			return false
		}
	}
	return ctx.Err() == nil
}

// acquire waits up to ThrottleWait for a permit.
func (d *Dispatcher) acquire(ctx context.Context, t models.PluginType) (bool, error) {
	if d.throttle.TryAcquire(t) {
		return true, nil
	}
	deadline := time.Now().Add(d.cfg.ThrottleWait)
	for time.Now().Before(deadline) {
		if !sleepCtx(ctx, d.cfg.PermitRetry) {
			return false, ctx.Err()
		}
		if d.throttle.TryAcquire(t) {
			return true, nil
		}
	}
	return false, nil
}

// reject returns a claimed execution to the queue.
func (d *Dispatcher) reject(ctx context.Context, e *models.WorkflowExecution, msg *queue.Delivery, permit models.PluginType) {
	if permit != "" {
		d.throttle.Release(permit)
	}
	if err := d.claimer.Unclaim(ctx, e); err != nil {
		d.logger.Errorf("Failed to unclaim execution %s: %v", e.ID, err)
	}
	d.nack(ctx, msg)
}

func (d *Dispatcher) ack(ctx context.Context, msg *queue.Delivery) error {
	if err := d.queue.Ack(ctx, msg); err != nil {
		return errors.Wrapf(err, "ack execution %s", msg.ExecutionID)
	}
	return nil
}

func (d *Dispatcher) nack(ctx context.Context, msg *queue.Delivery) {
	if err := d.queue.Nack(ctx, msg, true); err != nil {
		d.logger.Errorf("Failed to nack execution %s: %v", msg.ExecutionID, err)
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
