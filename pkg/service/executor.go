package service

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/europeana/metis-framework-sub004/pkg/taskclient"
	"github.com/pkg/errors"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultMaxPollFailures  = 10
	DefaultRecordRetryDelay = time.Second
	recordAttempts          = 3
)

// errCancelRequested stops the stage loop when the cancelling flag is seen
// while waiting for a permit.
var errCancelRequested = errors.New("cancellation requested")

// ExecutorConfig tunes the stage polling loop.
type ExecutorConfig struct {
	PollInterval time.Duration
	// MaxPollFailures is the number of consecutive failed polls after which
	// the stage is given up on.
	MaxPollFailures int
	// RecordRetryDelay is the pause between attempts to record a task that
	// has just been submitted.
	RecordRetryDelay time.Duration
}

// Executor drives one workflow execution through its stages.
//
// Stage content failures never fail the execution: a stage that finishes with
// errors is recorded as such and the execution still ends FINISHED. Only
// orchestration failures (the task system refusing a stage or becoming
// unreachable) end the execution FAILED.
type Executor struct {
	store    storage.Store
	stages   *StageService
	tasks    taskclient.Client
	throttle *Throttle
	cfg      ExecutorConfig
	now      func() time.Time
	logger   Logger
	metrics  Metrics
}

func NewExecutor(store storage.Store, stages *StageService, tasks taskclient.Client, throttle *Throttle, cfg ExecutorConfig, logger Logger, metrics Metrics) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = DefaultMaxPollFailures
	}
	if cfg.RecordRetryDelay <= 0 {
		cfg.RecordRetryDelay = DefaultRecordRetryDelay
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Executor{
		store:    store,
		stages:   stages,
		tasks:    tasks,
		throttle: throttle,
		cfg:      cfg,
		now:      time.Now,
		logger:   orNop(logger),
		metrics:  metrics,
	}
}

// Run executes the stages of execution id under the claim token owner. held is
// the plugin type whose throttle permit the caller already acquired for the
// first pending stage, or empty; Run takes ownership of that permit.
//
// When ctx is cancelled Run returns ctx.Err() and leaves the execution RUNNING
// so a later delivery resumes it from the first non-terminal stage. When
// another worker takes the execution over Run stops without touching it.
func (x *Executor) Run(ctx context.Context, id, owner string, held models.PluginType) error {
	permit := held
	defer func() {
		if permit != "" {
			x.throttle.Release(permit)
		}
	}()

	e, err := x.store.GetExecution(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "load execution %s", id)
	}
	if e.Status.Terminal() {
		x.logger.Infof("Execution %s already %s, nothing to do", id, e.Status)
		return nil
	}
	if e.Status == models.QueuedExecutionStatus {
		x.logger.Warnf("Execution %s is not claimed, refusing to run it", id)
		return nil
	}
	if e.Owner != owner {
		x.displaced(id)
		return nil
	}

	x.logger.Infof("Running execution %s for dataset %s", id, e.DatasetID)
	previousTaskID := e.PredecessorTaskID
	for i := range e.Stages {
		stage := e.Stages[i]
		if !stage.Enabled {
			continue
		}
		if stage.Status.Terminal() {
			if stage.Status == models.FinishedStageStatus {
				previousTaskID = stage.ExternalTaskID
			}
			continue
		}

		cur, err := x.store.GetExecution(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "reload execution %s", id)
		}
		if cur.Status.Terminal() {
			x.logger.Warnf("Execution %s ended as %s by another owner", id, cur.Status)
			return nil
		}
		if cur.Owner != owner {
			x.displaced(id)
			return nil
		}
		if cur.Cancelling {
			return x.finish(ctx, cur, owner, models.CancelledExecutionStatus, models.CancelledStageStatus)
		}

		if permit != stage.Type {
			if permit != "" {
				x.throttle.Release(permit)
				permit = ""
			}
			if err := x.waitForPermit(ctx, id, owner, stage.Type); err != nil {
				if errors.Is(err, errCancelRequested) {
					return x.finishFrom(ctx, id, owner, models.CancelledExecutionStatus, models.CancelledStageStatus)
				}
				if errors.Is(err, storage.ErrNotOwner) {
					x.displaced(id)
					return nil
				}
				return err
			}
			permit = stage.Type
		}

		ended, err := x.runStage(ctx, cur, owner, i, stage, previousTaskID)
		x.throttle.Release(permit)
		permit = ""
		if err != nil {
			if errors.Is(err, storage.ErrNotOwner) {
				x.displaced(id)
				return nil
			}
			if ctx.Err() != nil {
				x.logger.Infof("Execution %s suspended at stage %s: %v", id, stage.Type, ctx.Err())
				return ctx.Err()
			}
			x.logger.Errorf("Execution %s failed at stage %s: %v", id, stage.Type, err)
			if ferr := x.finishFrom(ctx, id, owner, models.FailedExecutionStatus, models.CancelledStageStatus); ferr != nil {
				return ferr
			}
			return err
		}
		if ended.Status == models.FinishedStageStatus {
			previousTaskID = ended.ExternalTaskID
		}
	}

	cur, err := x.store.GetExecution(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "reload execution %s", id)
	}
	if cur.Status.Terminal() {
		return nil
	}
	if cur.Owner != owner {
		x.displaced(id)
		return nil
	}
	if cur.Cancelling {
		return x.finish(ctx, cur, owner, models.CancelledExecutionStatus, models.CancelledStageStatus)
	}
	return x.finish(ctx, cur, owner, models.FinishedExecutionStatus, models.CancelledStageStatus)
}

// runStage submits the stage, or resumes it when it already has a task, and
// polls until the task system reports a terminal state. It returns the stage
// as last persisted.
func (x *Executor) runStage(ctx context.Context, e models.WorkflowExecution, owner string, index int, stage models.StageExecution, previousTaskID string) (models.StageExecution, error) {
	if stage.Status != models.RunningStageStatus || stage.ExternalTaskID == "" {
		taskID, err := x.tasks.Submit(ctx, taskclient.Submission{
			ExecutionID:       e.ID,
			DatasetID:         e.DatasetID,
			StageIndex:        index,
			Config:            stage.Config,
			PredecessorTaskID: previousTaskID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return stage, ctx.Err()
			}
			return x.failStage(ctx, e.ID, owner, index, stage), errors.Wrapf(err, "submit stage %s", stage.Type)
		}
		now := x.now()
		stage.Status = models.RunningStageStatus
		stage.ExternalTaskID = taskID
		stage.StartedDate = &now
		stage.FinishedDate = nil
		if err := x.recordSubmission(ctx, e.ID, owner, index, stage); err != nil {
			x.logger.Errorf("Task %s of stage %s of execution %s is running but was not recorded: %v", taskID, stage.Type, e.ID, err)
			return stage, err
		}
		x.logger.Infof("Stage %s of execution %s started as task %s", stage.Type, e.ID, taskID)
	} else {
		x.logger.Infof("Resuming stage %s of execution %s on task %s", stage.Type, e.ID, stage.ExternalTaskID)
	}

	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return stage, ctx.Err()
		case <-ticker.C:
		}

		p, err := x.tasks.Poll(ctx, stage.ExternalTaskID)
		if err != nil {
			if ctx.Err() != nil {
				return stage, ctx.Err()
			}
			failures++
			x.logger.Warnf("Polling task %s of execution %s failed (%d/%d): %v", stage.ExternalTaskID, e.ID, failures, x.cfg.MaxPollFailures, err)
			if failures >= x.cfg.MaxPollFailures {
				return x.failStage(ctx, e.ID, owner, index, stage), errors.Wrapf(err, "poll stage %s", stage.Type)
			}
			continue
		}
		failures = 0

		stage.Progress = &models.Progress{Processed: p.Processed, Errors: p.Errors, Total: p.Total}
		if p.State.Terminal() {
			now := x.now()
			stage.Status = models.FinishedStageStatus
			if p.State == taskclient.FailedState {
				stage.Status = models.FailedStageStatus
			}
			stage.FinishedDate = &now
			if err := x.stages.SaveStage(ctx, e.ID, owner, index, stage); err != nil {
				return stage, err
			}
			x.observeStage(stage)
			x.logger.Infof("Stage %s of execution %s ended %s (processed %d, errors %d)", stage.Type, e.ID, stage.Status, p.Processed, p.Errors)
			return stage, nil
		}

		if err := x.stages.SaveStage(ctx, e.ID, owner, index, stage); err != nil {
			if errors.Is(err, storage.ErrNotOwner) {
				return stage, err
			}
			x.logger.Warnf("Progress of execution %s not saved: %v", e.ID, err)
		}
		if err := x.stages.Heartbeat(ctx, e.ID, owner); err != nil {
			if errors.Is(err, storage.ErrNotOwner) {
				return stage, err
			}
			if ctx.Err() == nil {
				x.logger.Warnf("Heartbeat of execution %s failed: %v", e.ID, err)
			}
		}
		x.observeCancelling(ctx, e.ID, owner)
	}
}

// recordSubmission persists a freshly submitted stage. The task already runs
// in the task system, so the record is retried and outlives ctx.
func (x *Executor) recordSubmission(ctx context.Context, id, owner string, index int, stage models.StageExecution) error {
	saveCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = x.stages.SaveStage(saveCtx, id, owner, index, stage); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotOwner) || attempt == recordAttempts {
			break
		}
		x.logger.Warnf("Recording task %s of execution %s failed (%d/%d): %v", stage.ExternalTaskID, id, attempt, recordAttempts, err)
		time.Sleep(x.cfg.RecordRetryDelay)
	}
	return err
}

// waitForPermit blocks until a permit for pluginType is available. The
// cancelling flag is checked and the heartbeat refreshed on every attempt.
func (x *Executor) waitForPermit(ctx context.Context, id, owner string, pluginType models.PluginType) error {
	if x.throttle.TryAcquire(pluginType) {
		return nil
	}
	x.logger.Debugf("Execution %s waiting for a %s permit", id, pluginType)
	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if x.throttle.TryAcquire(pluginType) {
			return nil
		}
		e, err := x.store.GetExecution(ctx, id)
		if err != nil {
			x.logger.Warnf("Reading execution %s while waiting for a permit failed: %v", id, err)
			continue
		}
		if e.Owner != owner {
			return storage.ErrNotOwner
		}
		if e.Cancelling {
			return errCancelRequested
		}
		if err := x.stages.Heartbeat(ctx, id, owner); err != nil {
			if errors.Is(err, storage.ErrNotOwner) {
				return err
			}
			if ctx.Err() == nil {
				x.logger.Warnf("Heartbeat of execution %s failed: %v", id, err)
			}
		}
	}
}

// observeCancelling moves a running execution to CANCELLING once cancellation
// has been requested. The in-flight stage keeps running until it ends.
func (x *Executor) observeCancelling(ctx context.Context, id, owner string) {
	e, err := x.store.GetExecution(ctx, id)
	if err != nil || e.Owner != owner || !e.Cancelling || e.Status != models.RunningExecutionStatus {
		return
	}
	if _, err := x.store.UpdateStatus(ctx, id, models.RunningExecutionStatus, models.CancellingExecutionStatus); err != nil {
		x.logger.Warnf("Failed to mark execution %s cancelling: %v", id, err)
		return
	}
	x.logger.Infof("Execution %s is cancelling, waiting for the current stage to end", id)
}

func (x *Executor) failStage(ctx context.Context, id, owner string, index int, stage models.StageExecution) models.StageExecution {
	now := x.now()
	stage.Status = models.FailedStageStatus
	stage.FinishedDate = &now
	// The record must reflect the failure even if ctx ends right now.
	if err := x.stages.SaveStage(context.WithoutCancel(ctx), id, owner, index, stage); err == nil {
		x.observeStage(stage)
	}
	return stage
}

func (x *Executor) observeStage(stage models.StageExecution) {
	if stage.StartedDate == nil || stage.FinishedDate == nil {
		x.metrics.StageFinished(stage.Type, stage.Status, 0)
		return
	}
	x.metrics.StageFinished(stage.Type, stage.Status, stage.FinishedDate.Sub(*stage.StartedDate))
}

// displaced logs that another worker has taken the execution over.
func (x *Executor) displaced(id string) {
	x.logger.Warnf("Execution %s was taken over by another worker, stopping", id)
}

// finishFrom reloads the execution and ends it from whatever non-terminal
// status it currently has.
func (x *Executor) finishFrom(ctx context.Context, id, owner string, next models.ExecutionStatus, stageStatus models.StageStatus) error {
	cur, err := x.store.GetExecution(context.WithoutCancel(ctx), id)
	if err != nil {
		return errors.Wrapf(err, "reload execution %s", id)
	}
	if cur.Status.Terminal() {
		return nil
	}
	return x.finish(ctx, cur, owner, next, stageStatus)
}

func (x *Executor) finish(ctx context.Context, e models.WorkflowExecution, owner string, next models.ExecutionStatus, stageStatus models.StageStatus) error {
	ok, err := x.stages.Finish(context.WithoutCancel(ctx), e.ID, owner, e.Status, next, stageStatus)
	if errors.Is(err, storage.ErrNotOwner) {
		x.displaced(e.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		x.logger.Warnf("Execution %s changed status concurrently, not marking it %s", e.ID, next)
		return nil
	}
	x.metrics.ExecutionFinished(next)
	x.logger.Infof("Execution %s %s", e.ID, next)
	return nil
}
