package service

import (
	"context"
	"strings"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkflowService is the entry point for requesting, cancelling and inspecting
// workflow executions and for maintaining dataset workflows and schedules.
type WorkflowService struct {
	store     storage.Store
	queue     queue.Queue
	validator *PluginValidator
	now       func() time.Time
	logger    Logger
}

func NewWorkflowService(store storage.Store, q queue.Queue, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:     store,
		queue:     q,
		validator: NewPluginValidator(store),
		now:       time.Now,
		logger:    orNop(logger),
	}
}

// AddWorkflowInQueue validates the chain, stores a QUEUED execution and
// publishes it. Validation errors are returned as *ValidationError. A failed
// publish is only logged: the execution is durable and the failsafe monitor
// publishes it again.
func (ws *WorkflowService) AddWorkflowInQueue(ctx context.Context, datasetID string, stages []models.StageConfig, enforced *models.PluginType, priority int) (models.WorkflowExecution, error) {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return models.WorkflowExecution{}, badContent("dataset id is required")
	}
	stages = append([]models.StageConfig(nil), stages...)
	predecessor, err := ws.validator.Validate(ctx, datasetID, stages, enforced)
	if err != nil {
		return models.WorkflowExecution{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrap(err, "generate execution id")
	}
	now := ws.now()
	e := models.WorkflowExecution{
		ID:          id.String(),
		DatasetID:   datasetID,
		Status:      models.QueuedExecutionStatus,
		Priority:    queue.ClampPriority(priority),
		CreatedDate: now,
		UpdatedDate: now,
		Stages:      make([]models.StageExecution, 0, len(stages)),
	}
	if predecessor != nil {
		e.PredecessorTaskID = predecessor.Stage.ExternalTaskID
	}
	for _, cfg := range stages {
		e.Stages = append(e.Stages, models.NewStageExecution(cfg))
	}

	if err := ws.store.InsertExecution(ctx, e); err != nil {
		ws.logger.Errorf("Failed to store execution for dataset %s: %v", datasetID, err)
		return models.WorkflowExecution{}, errors.Wrapf(err, "store execution for dataset %s", datasetID)
	}
	if err := ws.queue.Publish(ctx, e.ID, e.Priority); err != nil {
		ws.logger.Warnf("Execution %s stored but not published, failsafe will retry: %v", e.ID, err)
	}
	ws.logger.Infof("Execution %s queued for dataset %s with priority %d", e.ID, datasetID, e.Priority)
	return e, nil
}

// CancelExecution requests cooperative cancellation. The owning executor, or
// the claimer for a queued execution, performs the actual transition.
func (ws *WorkflowService) CancelExecution(ctx context.Context, id, by string) error {
	e, err := ws.store.GetExecution(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "get execution %s", id)
	}
	if e.Status.Terminal() {
		return errors.Wrapf(ErrExecutionFinished, "execution %s is %s", id, e.Status)
	}
	if err := ws.store.SetCancelling(ctx, id, by); err != nil {
		return errors.Wrapf(err, "cancel execution %s", id)
	}
	ws.logger.Infof("Cancellation of execution %s requested by %s", id, by)
	return nil
}

func (ws *WorkflowService) GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	e, err := ws.store.GetExecution(ctx, id)
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "get execution %s", id)
	}
	return e, nil
}

func (ws *WorkflowService) ListExecutions(ctx context.Context, status models.ExecutionStatus, pageToken string, limit int) (storage.Page, error) {
	if !status.Valid() {
		return storage.Page{}, badContent("unknown execution status %q", status)
	}
	page, err := ws.store.ListByStatus(ctx, status, pageToken, limit)
	if err != nil {
		return storage.Page{}, errors.Wrapf(err, "list %s executions", status)
	}
	return page, nil
}

// SaveWorkflow stores the default chain of a dataset. Only the chain itself
// is checked here; the predecessor is resolved when an execution is requested.
func (ws *WorkflowService) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	w.DatasetID = strings.TrimSpace(w.DatasetID)
	if w.DatasetID == "" {
		return badContent("dataset id is required")
	}
	w.Stages = append([]models.StageConfig(nil), w.Stages...)
	if _, err := ws.validator.ValidateChain(w.Stages); err != nil {
		return err
	}
	w.UpdatedDate = ws.now()
	if err := ws.store.SaveWorkflow(ctx, w); err != nil {
		return errors.Wrapf(err, "save workflow of dataset %s", w.DatasetID)
	}
	return nil
}

func (ws *WorkflowService) GetWorkflow(ctx context.Context, datasetID string) (models.Workflow, error) {
	w, err := ws.store.GetWorkflow(ctx, datasetID)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow of dataset %s", datasetID)
	}
	return w, nil
}

// ScheduleWorkflow creates or replaces the schedule of a dataset. The dataset
// must have a stored workflow.
func (ws *WorkflowService) ScheduleWorkflow(ctx context.Context, sw models.ScheduledWorkflow) error {
	sw.DatasetID = strings.TrimSpace(sw.DatasetID)
	if sw.DatasetID == "" {
		return badContent("dataset id is required")
	}
	if !sw.Frequency.Valid() {
		return badContent("unknown frequency %q", sw.Frequency)
	}
	if sw.PointerDate.IsZero() {
		return badContent("pointer date is required")
	}
	if _, err := ws.store.GetWorkflow(ctx, sw.DatasetID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notAllowed("dataset %s has no workflow to schedule", sw.DatasetID)
		}
		return errors.Wrapf(err, "get workflow of dataset %s", sw.DatasetID)
	}
	sw.Priority = queue.ClampPriority(sw.Priority)
	if err := ws.store.SaveScheduledWorkflow(ctx, sw); err != nil {
		return errors.Wrapf(err, "schedule workflow of dataset %s", sw.DatasetID)
	}
	ws.logger.Infof("Workflow of dataset %s scheduled %s from %s", sw.DatasetID, sw.Frequency, sw.PointerDate.UTC().Format(time.RFC3339))
	return nil
}

func (ws *WorkflowService) UnscheduleWorkflow(ctx context.Context, datasetID string) error {
	if err := ws.store.DeleteScheduledWorkflow(ctx, datasetID); err != nil {
		return errors.Wrapf(err, "unschedule workflow of dataset %s", datasetID)
	}
	return nil
}
