package storage

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotOwner is returned when an execution has been claimed by another
// worker since the caller claimed it.
var ErrNotOwner = errors.New("execution is owned by another worker")

// DefaultPageSize is used by ListByStatus when no limit is supplied.
const DefaultPageSize = 100

// Page is one slice of a listing. NextToken is empty on the last page.
type Page struct {
	Executions []models.WorkflowExecution
	NextToken  string
}

// FoundStage is a stage execution returned together with its owning execution id.
type FoundStage struct {
	ExecutionID string
	Stage       models.StageExecution
}

// Store defines the execution record operations the orchestrator relies on.
// All status transitions are conditional so concurrent callers cannot race.
//
// Methods taking an owner also require the execution to carry that claim
// token and fail with ErrNotOwner otherwise. An empty owner skips the check.
type Store interface {
	// Execution operations
	InsertExecution(ctx context.Context, e models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error)
	// ClaimExecution moves a QUEUED execution to RUNNING under owner.
	ClaimExecution(ctx context.Context, id, owner string) (bool, error)
	// UpdateStatus sets status to next only if it currently equals expected.
	// Moving back to QUEUED clears the owner.
	UpdateStatus(ctx context.Context, id string, expected, next models.ExecutionStatus) (bool, error)
	// FinishExecution is UpdateStatus that also records the finished date and
	// marks every non-terminal stage with stageStatus.
	FinishExecution(ctx context.Context, id, owner string, expected, next models.ExecutionStatus, stageStatus models.StageStatus) (bool, error)
	// ReclaimStale hands a RUNNING or CANCELLING execution whose heartbeat is
	// older than staleBefore to owner and refreshes the heartbeat.
	ReclaimStale(ctx context.Context, id string, staleBefore time.Time, owner string) (bool, error)
	UpdateHeartbeat(ctx context.Context, id, owner string) error
	UpdateStage(ctx context.Context, id, owner string, index int, stage models.StageExecution) error
	SetCancelling(ctx context.Context, id, by string) error
	FindLatestSuccessfulStage(ctx context.Context, datasetID string, types []models.PluginType) (*FoundStage, error)
	ListByStatus(ctx context.Context, status models.ExecutionStatus, pageToken string, limit int) (Page, error)

	// Dataset workflow operations
	SaveWorkflow(ctx context.Context, w models.Workflow) error
	GetWorkflow(ctx context.Context, datasetID string) (models.Workflow, error)

	// Scheduled workflow operations
	SaveScheduledWorkflow(ctx context.Context, s models.ScheduledWorkflow) error
	DeleteScheduledWorkflow(ctx context.Context, datasetID string) error
	GetScheduledWorkflow(ctx context.Context, datasetID string) (models.ScheduledWorkflow, error)
	ListScheduledWorkflows(ctx context.Context, frequency models.Frequency) ([]models.ScheduledWorkflow, error)
	// ListScheduledOnce returns ONCE workflows with from < pointer date <= to.
	ListScheduledOnce(ctx context.Context, from, to time.Time) ([]models.ScheduledWorkflow, error)

	Close() error
}
