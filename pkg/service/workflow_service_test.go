package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingPublisher drops every publish with an error.
type failingPublisher struct {
	*queue.MemoryQueue
}

func (failingPublisher) Publish(context.Context, string, int) error {
	return errors.New("broker unreachable")
}

func TestWorkflowService_AddWorkflowInQueue(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue()
	svc := service.NewWorkflowService(store, q, testLogger{})

	e, err := svc.AddWorkflowInQueue(ctx, "  ds  ", harvestChain(), nil, 15)
	require.NoError(t, err)

	_, err = uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, "ds", e.DatasetID)
	assert.Equal(t, models.QueuedExecutionStatus, e.Status)
	assert.Equal(t, queue.MaxPriority, e.Priority)
	assert.Empty(t, e.PredecessorTaskID)
	require.Len(t, e.Stages, 3)
	for _, s := range e.Stages {
		assert.Equal(t, models.QueuedStageStatus, s.Status)
	}

	stored, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)

	d, err := q.Consume(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, e.ID, d.ExecutionID)
	assert.Equal(t, queue.MaxPriority, d.Priority)
}

func TestWorkflowService_AddWorkflowInQueueRecordsPredecessor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, queue.NewMemoryQueue(), testLogger{})
	seeded := seedStage(t, store, "ds", models.OAIPMHHarvestPluginType, 0, time.Now().Add(-time.Hour))

	e, err := svc.AddWorkflowInQueue(ctx, "ds", []models.StageConfig{stage(models.ValidationExternalPluginType)}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "task-"+seeded, e.PredecessorTaskID)
}

func TestWorkflowService_AddWorkflowInQueueRejectsInvalidChain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q := queue.NewMemoryQueue()
	svc := service.NewWorkflowService(store, q, testLogger{})

	_, err := svc.AddWorkflowInQueue(ctx, "ds", []models.StageConfig{stage(models.TransformationPluginType)}, nil, 0)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, service.ErrPluginExecutionNotAllowed)

	_, err = svc.AddWorkflowInQueue(ctx, " ", harvestChain(), nil, 0)
	assert.ErrorIs(t, err, service.ErrBadContent)

	page, err := store.ListByStatus(ctx, models.QueuedExecutionStatus, "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Executions)
	assert.Equal(t, 0, q.Len())
}

func TestWorkflowService_AddWorkflowInQueueSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, failingPublisher{queue.NewMemoryQueue()}, testLogger{})

	e, err := svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 3)
	require.NoError(t, err)

	stored, err := store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedExecutionStatus, stored.Status)
}

func TestWorkflowService_CancelExecution(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, queue.NewMemoryQueue(), testLogger{})

	t.Run("Queued", func(t *testing.T) {
		e, err := svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 0)
		require.NoError(t, err)
		require.NoError(t, svc.CancelExecution(ctx, e.ID, "curator"))

		got, err := svc.GetExecution(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, got.Cancelling)
		assert.Equal(t, "curator", got.CancelledBy)
		assert.Equal(t, models.QueuedExecutionStatus, got.Status, "the claimer performs the transition")
	})

	t.Run("Finished", func(t *testing.T) {
		insertExecution(t, store, "done", models.FinishedExecutionStatus, time.Now(), models.EnrichmentPluginType)
		err := svc.CancelExecution(ctx, "done", "curator")
		assert.ErrorIs(t, err, service.ErrExecutionFinished)
	})

	t.Run("Unknown", func(t *testing.T) {
		err := svc.CancelExecution(ctx, "missing", "curator")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestWorkflowService_ListExecutions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, queue.NewMemoryQueue(), testLogger{})
	insertExecution(t, store, "a", models.RunningExecutionStatus, time.Now(), models.EnrichmentPluginType)
	insertExecution(t, store, "b", models.QueuedExecutionStatus, time.Now(), models.EnrichmentPluginType)

	page, err := svc.ListExecutions(ctx, models.RunningExecutionStatus, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Executions, 1)
	assert.Equal(t, "a", page.Executions[0].ID)

	_, err = svc.ListExecutions(ctx, models.ExecutionStatus("PAUSED"), "", 10)
	assert.ErrorIs(t, err, service.ErrBadContent)
}

func TestWorkflowService_Workflows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, queue.NewMemoryQueue(), testLogger{})

	err := svc.SaveWorkflow(ctx, models.Workflow{DatasetID: "ds", Stages: []models.StageConfig{
		oaiStage("http://example.org/oai"),
		stage(models.TransformationPluginType),
	}})
	assert.ErrorIs(t, err, service.ErrPluginExecutionNotAllowed)

	_, err = svc.GetWorkflow(ctx, "ds")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, svc.SaveWorkflow(ctx, models.Workflow{DatasetID: "ds", Stages: harvestChain()}))
	w, err := svc.GetWorkflow(ctx, "ds")
	require.NoError(t, err)
	assert.Len(t, w.Stages, 3)
	assert.False(t, w.UpdatedDate.IsZero())
}

func TestWorkflowService_Schedules(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewWorkflowService(store, queue.NewMemoryQueue(), testLogger{})
	pointer := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	err := svc.ScheduleWorkflow(ctx, models.ScheduledWorkflow{DatasetID: "ds", Frequency: models.DailyFrequency, PointerDate: pointer})
	assert.ErrorIs(t, err, service.ErrPluginExecutionNotAllowed, "a dataset without a workflow cannot be scheduled")

	require.NoError(t, svc.SaveWorkflow(ctx, models.Workflow{DatasetID: "ds", Stages: harvestChain()}))

	err = svc.ScheduleWorkflow(ctx, models.ScheduledWorkflow{DatasetID: "ds", Frequency: models.Frequency("HOURLY"), PointerDate: pointer})
	assert.ErrorIs(t, err, service.ErrBadContent)
	err = svc.ScheduleWorkflow(ctx, models.ScheduledWorkflow{DatasetID: "ds", Frequency: models.DailyFrequency})
	assert.ErrorIs(t, err, service.ErrBadContent)

	require.NoError(t, svc.ScheduleWorkflow(ctx, models.ScheduledWorkflow{
		DatasetID:   "ds",
		Owner:       "curator",
		Frequency:   models.WeeklyFrequency,
		PointerDate: pointer,
		Priority:    42,
	}))
	sw, err := store.GetScheduledWorkflow(ctx, "ds")
	require.NoError(t, err)
	assert.Equal(t, models.WeeklyFrequency, sw.Frequency)
	assert.Equal(t, queue.MaxPriority, sw.Priority)

	require.NoError(t, svc.UnscheduleWorkflow(ctx, "ds"))
	_, err = store.GetScheduledWorkflow(ctx, "ds")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
