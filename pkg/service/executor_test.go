package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/europeana/metis-framework-sub004/pkg/taskclient"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedTasks reports every task as running until the gate is opened.
type gatedTasks struct {
	*taskclient.Fake
	gate chan struct{}
}

func newGatedTasks() *gatedTasks {
	return &gatedTasks{Fake: taskclient.NewFake(), gate: make(chan struct{})}
}

func (g *gatedTasks) Poll(ctx context.Context, taskID string) (taskclient.Progress, error) {
	select {
	case <-g.gate:
		return g.Fake.Poll(ctx, taskID)
	default:
		return taskclient.Progress{State: taskclient.RunningState, Processed: 1, Total: 10}, nil
	}
}

// unreachableTasks accepts submissions but can never be polled.
type unreachableTasks struct {
	*taskclient.Fake
}

func (unreachableTasks) Poll(context.Context, string) (taskclient.Progress, error) {
	return taskclient.Progress{}, errors.New("connection refused")
}

type harness struct {
	store    storage.Store
	locks    *lock.MemoryService
	queue    *queue.MemoryQueue
	throttle *service.Throttle
	metrics  *recordingMetrics
	svc      *service.WorkflowService
	claimer  *service.Claimer
	executor *service.Executor
}

func newHarness(t *testing.T, throttleSize int, tasks taskclient.Client) *harness {
	t.Helper()
	return newHarnessWithStore(t, storage.NewMemoryStore(), throttleSize, tasks, testLogger{})
}

func newHarnessWithStore(t *testing.T, store storage.Store, throttleSize int, tasks taskclient.Client, logger service.Logger) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		locks:   lock.NewMemoryService(),
		queue:   queue.NewMemoryQueue(),
		metrics: newRecordingMetrics(),
	}
	var err error
	h.throttle, err = service.NewThrottle(throttleSize, testLogger{}, h.metrics)
	require.NoError(t, err)
	h.svc = service.NewWorkflowService(h.store, h.queue, testLogger{})
	h.claimer = service.NewClaimer(h.store, h.locks, time.Minute, testLogger{})
	h.executor = service.NewExecutor(
		h.store,
		service.NewStageService(h.store, h.locks, testLogger{}),
		tasks,
		h.throttle,
		service.ExecutorConfig{PollInterval: 5 * time.Millisecond, MaxPollFailures: 3, RecordRetryDelay: time.Millisecond},
		logger,
		h.metrics,
	)
	return h
}

// enqueueAndClaim creates an execution of stages and claims it, returning its
// id and claim token.
func (h *harness) enqueueAndClaim(t *testing.T, datasetID string, stages ...models.StageConfig) (string, string) {
	t.Helper()
	ctx := context.Background()
	e, err := h.svc.AddWorkflowInQueue(ctx, datasetID, stages, nil, 5)
	require.NoError(t, err)
	r, claimed, err := h.claimer.Claim(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, service.Claimed, r)
	require.NotEmpty(t, claimed.Owner)
	return claimed.ID, claimed.Owner
}

func harvestChain() []models.StageConfig {
	return []models.StageConfig{
		oaiStage("http://example.org/oai"),
		stage(models.ValidationExternalPluginType),
		stage(models.TransformationPluginType),
	}
}

func TestExecutor_RunsAllStages(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	tasks.Script(string(models.ValidationExternalPluginType),
		taskclient.Progress{State: taskclient.RunningState, Processed: 4, Total: 10},
		taskclient.Progress{State: taskclient.FinishedState, Processed: 10, Total: 10},
	)
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", harvestChain()...)

	require.NoError(t, h.executor.Run(ctx, id, owner, ""))

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FinishedExecutionStatus, e.Status)
	assert.NotNil(t, e.FinishedDate)
	for _, s := range e.Stages {
		assert.Equal(t, models.FinishedStageStatus, s.Status)
		assert.NotEmpty(t, s.ExternalTaskID)
		assert.NotNil(t, s.StartedDate)
		assert.NotNil(t, s.FinishedDate)
		require.NotNil(t, s.Progress)
	}
	assert.Equal(t, 10, e.Stages[1].Progress.Processed)

	submitted := tasks.Submitted()
	require.Len(t, submitted, 3)
	assert.Empty(t, submitted[0].PredecessorTaskID)
	assert.Equal(t, e.Stages[0].ExternalTaskID, submitted[1].PredecessorTaskID)
	assert.Equal(t, e.Stages[1].ExternalTaskID, submitted[2].PredecessorTaskID)

	for _, pt := range []models.PluginType{models.OAIPMHHarvestPluginType, models.ValidationExternalPluginType, models.TransformationPluginType} {
		assert.Equal(t, 0, h.throttle.InUse(pt))
	}
	assert.Equal(t, 1, h.metrics.finished[models.FinishedExecutionStatus])
}

func TestExecutor_ReleasesHeldPermit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, taskclient.NewFake())
	id, owner := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"))

	require.True(t, h.throttle.TryAcquire(models.OAIPMHHarvestPluginType))
	require.NoError(t, h.executor.Run(ctx, id, owner, models.OAIPMHHarvestPluginType))
	assert.Equal(t, 0, h.throttle.InUse(models.OAIPMHHarvestPluginType))
}

func TestExecutor_StageErrorsDoNotFailExecution(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	tasks.Script(string(models.ValidationExternalPluginType),
		taskclient.Progress{State: taskclient.FailedState, Processed: 10, Errors: 4, Total: 10},
	)
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", harvestChain()...)

	require.NoError(t, h.executor.Run(ctx, id, owner, ""))

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FinishedExecutionStatus, e.Status)
	assert.Equal(t, models.FailedStageStatus, e.Stages[1].Status)
	assert.Equal(t, 4, e.Stages[1].Progress.Errors)
	assert.Equal(t, models.FinishedStageStatus, e.Stages[2].Status)
	assert.Equal(t, e.Stages[0].ExternalTaskID, tasks.Submitted()[2].PredecessorTaskID)
}

func TestExecutor_SubmitFailureFailsExecution(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", harvestChain()...)
	tasks.FailSubmissions(errors.New("task system unavailable"))

	err := h.executor.Run(ctx, id, owner, "")
	assert.Error(t, err)

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FailedExecutionStatus, e.Status)
	assert.Equal(t, models.FailedStageStatus, e.Stages[0].Status)
	assert.Equal(t, models.CancelledStageStatus, e.Stages[1].Status)
	assert.Equal(t, models.CancelledStageStatus, e.Stages[2].Status)
	assert.Equal(t, 0, h.throttle.InUse(models.OAIPMHHarvestPluginType))
}

func TestExecutor_GivesUpOnUnreachableTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, unreachableTasks{Fake: taskclient.NewFake()})
	id, owner := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"))

	assert.Error(t, h.executor.Run(ctx, id, owner, ""))

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FailedExecutionStatus, e.Status)
	assert.Equal(t, models.FailedStageStatus, e.Stages[0].Status)
}

func TestExecutor_TerminalExecutionIsNoop(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarness(t, 1, tasks)
	insertExecution(t, h.store, "done", models.FinishedExecutionStatus, time.Now(), models.EnrichmentPluginType)

	require.NoError(t, h.executor.Run(ctx, "done", "", ""))
	assert.Empty(t, tasks.Submitted())
}

func TestExecutor_CancelWhileRunning(t *testing.T) {
	ctx := context.Background()
	tasks := newGatedTasks()
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", harvestChain()...)

	result := make(chan error, 1)
	go func() { result <- h.executor.Run(ctx, id, owner, "") }()

	require.Eventually(t, func() bool {
		e, err := h.store.GetExecution(ctx, id)
		return err == nil && e.Stages[0].Status == models.RunningStageStatus
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.svc.CancelExecution(ctx, id, "curator"))
	waitForStatus(t, h.store, id, models.CancellingExecutionStatus)
	close(tasks.gate)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop after cancellation")
	}

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledExecutionStatus, e.Status)
	assert.Equal(t, "curator", e.CancelledBy)
	assert.Equal(t, models.FinishedStageStatus, e.Stages[0].Status, "the in-flight stage runs to completion")
	assert.Equal(t, models.CancelledStageStatus, e.Stages[1].Status)
	assert.Equal(t, models.CancelledStageStatus, e.Stages[2].Status)
	assert.Len(t, tasks.Submitted(), 1, "no stage starts after cancellation")
}

func TestExecutor_SuspendAndResume(t *testing.T) {
	tasks := newGatedTasks()
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"), stage(models.ValidationExternalPluginType))

	runCtx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- h.executor.Run(runCtx, id, owner, "") }()

	require.Eventually(t, func() bool {
		e, err := h.store.GetExecution(context.Background(), id)
		return err == nil && e.Stages[0].Progress != nil
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("executor ignored context cancellation")
	}

	e, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, e.Status)
	assert.Equal(t, models.RunningStageStatus, e.Stages[0].Status)
	assert.Equal(t, models.QueuedStageStatus, e.Stages[1].Status)
	assert.Equal(t, 0, h.throttle.InUse(models.OAIPMHHarvestPluginType))

	close(tasks.gate)
	require.NoError(t, h.executor.Run(context.Background(), id, owner, ""))

	e, err = h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.FinishedExecutionStatus, e.Status)
	assert.Len(t, tasks.Submitted(), 2, "the running stage is resumed, not resubmitted")
}

func TestExecutor_StopsWhenTakenOver(t *testing.T) {
	ctx := context.Background()
	tasks := newGatedTasks()
	h := newHarness(t, 2, tasks)
	id, owner := h.enqueueAndClaim(t, "ds", harvestChain()...)

	result := make(chan error, 1)
	go func() { result <- h.executor.Run(ctx, id, owner, "") }()

	require.Eventually(t, func() bool {
		e, err := h.store.GetExecution(ctx, id)
		return err == nil && e.Stages[0].Status == models.RunningStageStatus
	}, 5*time.Second, time.Millisecond)

	ok, err := h.store.ReclaimStale(ctx, id, time.Now().Add(time.Hour), "other-worker")
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor kept running after another worker took over")
	}
	close(tasks.gate)

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, e.Status)
	assert.Equal(t, "other-worker", e.Owner)
	assert.Equal(t, models.RunningStageStatus, e.Stages[0].Status, "the stage is left to the new owner")
	assert.Equal(t, models.QueuedStageStatus, e.Stages[1].Status)
	assert.Len(t, tasks.Submitted(), 1)
	assert.Equal(t, 0, h.throttle.InUse(models.OAIPMHHarvestPluginType))
	assert.Empty(t, h.metrics.finished)
}

func TestExecutor_RefusesForeignClaim(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarness(t, 1, tasks)
	id, _ := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"))

	require.NoError(t, h.executor.Run(ctx, id, "stale-token", ""))
	assert.Empty(t, tasks.Submitted())

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunningExecutionStatus, e.Status)
	assert.Equal(t, models.QueuedStageStatus, e.Stages[0].Status)
}

// flakyStore fails the first failures stage writes.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) UpdateStage(ctx context.Context, id, owner string, index int, st models.StageExecution) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return f.Store.UpdateStage(ctx, id, owner, index, st)
}

// recordingLogger keeps every error line.
type recordingLogger struct {
	testLogger
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) logged(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.errors {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestExecutor_RetriesRecordingSubmittedTask(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarnessWithStore(t, &flakyStore{Store: storage.NewMemoryStore(), failures: 1}, 1, tasks, testLogger{})
	id, owner := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"))

	require.NoError(t, h.executor.Run(ctx, id, owner, ""))

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FinishedExecutionStatus, e.Status)
	assert.Equal(t, "task-1", e.Stages[0].ExternalTaskID)
	assert.Len(t, tasks.Submitted(), 1, "the task is recorded, not submitted again")
}

func TestExecutor_LogsUnrecordedTask(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	logger := &recordingLogger{}
	h := newHarnessWithStore(t, &flakyStore{Store: storage.NewMemoryStore(), failures: 1000}, 1, tasks, logger)
	id, owner := h.enqueueAndClaim(t, "ds", oaiStage("http://example.org/oai"))

	assert.Error(t, h.executor.Run(ctx, id, owner, ""))

	e, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FailedExecutionStatus, e.Status)
	assert.Len(t, tasks.Submitted(), 1)
	assert.True(t, logger.logged("task-1"), "the running task id must reach the logs")
}
