package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/europeana/metis-framework-sub004/pkg/taskclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(h *harness, pool *service.WorkerPool, throttleWait time.Duration) *service.Dispatcher {
	return service.NewDispatcher(h.queue, h.claimer, h.throttle, pool, h.executor, service.DispatcherConfig{
		PollTimeout:  200 * time.Millisecond,
		ThrottleWait: throttleWait,
		PermitRetry:  5 * time.Millisecond,
	}, testLogger{}, h.metrics)
}

func consume(t *testing.T, q queue.Queue) *queue.Delivery {
	t.Helper()
	d, err := q.Consume(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestDispatcher_EndToEnd(t *testing.T) {
	tasks := taskclient.NewFake()
	h := newHarness(t, 1, tasks)
	pool := service.NewWorkerPool(testLogger{}, h.metrics)
	pool.Start(2)
	defer pool.Stop()
	d := newDispatcher(h, pool, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, context.Background()) }()

	var ids []string
	for _, ds := range []string{"ds-1", "ds-2", "ds-3"} {
		e, err := h.svc.AddWorkflowInQueue(context.Background(), ds, harvestChain(), nil, 3)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		waitForStatus(t, h.store, id, models.FinishedExecutionStatus)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Len(t, tasks.Submitted(), 9)
	assert.Equal(t, 0, h.queue.Len())
	assert.LessOrEqual(t, h.metrics.maxPermit[models.OAIPMHHarvestPluginType], 1)
	assert.LessOrEqual(t, h.metrics.maxPermit[models.TransformationPluginType], 1)
}

func TestDispatcher_DropsStaleMessage(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarness(t, 1, tasks)
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 0)

	before := insertExecution(t, h.store, "done", models.FinishedExecutionStatus, time.Now().Add(-time.Hour), models.EnrichmentPluginType)
	require.NoError(t, h.queue.Publish(ctx, "done", 1))

	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))

	contains, err := h.queue.Contains(ctx, "done")
	require.NoError(t, err)
	assert.False(t, contains, "stale message is acknowledged")
	after, err := h.store.GetExecution(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.UpdatedDate.Equal(after.UpdatedDate))
	assert.Empty(t, tasks.Submitted())
	assert.Equal(t, 1, h.metrics.outcome(service.OutcomeStale))
}

func TestDispatcher_CancelsQueuedExecution(t *testing.T) {
	ctx := context.Background()
	tasks := taskclient.NewFake()
	h := newHarness(t, 1, tasks)
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 0)

	e, err := h.svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 0)
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelExecution(ctx, e.ID, "curator"))

	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))

	got, err := h.store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledExecutionStatus, got.Status)
	for _, s := range got.Stages {
		assert.Equal(t, models.CancelledStageStatus, s.Status)
	}
	assert.Empty(t, tasks.Submitted())
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 1, h.metrics.outcome(service.OutcomeCancelled))
}

func TestDispatcher_RequeuesWhenThrottled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, taskclient.NewFake())
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 20*time.Millisecond)

	e, err := h.svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 0)
	require.NoError(t, err)
	require.True(t, h.throttle.TryAcquire(models.OAIPMHHarvestPluginType))

	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))

	got, err := h.store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedExecutionStatus, got.Status)
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, 1, h.throttle.InUse(models.OAIPMHHarvestPluginType))
	assert.Equal(t, 1, h.metrics.outcome(service.OutcomeThrottled))

	h.throttle.Release(models.OAIPMHHarvestPluginType)
	msg := consume(t, h.queue)
	assert.True(t, msg.Redelivered)
	require.NoError(t, d.Handle(ctx, ctx, msg))
	waitForStatus(t, h.store, e.ID, models.FinishedExecutionStatus)
}

func TestDispatcher_RequeuesWhenPoolFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, taskclient.NewFake())
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 0)

	release := make(chan struct{})
	defer close(release)
	require.Eventually(t, func() bool {
		return pool.TrySubmit(func() { <-release }) == nil
	}, time.Second, time.Millisecond)

	e, err := h.svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 0)
	require.NoError(t, err)

	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))

	got, err := h.store.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedExecutionStatus, got.Status)
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, 0, h.throttle.InUse(models.OAIPMHHarvestPluginType), "permit is returned on rejection")
	assert.Equal(t, 1, h.metrics.outcome(service.OutcomePoolFull))
}

func TestDispatcher_NacksOnInterruptedWait(t *testing.T) {
	h := newHarness(t, 1, taskclient.NewFake())
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 150*time.Millisecond)

	e, err := h.svc.AddWorkflowInQueue(context.Background(), "ds", harvestChain(), nil, 0)
	require.NoError(t, err)
	require.True(t, h.throttle.TryAcquire(models.OAIPMHHarvestPluginType))
	msg := consume(t, h.queue)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- d.Handle(ctx, ctx, msg) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("handle ignored cancellation")
	}

	got, err := h.store.GetExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuedExecutionStatus, got.Status)
	assert.Equal(t, 1, h.queue.Len(), "message is requeued before the interruption propagates")
}

func TestDispatcher_RedeliveryOfRunningExecution(t *testing.T) {
	ctx := context.Background()
	tasks := newGatedTasks()
	h := newHarness(t, 2, tasks)
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(2)
	defer pool.Stop()
	d := newDispatcher(h, pool, 0)

	e, err := h.svc.AddWorkflowInQueue(ctx, "ds", []models.StageConfig{oaiStage("http://example.org/oai")}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))
	waitForStatus(t, h.store, e.ID, models.RunningExecutionStatus)

	require.NoError(t, h.queue.Publish(ctx, e.ID, 0))
	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))
	assert.Equal(t, 1, h.metrics.outcome(service.OutcomeStale), "a live execution is never claimed twice")

	close(tasks.gate)
	waitForStatus(t, h.store, e.ID, models.FinishedExecutionStatus)
	assert.Len(t, tasks.Submitted(), 1)
}

func TestDispatcher_DispatchesToFreshPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, taskclient.NewFake())
	pool := service.NewWorkerPool(testLogger{}, nil)
	pool.Start(1)
	defer pool.Stop()
	d := newDispatcher(h, pool, 0)

	e, err := h.svc.AddWorkflowInQueue(ctx, "ds", harvestChain(), nil, 0)
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, ctx, consume(t, h.queue)))

	assert.Equal(t, 1, h.metrics.outcome(service.OutcomeDispatched))
	assert.Equal(t, 0, h.metrics.outcome(service.OutcomePoolFull))
	waitForStatus(t, h.store, e.ID, models.FinishedExecutionStatus)
}
