package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDue(t *testing.T) {
	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return ts
	}

	tests := []struct {
		name      string
		frequency models.Frequency
		pointer   string
		from, to  string
		due       bool
	}{
		{"OnceInside", models.OnceFrequency, "2024-03-05T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:01:00Z", true},
		{"OnceAtWindowStart", models.OnceFrequency, "2024-03-05T10:00:00Z", "2024-03-05T10:00:00Z", "2024-03-05T10:01:00Z", false},
		{"OnceAtWindowEnd", models.OnceFrequency, "2024-03-05T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:00:00Z", true},
		{"OnceOutside", models.OnceFrequency, "2024-03-04T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:01:00Z", false},
		{"DailyAtTimeOfDay", models.DailyFrequency, "2024-01-01T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:00:00Z", true},
		{"DailyAfterTimeOfDay", models.DailyFrequency, "2024-01-01T10:00:00Z", "2024-03-05T10:00:00Z", "2024-03-05T10:01:00Z", false},
		{"DailyBeforePointer", models.DailyFrequency, "2024-06-01T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:01:00Z", false},
		{"DailyFirstActivationIsPointer", models.DailyFrequency, "2024-06-01T10:00:00Z", "2024-06-01T09:59:00Z", "2024-06-01T10:00:00Z", true},
		{"DailyPointerInOtherZone", models.DailyFrequency, "2024-01-01T10:00:00+02:00", "2024-03-05T07:59:30Z", "2024-03-05T08:00:30Z", true},
		{"WeeklySameWeekday", models.WeeklyFrequency, "2024-01-01T08:30:00Z", "2024-01-08T08:29:00Z", "2024-01-08T08:31:00Z", true},
		{"WeeklyOtherWeekday", models.WeeklyFrequency, "2024-01-01T08:30:00Z", "2024-01-09T08:29:00Z", "2024-01-09T08:31:00Z", false},
		{"MonthlySameDay", models.MonthlyFrequency, "2024-01-15T06:00:00Z", "2024-02-15T05:00:00Z", "2024-02-15T07:00:00Z", true},
		{"MonthlyShortMonthSkipped", models.MonthlyFrequency, "2024-01-31T06:00:00Z", "2024-02-29T00:00:00Z", "2024-03-01T00:00:00Z", false},
		{"MonthlyLongMonth", models.MonthlyFrequency, "2024-01-31T06:00:00Z", "2024-03-31T05:00:00Z", "2024-03-31T07:00:00Z", true},
		{"None", models.NoneFrequency, "2024-03-05T10:00:00Z", "2024-03-05T09:59:00Z", "2024-03-05T10:01:00Z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, err := service.IsDue(models.ScheduledWorkflow{
				DatasetID:   "ds",
				Frequency:   tt.frequency,
				PointerDate: at(tt.pointer),
			}, at(tt.from), at(tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.due, due)
		})
	}
}

type schedulerFixture struct {
	store     storage.Store
	queue     *queue.MemoryQueue
	locks     *lock.MemoryService
	scheduler *service.Scheduler
	mu        sync.Mutex
	now       time.Time
}

func newSchedulerFixture(t *testing.T, now time.Time) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store: storage.NewMemoryStore(),
		queue: queue.NewMemoryQueue(),
		locks: lock.NewMemoryService(),
		now:   now,
	}
	svc := service.NewWorkflowService(f.store, f.queue, testLogger{})
	f.scheduler = service.NewScheduler(f.store, f.locks, svc, service.NewMemoryCheckpoint(), service.SchedulerConfig{
		Period:          90 * time.Second,
		DefaultPriority: 4,
	}, testLogger{})
	f.scheduler.SetClock(f.clock)
	return f
}

func (f *schedulerFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *schedulerFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *schedulerFixture) schedule(t *testing.T, datasetID string, frequency models.Frequency, pointer time.Time, withWorkflow bool) {
	t.Helper()
	ctx := context.Background()
	if withWorkflow {
		require.NoError(t, f.store.SaveWorkflow(ctx, models.Workflow{
			DatasetID: datasetID,
			Stages:    []models.StageConfig{oaiStage("http://example.org/oai")},
		}))
	}
	require.NoError(t, f.store.SaveScheduledWorkflow(ctx, models.ScheduledWorkflow{
		DatasetID:   datasetID,
		Owner:       "curator",
		PointerDate: pointer,
		Frequency:   frequency,
	}))
}

func (f *schedulerFixture) queued(t *testing.T) map[string]models.WorkflowExecution {
	t.Helper()
	page, err := f.store.ListByStatus(context.Background(), models.QueuedExecutionStatus, "", 0)
	require.NoError(t, err)
	out := make(map[string]models.WorkflowExecution)
	for _, e := range page.Executions {
		out[e.DatasetID] = e
	}
	return out
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) // a Tuesday
	f := newSchedulerFixture(t, now)

	f.schedule(t, "once", models.OnceFrequency, now.Add(-30*time.Second), true)
	f.schedule(t, "daily", models.DailyFrequency, time.Date(2024, 1, 1, 9, 59, 50, 0, time.UTC), true)
	f.schedule(t, "weekly-other-day", models.WeeklyFrequency, time.Date(2024, 1, 1, 9, 59, 50, 0, time.UTC), true)
	f.schedule(t, "daily-no-workflow", models.DailyFrequency, time.Date(2024, 1, 1, 9, 59, 50, 0, time.UTC), false)
	f.schedule(t, "daily-future", models.DailyFrequency, now.AddDate(0, 1, 0), true)
	f.schedule(t, "never", models.NoneFrequency, now.Add(-time.Second), true)

	n, err := f.scheduler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	queued := f.queued(t)
	require.Len(t, queued, 2)
	assert.Contains(t, queued, "once")
	assert.Contains(t, queued, "daily")
	assert.Equal(t, 4, queued["daily"].Priority)
	assert.Equal(t, 2, f.queue.Len())

	f.advance(30 * time.Second)
	n, err = f.scheduler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a window is never evaluated twice")

	f.advance(24 * time.Hour)
	n, err = f.scheduler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the daily workflow triggers again the next day")
}

func TestScheduler_SkipsTickWhenLockUnavailable(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	f := newSchedulerFixture(t, now)
	f.schedule(t, "once", models.OnceFrequency, now.Add(-30*time.Second), true)

	held, err := f.locks.Acquire(context.Background(), lock.SchedulerLock)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.scheduler.Reconcile(ctx)
	assert.Error(t, err)
	assert.Empty(t, f.queued(t))

	require.NoError(t, held.Release(context.Background()))
	n, err := f.scheduler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the skipped window is still covered by the next tick")
}

func TestScheduler_ControllerShape(t *testing.T) {
	f := newSchedulerFixture(t, time.Now())
	assert.Equal(t, "scheduler", f.scheduler.Name())
	assert.Equal(t, 90*time.Second, f.scheduler.Interval())
}
