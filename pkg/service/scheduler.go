package service

import (
	"context"
	"fmt"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const DefaultSchedulerPeriod = 90 * time.Second

// recurrenceParser reads the second-precision specs built by recurrenceSpec.
var recurrenceParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Enqueuer creates queued executions. *WorkflowService implements it.
type Enqueuer interface {
	AddWorkflowInQueue(ctx context.Context, datasetID string, stages []models.StageConfig, enforced *models.PluginType, priority int) (models.WorkflowExecution, error)
}

// SchedulerConfig configures the Scheduler.
type SchedulerConfig struct {
	// Period is how often the scheduler ticks.
	// Default: 90 seconds.
	Period time.Duration

	// DefaultPriority is used for scheduled workflows with priority 0.
	DefaultPriority int
}

// Scheduler turns due scheduled workflows into queued executions. Each tick
// covers the window between the previous tick and now and runs under the
// scheduler lock, so only one process evaluates a window.
type Scheduler struct {
	store      storage.Store
	locks      lock.Service
	enqueuer   Enqueuer
	checkpoint Checkpoint
	cfg        SchedulerConfig
	now        func() time.Time
	logger     Logger
}

func NewScheduler(store storage.Store, locks lock.Service, enqueuer Enqueuer, checkpoint Checkpoint, cfg SchedulerConfig, logger Logger) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultSchedulerPeriod
	}
	if checkpoint == nil {
		checkpoint = NewMemoryCheckpoint()
	}
	return &Scheduler{
		store:      store,
		locks:      locks,
		enqueuer:   enqueuer,
		checkpoint: checkpoint,
		cfg:        cfg,
		now:        time.Now,
		logger:     orNop(logger),
	}
}

func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Period
}

// Reconcile runs one tick and returns the number of executions enqueued.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	var triggered int
	err := lock.Do(ctx, s.locks, lock.SchedulerLock, s.logger, func(ctx context.Context) error {
		var err error
		triggered, err = s.tick(ctx)
		return err
	})
	if err != nil {
		s.logger.Warnf("Scheduler tick abandoned: %v", err)
	}
	return triggered, err
}

func (s *Scheduler) tick(ctx context.Context) (int, error) {
	now := s.now().UTC().Truncate(time.Second)
	from, ok, err := s.checkpoint.Load(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load scheduler checkpoint")
	}
	if !ok || from.After(now) {
		from = now.Add(-s.cfg.Period)
	}
	if !now.After(from) {
		return 0, nil
	}

	due, err := s.dueWorkflows(ctx, from, now)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, sw := range due {
		if err := s.trigger(ctx, sw); err != nil {
			s.logger.Errorf("Scheduled workflow of dataset %s not triggered: %v", sw.DatasetID, err)
			continue
		}
		triggered++
	}

	if err := s.checkpoint.Save(context.WithoutCancel(ctx), now); err != nil {
		return triggered, errors.Wrap(err, "save scheduler checkpoint")
	}
	return triggered, nil
}

// dueWorkflows lists the scheduled workflows with an activation in (from, to].
func (s *Scheduler) dueWorkflows(ctx context.Context, from, to time.Time) ([]models.ScheduledWorkflow, error) {
	due, err := s.store.ListScheduledOnce(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list one-off scheduled workflows")
	}
	for _, f := range []models.Frequency{models.DailyFrequency, models.WeeklyFrequency, models.MonthlyFrequency} {
		list, err := s.store.ListScheduledWorkflows(ctx, f)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s scheduled workflows", f)
		}
		for _, sw := range list {
			ok, err := IsDue(sw, from, to)
			if err != nil {
				s.logger.Errorf("Scheduled workflow of dataset %s skipped: %v", sw.DatasetID, err)
				continue
			}
			if ok {
				due = append(due, sw)
			}
		}
	}
	return due, nil
}

func (s *Scheduler) trigger(ctx context.Context, sw models.ScheduledWorkflow) error {
	wf, err := s.store.GetWorkflow(ctx, sw.DatasetID)
	if err != nil {
		return errors.Wrapf(err, "load workflow of dataset %s", sw.DatasetID)
	}
	priority := sw.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	e, err := s.enqueuer.AddWorkflowInQueue(ctx, sw.DatasetID, wf.Stages, nil, priority)
	if err != nil {
		return err
	}
	s.logger.Infof("Scheduled %s workflow of dataset %s enqueued as execution %s", sw.Frequency, sw.DatasetID, e.ID)
	return nil
}

// IsDue reports whether sw has an activation in (from, to]. Recurring
// workflows activate at the time of day of their pointer date, on the same
// weekday for WEEKLY and the same day of month for MONTHLY, never before the
// pointer date. Months without that day are skipped.
func IsDue(sw models.ScheduledWorkflow, from, to time.Time) (bool, error) {
	pointer := sw.PointerDate.UTC().Truncate(time.Second)
	switch sw.Frequency {
	case models.OnceFrequency:
		return pointer.After(from) && !pointer.After(to), nil
	case models.NoneFrequency:
		return false, nil
	}
	spec, err := recurrenceSpec(sw.Frequency, pointer)
	if err != nil {
		return false, err
	}
	schedule, err := recurrenceParser.Parse(spec)
	if err != nil {
		return false, errors.Wrapf(err, "parse recurrence %q", spec)
	}
	start := from
	if floor := pointer.Add(-time.Second); floor.After(start) {
		start = floor
	}
	next := schedule.Next(start)
	return !next.IsZero() && !next.After(to), nil
}

func recurrenceSpec(f models.Frequency, p time.Time) (string, error) {
	switch f {
	case models.DailyFrequency:
		return fmt.Sprintf("CRON_TZ=UTC %d %d %d * * *", p.Second(), p.Minute(), p.Hour()), nil
	case models.WeeklyFrequency:
		return fmt.Sprintf("CRON_TZ=UTC %d %d %d * * %d", p.Second(), p.Minute(), p.Hour(), int(p.Weekday())), nil
	case models.MonthlyFrequency:
		return fmt.Sprintf("CRON_TZ=UTC %d %d %d %d * *", p.Second(), p.Minute(), p.Hour(), p.Day()), nil
	}
	return "", errors.Errorf("frequency %q has no recurrence", f)
}
