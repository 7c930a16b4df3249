package service

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	// ClaimStale means the message no longer refers to claimable work and
	// should be acknowledged and dropped.
	ClaimStale ClaimResult = iota
	// Claimed means the caller now owns the execution.
	Claimed
	// ClaimCancelled means a queued execution was cancelled instead of started.
	ClaimCancelled
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case ClaimCancelled:
		return "cancelled"
	default:
		return "stale"
	}
}

// Claimer performs the exclusive QUEUED to RUNNING transition. Only one caller
// across the fleet can observe Claimed for a given execution at a time.
type Claimer struct {
	store    storage.Store
	locks    lock.Service
	liveness time.Duration
	now      func() time.Time
	logger   Logger
}

// NewClaimer creates a claimer. Executions in RUNNING or CANCELLING whose
// heartbeat is older than liveness are treated as orphaned and can be taken over.
func NewClaimer(store storage.Store, locks lock.Service, liveness time.Duration, logger Logger) *Claimer {
	return &Claimer{
		store:    store,
		locks:    locks,
		liveness: liveness,
		now:      time.Now,
		logger:   orNop(logger),
	}
}

// Claim attempts to take ownership of the execution. On Claimed the returned
// execution reflects the stored record after the transition and its Owner is
// the claim token the runner must act under. Taking over an orphaned execution
// replaces the token, which locks out the previous runner should it still be
// alive.
func (c *Claimer) Claim(ctx context.Context, id string) (ClaimResult, *models.WorkflowExecution, error) {
	e, err := c.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Infof("Execution %s no longer exists, dropping", id)
		return ClaimStale, nil, nil
	}
	if err != nil {
		return ClaimStale, nil, errors.Wrapf(err, "read execution %s", id)
	}
	if e.Status.Terminal() {
		return ClaimStale, nil, nil
	}

	owner := uuid.NewString()
	switch e.Status {
	case models.QueuedExecutionStatus:
		if e.Cancelling {
			ok, err := c.store.FinishExecution(ctx, id, "", models.QueuedExecutionStatus, models.CancelledExecutionStatus, models.CancelledStageStatus)
			if err != nil {
				return ClaimStale, nil, errors.Wrapf(err, "cancel queued execution %s", id)
			}
			if !ok {
				return ClaimStale, nil, nil
			}
			c.logger.Infof("Execution %s cancelled before start", id)
			return ClaimCancelled, nil, nil
		}
		ok, err := c.store.ClaimExecution(ctx, id, owner)
		if err != nil {
			return ClaimStale, nil, errors.Wrapf(err, "claim execution %s", id)
		}
		if !ok {
			return ClaimStale, nil, nil
		}
	case models.RunningExecutionStatus, models.CancellingExecutionStatus:
		if c.now().Sub(e.UpdatedDate) < c.liveness {
			return ClaimStale, nil, nil
		}
		var ok bool
		err := lock.DoBestEffort(ctx, c.locks, lock.ExecutionLivenessLock, c.logger, func(ctx context.Context) error {
			var rerr error
			ok, rerr = c.store.ReclaimStale(ctx, id, c.now().Add(-c.liveness), owner)
			return rerr
		})
		if err != nil {
			return ClaimStale, nil, errors.Wrapf(err, "reclaim execution %s", id)
		}
		if !ok {
			return ClaimStale, nil, nil
		}
		c.logger.Infof("Took over orphaned execution %s from owner %s", id, e.Owner)
	default:
		return ClaimStale, nil, nil
	}

	claimed, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return ClaimStale, nil, errors.Wrapf(err, "reload claimed execution %s", id)
	}
	return Claimed, &claimed, nil
}

// Unclaim hands a claimed execution back to the queue state so a later
// delivery can claim it again.
func (c *Claimer) Unclaim(ctx context.Context, e *models.WorkflowExecution) error {
	if e.Status == models.QueuedExecutionStatus {
		return nil
	}
	ok, err := c.store.UpdateStatus(ctx, e.ID, e.Status, models.QueuedExecutionStatus)
	if err != nil {
		return errors.Wrapf(err, "unclaim execution %s", e.ID)
	}
	if !ok {
		c.logger.Warnf("Execution %s changed status before it could be unclaimed", e.ID)
	}
	return nil
}
