package service

import (
	"context"

	"github.com/europeana/metis-framework-sub004/pkg/lock"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/pkg/errors"
)

// StageService persists stage progress and execution liveness on behalf of
// the executor.
type StageService struct {
	store  storage.Store
	locks  lock.Service
	logger Logger
}

func NewStageService(store storage.Store, locks lock.Service, logger Logger) *StageService {
	return &StageService{
		store:  store,
		locks:  locks,
		logger: orNop(logger),
	}
}

// SaveStage records stage on behalf of owner. It fails with
// storage.ErrNotOwner once another worker has taken the execution over.
func (ss *StageService) SaveStage(ctx context.Context, executionID, owner string, index int, stage models.StageExecution) error {
	if err := ss.store.UpdateStage(ctx, executionID, owner, index, stage); err != nil {
		if !errors.Is(err, storage.ErrNotOwner) {
			ss.logger.Errorf("Failed to save stage %d (%s) of execution %s: %v", index, stage.Type, executionID, err)
		}
		return errors.Wrapf(err, "save stage %d of execution %s", index, executionID)
	}
	return nil
}

// Heartbeat refreshes the execution's liveness timestamp while holding the
// execution liveness lock. A failing lock backend does not stop the update.
func (ss *StageService) Heartbeat(ctx context.Context, executionID, owner string) error {
	return lock.DoBestEffort(ctx, ss.locks, lock.ExecutionLivenessLock, ss.logger, func(ctx context.Context) error {
		if err := ss.store.UpdateHeartbeat(ctx, executionID, owner); err != nil {
			if !errors.Is(err, storage.ErrNotOwner) {
				ss.logger.Errorf("Failed to update heartbeat of execution %s: %v", executionID, err)
			}
			return errors.Wrapf(err, "heartbeat execution %s", executionID)
		}
		return nil
	})
}

// Finish moves the execution from expected to a terminal status, closing every
// pending stage with stageStatus.
func (ss *StageService) Finish(ctx context.Context, executionID, owner string, expected, next models.ExecutionStatus, stageStatus models.StageStatus) (bool, error) {
	ok, err := ss.store.FinishExecution(ctx, executionID, owner, expected, next, stageStatus)
	if err != nil {
		if !errors.Is(err, storage.ErrNotOwner) {
			ss.logger.Errorf("Failed to move execution %s from %s to %s: %v", executionID, expected, next, err)
		}
		return false, errors.Wrapf(err, "finish execution %s", executionID)
	}
	return ok, nil
}
