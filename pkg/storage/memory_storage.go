package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store in process memory. It is safe for concurrent use
// and hands out copies, so callers never share state with the store.
type memoryStore struct {
	mu         sync.Mutex
	executions map[string]models.WorkflowExecution
	workflows  map[string]models.Workflow
	scheduled  map[string]models.ScheduledWorkflow
	now        func() time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an in-memory Store reading time from now.
func NewMemoryStoreWithClock(now func() time.Time) Store {
	return &memoryStore{
		executions: make(map[string]models.WorkflowExecution),
		workflows:  make(map[string]models.Workflow),
		scheduled:  make(map[string]models.ScheduledWorkflow),
		now:        now,
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) InsertExecution(_ context.Context, e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		return errors.New("execution id is required")
	}
	if _, ok := m.executions[e.ID]; ok {
		return errors.Errorf("execution %s already exists", e.ID)
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *memoryStore) GetExecution(_ context.Context, id string) (models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.WorkflowExecution{}, ErrNotFound
	}
	return copyExecution(e), nil
}

// owned checks the claim token of a stored execution.
func owned(e models.WorkflowExecution, owner string) error {
	if owner != "" && e.Owner != owner {
		return ErrNotOwner
	}
	return nil
}

func (m *memoryStore) ClaimExecution(_ context.Context, id, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != models.QueuedExecutionStatus {
		return false, nil
	}
	now := m.now()
	e.Status = models.RunningExecutionStatus
	e.Owner = owner
	e.UpdatedDate = now
	if e.StartedDate == nil {
		e.StartedDate = &now
	}
	m.executions[id] = e
	return true, nil
}

func (m *memoryStore) UpdateStatus(_ context.Context, id string, expected, next models.ExecutionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != expected {
		return false, nil
	}
	now := m.now()
	e.Status = next
	e.UpdatedDate = now
	if next == models.RunningExecutionStatus && e.StartedDate == nil {
		e.StartedDate = &now
	}
	if next == models.QueuedExecutionStatus {
		e.Owner = ""
	}
	m.executions[id] = e
	return true, nil
}

func (m *memoryStore) FinishExecution(_ context.Context, id, owner string, expected, next models.ExecutionStatus, stageStatus models.StageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if err := owned(e, owner); err != nil {
		return false, err
	}
	if e.Status != expected {
		return false, nil
	}
	now := m.now()
	e.Status = next
	e.UpdatedDate = now
	e.FinishedDate = &now
	for i := range e.Stages {
		if !e.Stages[i].Status.Terminal() {
			e.Stages[i].Status = stageStatus
			e.Stages[i].FinishedDate = &now
		}
	}
	m.executions[id] = e
	return true, nil
}

func (m *memoryStore) ReclaimStale(_ context.Context, id string, staleBefore time.Time, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != models.RunningExecutionStatus && e.Status != models.CancellingExecutionStatus {
		return false, nil
	}
	if !e.UpdatedDate.Before(staleBefore) {
		return false, nil
	}
	e.UpdatedDate = m.now()
	e.Owner = owner
	m.executions[id] = e
	return true, nil
}

func (m *memoryStore) UpdateHeartbeat(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if err := owned(e, owner); err != nil {
		return err
	}
	e.UpdatedDate = m.now()
	m.executions[id] = e
	return nil
}

func (m *memoryStore) UpdateStage(_ context.Context, id, owner string, index int, stage models.StageExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if err := owned(e, owner); err != nil {
		return err
	}
	if index < 0 || index >= len(e.Stages) {
		return errors.Errorf("stage index %d out of range for execution %s", index, id)
	}
	e.Stages[index] = copyStage(stage)
	e.UpdatedDate = m.now()
	m.executions[id] = e
	return nil
}

func (m *memoryStore) SetCancelling(_ context.Context, id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Cancelling = true
	e.CancelledBy = by
	m.executions[id] = e
	return nil
}

func (m *memoryStore) FindLatestSuccessfulStage(_ context.Context, datasetID string, types []models.PluginType) (*FoundStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[models.PluginType]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	var found *FoundStage
	for _, e := range m.executions {
		if e.DatasetID != datasetID {
			continue
		}
		for _, s := range e.Stages {
			if _, ok := wanted[s.Type]; !ok || !s.Successful() || s.FinishedDate == nil {
				continue
			}
			if found == nil || s.FinishedDate.After(*found.Stage.FinishedDate) {
				found = &FoundStage{ExecutionID: e.ID, Stage: copyStage(s)}
			}
		}
	}
	return found, nil
}

func (m *memoryStore) ListByStatus(_ context.Context, status models.ExecutionStatus, pageToken string, limit int) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = DefaultPageSize
	}
	var ids []string
	for id, e := range m.executions {
		if e.Status == status && id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	page := Page{}
	for i, id := range ids {
		if i == limit {
			page.NextToken = ids[i-1]
			break
		}
		page.Executions = append(page.Executions, copyExecution(m.executions[id]))
	}
	return page, nil
}

func (m *memoryStore) SaveWorkflow(_ context.Context, w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Stages = append([]models.StageConfig(nil), w.Stages...)
	w.UpdatedDate = m.now()
	m.workflows[w.DatasetID] = w
	return nil
}

func (m *memoryStore) GetWorkflow(_ context.Context, datasetID string) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[datasetID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	w.Stages = append([]models.StageConfig(nil), w.Stages...)
	return w, nil
}

func (m *memoryStore) SaveScheduledWorkflow(_ context.Context, s models.ScheduledWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[s.DatasetID] = s
	return nil
}

func (m *memoryStore) DeleteScheduledWorkflow(_ context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduled[datasetID]; !ok {
		return ErrNotFound
	}
	delete(m.scheduled, datasetID)
	return nil
}

func (m *memoryStore) GetScheduledWorkflow(_ context.Context, datasetID string) (models.ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[datasetID]
	if !ok {
		return models.ScheduledWorkflow{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListScheduledWorkflows(_ context.Context, frequency models.Frequency) ([]models.ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledWorkflow
	for _, s := range m.scheduled {
		if s.Frequency == frequency {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, nil
}

func (m *memoryStore) ListScheduledOnce(_ context.Context, from, to time.Time) ([]models.ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledWorkflow
	for _, s := range m.scheduled {
		if s.Frequency == models.OnceFrequency && s.PointerDate.After(from) && !s.PointerDate.After(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatasetID < out[j].DatasetID })
	return out, nil
}

func copyExecution(e models.WorkflowExecution) models.WorkflowExecution {
	stages := make([]models.StageExecution, len(e.Stages))
	for i, s := range e.Stages {
		stages[i] = copyStage(s)
	}
	e.Stages = stages
	return e
}

func copyStage(s models.StageExecution) models.StageExecution {
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	if s.Config.Harvest != nil {
		h := *s.Config.Harvest
		s.Config.Harvest = &h
	}
	return s
}
