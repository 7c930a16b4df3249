package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}

func (testLogger) Infof(format string, args ...interface{}) {}

func (testLogger) Warnf(format string, args ...interface{}) {}

func (testLogger) Errorf(format string, args ...interface{}) {}

// recordingMetrics counts the events it receives.
type recordingMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	finished  map[models.ExecutionStatus]int
	requeued  map[string]int
	stages    []models.StageStatus
	maxPermit map[models.PluginType]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		outcomes:  make(map[string]int),
		finished:  make(map[models.ExecutionStatus]int),
		requeued:  make(map[string]int),
		maxPermit: make(map[models.PluginType]int),
	}
}

func (m *recordingMetrics) MessageHandled(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) PermitsInUse(t models.PluginType, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.maxPermit[t] {
		m.maxPermit[t] = n
	}
}

func (m *recordingMetrics) StageFinished(_ models.PluginType, status models.StageStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, status)
}

func (m *recordingMetrics) ExecutionFinished(status models.ExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *recordingMetrics) ExecutionsRequeued(reason string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued[reason] += n
}

func (m *recordingMetrics) WorkersBusy(int) {}

func (m *recordingMetrics) outcome(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[name]
}

// seedStage stores a finished execution holding one stage of the given type.
func seedStage(t *testing.T, store storage.Store, datasetID string, pluginType models.PluginType, errs int, finished time.Time) string {
	t.Helper()
	id := fmt.Sprintf("%s-%s-%d", datasetID, pluginType, finished.UnixNano())
	started := finished.Add(-time.Minute)
	err := store.InsertExecution(context.Background(), models.WorkflowExecution{
		ID:           id,
		DatasetID:    datasetID,
		Status:       models.FinishedExecutionStatus,
		CreatedDate:  started,
		UpdatedDate:  finished,
		FinishedDate: &finished,
		Stages: []models.StageExecution{{
			Type:           pluginType,
			Status:         models.FinishedStageStatus,
			Enabled:        true,
			ExternalTaskID: "task-" + id,
			StartedDate:    &started,
			FinishedDate:   &finished,
			Progress:       &models.Progress{Processed: 10, Errors: errs, Total: 10},
			Config:         models.StageConfig{Type: pluginType, Enabled: true},
		}},
	})
	require.NoError(t, err)
	return id
}

// insertExecution stores an execution in status with one stage per type.
func insertExecution(t *testing.T, store storage.Store, id string, status models.ExecutionStatus, updated time.Time, types ...models.PluginType) models.WorkflowExecution {
	t.Helper()
	e := models.WorkflowExecution{
		ID:          id,
		DatasetID:   "dataset-" + id,
		Status:      status,
		CreatedDate: updated,
		UpdatedDate: updated,
	}
	for _, pt := range types {
		e.Stages = append(e.Stages, models.NewStageExecution(models.StageConfig{Type: pt, Enabled: true}))
	}
	require.NoError(t, store.InsertExecution(context.Background(), e))
	return e
}

func stage(pt models.PluginType) models.StageConfig {
	return models.StageConfig{Type: pt, Enabled: true}
}

func oaiStage(url string) models.StageConfig {
	return models.StageConfig{
		Type:    models.OAIPMHHarvestPluginType,
		Enabled: true,
		Harvest: &models.HarvestParameters{URL: url, MetadataFormat: "edm"},
	}
}

// waitForStatus polls the store until the execution reaches status.
func waitForStatus(t *testing.T, store storage.Store, id string, status models.ExecutionStatus) models.WorkflowExecution {
	t.Helper()
	var e models.WorkflowExecution
	require.Eventually(t, func() bool {
		var err error
		e, err = store.GetExecution(context.Background(), id)
		return err == nil && e.Status == status
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, status)
	return e
}
