package asynqtask_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/europeana/metis-framework-sub004/internal/asynqtask"
	"github.com/europeana/metis-framework-sub004/internal/testutil"
	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/taskclient"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_SubmitAndPoll(t *testing.T) {
	tr := testutil.SetupTestRedis(t)
	defer tr.Teardown(t)

	log := logrus.New()
	log.SetOutput(io.Discard)
	client := asynqtask.NewClient(asynqtask.Config{RedisAddr: tr.Addr}, log)
	defer client.Close()

	ctx := context.Background()
	taskID, err := client.Submit(ctx, taskclient.Submission{
		ExecutionID:       "e1",
		DatasetID:         "ds",
		Config:            models.StageConfig{Type: models.EnrichmentPluginType, Enabled: true},
		PredecessorTaskID: "metis-normalization/prev",
	})
	require.NoError(t, err)

	p, err := client.Poll(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, taskclient.PendingState, p.State)

	received := make(chan taskclient.Submission, 1)
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: tr.Addr}, asynq.Config{
		Concurrency: 1,
		Queues:      asynqtask.Queues(models.EnrichmentPluginType),
		Logger:      log,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(asynqtask.TaskType(models.EnrichmentPluginType), func(_ context.Context, task *asynq.Task) error {
		s, err := asynqtask.DecodeSubmission(task)
		if err != nil {
			return err
		}
		received <- s
		return asynqtask.ReportProgress(task, 10, 1, 10, "")
	})
	require.NoError(t, srv.Start(mux))
	defer srv.Shutdown()

	select {
	case s := <-received:
		assert.Equal(t, "e1", s.ExecutionID)
		assert.Equal(t, "metis-normalization/prev", s.PredecessorTaskID)
	case <-time.After(10 * time.Second):
		t.Fatal("stage task was never delivered")
	}

	require.Eventually(t, func() bool {
		p, err = client.Poll(ctx, taskID)
		return err == nil && p.State == taskclient.FinishedState
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 10, p.Processed)
	assert.Equal(t, 1, p.Errors)

	_, err = client.Poll(ctx, "metis-enrichment/missing")
	assert.Error(t, err)
	_, err = client.Poll(ctx, "malformed")
	assert.Error(t, err)
}
