// Package asynqtask connects the orchestrator to stage workers through asynq.
// Submitting a stage enqueues a task on the plugin type's queue; polling reads
// the task back with the asynq inspector. Stage workers report progress by
// writing a JSON result with ReportProgress.
package asynqtask

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/taskclient"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	typePrefix  = "metis:stage:"
	queuePrefix = "metis-"

	// DefaultRetention keeps finished tasks inspectable long enough for the
	// executor to observe them after a suspension.
	DefaultRetention = 7 * 24 * time.Hour
)

var _ taskclient.Client = (*Client)(nil)

// Config configures the client.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Retention is how long completed tasks stay inspectable.
	Retention time.Duration
	// MaxRetry is the number of times asynq retries a failing stage task.
	MaxRetry int
}

// Client implements taskclient.Client.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention time.Duration
	maxRetry  int
	logger    logrus.FieldLogger
}

func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		retention: cfg.Retention,
		maxRetry:  cfg.MaxRetry,
		logger:    log.WithField("component", "task_client"),
	}
}

func (c *Client) Close() error {
	err := c.client.Close()
	if ierr := c.inspector.Close(); err == nil {
		err = ierr
	}
	return err
}

// TaskType is the asynq task type of a plugin type.
func TaskType(t models.PluginType) string {
	return typePrefix + strings.ToLower(string(t))
}

// QueueName is the asynq queue stage tasks of t are enqueued on.
func QueueName(t models.PluginType) string {
	return queuePrefix + strings.ToLower(strings.ReplaceAll(string(t), "_", "-"))
}

// Queues returns the asynq queue weights for a stage worker serving types.
func Queues(types ...models.PluginType) map[string]int {
	queues := make(map[string]int, len(types))
	for _, t := range types {
		queues[QueueName(t)] = 1
	}
	return queues
}

// Submit enqueues the stage and returns "<queue>/<task id>".
func (c *Client) Submit(ctx context.Context, s taskclient.Submission) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "encode submission")
	}
	queue := QueueName(s.Config.Type)
	task := asynq.NewTask(TaskType(s.Config.Type), payload)

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(queue),
		asynq.Retention(c.retention),
		asynq.MaxRetry(c.maxRetry),
	)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"execution_id": s.ExecutionID,
			"plugin_type":  s.Config.Type,
		}).WithError(err).Error("Failed to enqueue stage task")
		return "", errors.Wrapf(err, "enqueue %s stage of execution %s", s.Config.Type, s.ExecutionID)
	}

	c.logger.WithFields(logrus.Fields{
		"execution_id": s.ExecutionID,
		"task_id":      info.ID,
		"queue":        info.Queue,
	}).Info("Stage task queued")
	return info.Queue + "/" + info.ID, nil
}

func (c *Client) Poll(_ context.Context, taskID string) (taskclient.Progress, error) {
	queue, id, ok := strings.Cut(taskID, "/")
	if !ok || queue == "" || id == "" {
		return taskclient.Progress{}, errors.Errorf("malformed task id %q", taskID)
	}
	info, err := c.inspector.GetTaskInfo(queue, id)
	if err != nil {
		return taskclient.Progress{}, errors.Wrapf(err, "inspect task %s", taskID)
	}
	return progressFromInfo(info)
}

// report is the result document written by stage workers.
type report struct {
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

func progressFromInfo(info *asynq.TaskInfo) (taskclient.Progress, error) {
	var p taskclient.Progress
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		p.State = taskclient.PendingState
	case asynq.TaskStateActive, asynq.TaskStateRetry:
		p.State = taskclient.RunningState
	case asynq.TaskStateCompleted:
		p.State = taskclient.FinishedState
	case asynq.TaskStateArchived:
		p.State = taskclient.FailedState
		p.Message = info.LastErr
	default:
		return taskclient.Progress{}, errors.Errorf("task %s in unknown state %v", info.ID, info.State)
	}

	if len(info.Result) > 0 {
		var r report
		if err := json.Unmarshal(info.Result, &r); err != nil {
			return taskclient.Progress{}, errors.Wrapf(err, "decode result of task %s", info.ID)
		}
		p.Processed, p.Errors, p.Total = r.Processed, r.Errors, r.Total
		if p.Message == "" {
			p.Message = r.Message
		}
	}
	return p, nil
}

// DecodeSubmission reads the stage description carried by a stage task.
func DecodeSubmission(t *asynq.Task) (taskclient.Submission, error) {
	var s taskclient.Submission
	if err := json.Unmarshal(t.Payload(), &s); err != nil {
		return taskclient.Submission{}, errors.Wrapf(err, "decode %s task", t.Type())
	}
	return s, nil
}

// ReportProgress records the counters of a running or finished stage task.
// The last report written before the handler returns becomes the final one.
func ReportProgress(t *asynq.Task, processed, errs, total int, message string) error {
	w := t.ResultWriter()
	if w == nil {
		return errors.New("task has no result writer")
	}
	raw, err := json.Marshal(report{Processed: processed, Errors: errs, Total: total, Message: message})
	if err != nil {
		return errors.Wrap(err, "encode progress")
	}
	if _, err := w.Write(raw); err != nil {
		return errors.Wrapf(err, "write progress of task %s", w.TaskID())
	}
	return nil
}
