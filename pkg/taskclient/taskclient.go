// Package taskclient defines the boundary to the external task processing
// system that performs the content work of every stage.
package taskclient

import (
	"context"

	"github.com/europeana/metis-framework-sub004/pkg/models"
)

type State string

const (
	PendingState  State = "PENDING"
	RunningState  State = "RUNNING"
	FinishedState State = "FINISHED"
	FailedState   State = "FAILED"
)

// Terminal reports whether the task will not progress further.
func (s State) Terminal() bool {
	return s == FinishedState || s == FailedState
}

// Submission describes one stage to run.
type Submission struct {
	ExecutionID string             `json:"execution_id"`
	DatasetID   string             `json:"dataset_id"`
	StageIndex  int                `json:"stage_index"`
	Config      models.StageConfig `json:"config"`
	// PredecessorTaskID is the task whose output this stage consumes, if any.
	PredecessorTaskID string `json:"predecessor_task_id,omitempty"`
}

// Progress is a snapshot of a task.
type Progress struct {
	State     State  `json:"state"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Client submits stages and polls their progress.
type Client interface {
	Submit(ctx context.Context, s Submission) (string, error)
	Poll(ctx context.Context, taskID string) (Progress, error)
}
