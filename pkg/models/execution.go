package models

import "time"

type ExecutionStatus string

const (
	QueuedExecutionStatus     ExecutionStatus = "QUEUED"
	RunningExecutionStatus    ExecutionStatus = "RUNNING"
	FinishedExecutionStatus   ExecutionStatus = "FINISHED"
	FailedExecutionStatus     ExecutionStatus = "FAILED"
	CancelledExecutionStatus  ExecutionStatus = "CANCELLED"
	CancellingExecutionStatus ExecutionStatus = "CANCELLING"
)

// Terminal reports whether the execution has ended.
func (s ExecutionStatus) Terminal() bool {
	return s == FinishedExecutionStatus || s == FailedExecutionStatus || s == CancelledExecutionStatus
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case QueuedExecutionStatus, RunningExecutionStatus, FinishedExecutionStatus,
		FailedExecutionStatus, CancelledExecutionStatus, CancellingExecutionStatus:
		return true
	}
	return false
}

// WorkflowExecution is one attempt to run a stage chain against a dataset.
type WorkflowExecution struct {
	ID                string           `json:"id" db:"id"`                 // UUIDv7, sortable by creation time
	DatasetID         string           `json:"dataset_id" db:"dataset_id"` // Dataset the chain runs against
	Status            ExecutionStatus  `json:"status" db:"status"`
	Cancelling        bool             `json:"cancelling" db:"cancelling"` // Cooperative cancellation request
	CancelledBy       string           `json:"cancelled_by,omitempty" db:"cancelled_by"`
	Priority          int              `json:"priority" db:"priority"`
	PredecessorTaskID string           `json:"predecessor_task_id,omitempty" db:"predecessor_task_id"` // Task the first enabled stage chains after
	Owner             string           `json:"owner,omitempty" db:"owner"`                             // Claim token of the worker running it
	CreatedDate       time.Time        `json:"created_date" db:"created_date"`
	StartedDate       *time.Time       `json:"started_date,omitempty" db:"started_date"`
	UpdatedDate       time.Time        `json:"updated_date" db:"updated_date"` // Liveness heartbeat
	FinishedDate      *time.Time       `json:"finished_date,omitempty" db:"finished_date"`
	Stages            []StageExecution `json:"stages,omitempty" db:"-"`
}

// FirstPendingStage returns the index of the first enabled stage that has not
// reached a terminal state, or -1 when there is none.
func (e WorkflowExecution) FirstPendingStage() int {
	for i, s := range e.Stages {
		if s.Enabled && !s.Status.Terminal() {
			return i
		}
	}
	return -1
}
