package models

import "time"

type StageStatus string

const (
	QueuedStageStatus    StageStatus = "QUEUED"
	RunningStageStatus   StageStatus = "RUNNING"
	FinishedStageStatus  StageStatus = "FINISHED"
	FailedStageStatus    StageStatus = "FAILED"
	CancelledStageStatus StageStatus = "CANCELLED"
)

// Terminal reports whether no further transition is expected.
func (s StageStatus) Terminal() bool {
	return s == FinishedStageStatus || s == FailedStageStatus || s == CancelledStageStatus
}

// Progress holds the counters reported by the external task system.
type Progress struct {
	Processed int `json:"processed" db:"processed"`
	Errors    int `json:"errors" db:"errors"`
	Total     int `json:"total" db:"total"`
}

// StageExecution represents one stage run inside a workflow execution.
type StageExecution struct {
	Type           PluginType  `json:"type" db:"stage_type"`
	Status         StageStatus `json:"status" db:"status"`
	Enabled        bool        `json:"enabled" db:"enabled"`
	ExternalTaskID string      `json:"external_task_id,omitempty" db:"external_task_id"` // Handle into the task system
	StartedDate    *time.Time  `json:"started_date,omitempty" db:"started_date"`
	FinishedDate   *time.Time  `json:"finished_date,omitempty" db:"finished_date"`
	Progress       *Progress   `json:"progress,omitempty" db:"-"` // nil until the task system reports
	Config         StageConfig `json:"config" db:"-"`
}

// Successful reports whether the stage can serve as a predecessor.
func (s StageExecution) Successful() bool {
	return s.Status == FinishedStageStatus && s.Progress != nil && s.Progress.Errors == 0
}

// NewStageExecution creates a queued stage from its configuration.
func NewStageExecution(cfg StageConfig) StageExecution {
	return StageExecution{
		Type:    cfg.Type,
		Status:  QueuedStageStatus,
		Enabled: cfg.Enabled,
		Config:  cfg,
	}
}
