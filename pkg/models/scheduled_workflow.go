package models

import "time"

type Frequency string

const (
	OnceFrequency    Frequency = "ONCE"
	DailyFrequency   Frequency = "DAILY"
	WeeklyFrequency  Frequency = "WEEKLY"
	MonthlyFrequency Frequency = "MONTHLY"
	NoneFrequency    Frequency = "NONE"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case OnceFrequency, DailyFrequency, WeeklyFrequency, MonthlyFrequency, NoneFrequency:
		return true
	}
	return false
}

// ScheduledWorkflow is a standing request to create executions for a dataset.
type ScheduledWorkflow struct {
	DatasetID   string    `json:"dataset_id" db:"dataset_id"` // At most one per dataset
	Owner       string    `json:"owner" db:"owner"`
	PointerDate time.Time `json:"pointer_date" db:"pointer_date"` // Reference instant for recurrence
	Frequency   Frequency `json:"frequency" db:"frequency"`
	Priority    int       `json:"priority" db:"priority"`
}
