package models

import "time"

// HarvestParameters carries the harvest specific fields of a harvesting stage.
type HarvestParameters struct {
	URL                string `json:"url" db:"url" validate:"omitempty,url"` // Endpoint or file location
	SetSpec            string `json:"set_spec,omitempty" db:"set_spec"`      // OAI-PMH set, optional
	MetadataFormat     string `json:"metadata_format,omitempty" db:"metadata_format"`
	IncrementalHarvest bool   `json:"incremental_harvest" db:"incremental_harvest"`
}

// StageConfig is one requested stage of a workflow.
type StageConfig struct {
	Type    PluginType         `json:"type"`
	Enabled bool               `json:"enabled"`
	Harvest *HarvestParameters `json:"harvest,omitempty"` // Only for harvesting types
}

// Workflow is the stored default chain of a dataset.
type Workflow struct {
	DatasetID   string        `json:"dataset_id" db:"dataset_id"`
	Stages      []StageConfig `json:"stages" db:"-"`
	UpdatedDate time.Time     `json:"updated_date" db:"updated_date"`
}

// EnabledStages returns the enabled entries of the workflow in order.
func (w Workflow) EnabledStages() []StageConfig {
	var out []StageConfig
	for _, s := range w.Stages {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
