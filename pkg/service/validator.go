package service

import (
	"context"
	"net/url"
	"strings"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// PluginValidator checks that a requested chain of stages is a legal sequence
// for a dataset and resolves the predecessor the chain starts from.
type PluginValidator struct {
	store    storage.Store
	validate *validator.Validate
}

func NewPluginValidator(store storage.Store) *PluginValidator {
	return &PluginValidator{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate checks stages against the plugin type graph and the history of
// datasetID. Harvest parameters are normalized in place. It returns the stage
// execution the first enabled stage follows, or nil when none is required.
func (v *PluginValidator) Validate(ctx context.Context, datasetID string, stages []models.StageConfig, enforced *models.PluginType) (*storage.FoundStage, error) {
	enabled, err := v.ValidateChain(stages)
	if err != nil {
		return nil, err
	}
	return v.resolvePredecessor(ctx, datasetID, enabled[0].Type, enforced)
}

// ValidateChain performs every check that does not depend on dataset history
// and returns the enabled stages in order.
func (v *PluginValidator) ValidateChain(stages []models.StageConfig) ([]models.StageConfig, error) {
	if len(stages) == 0 {
		return nil, badContent("workflow has no stages")
	}

	placed := make(map[models.PluginType]struct{}, len(stages))
	for i := range stages {
		t := stages[i].Type
		if t == "" {
			return nil, badContent("stage %d has no type", i)
		}
		if !t.Valid() {
			return nil, badContent("stage %d has unknown type %q", i, t)
		}
		if !t.Requestable() {
			return nil, badContent("stage type %s cannot be requested", t)
		}
		if _, dup := placed[t]; dup && !t.IsWildcard() {
			return nil, notAllowed("stage type %s appears more than once", t)
		}
		placed[t] = struct{}{}
		if t.IsHarvest() {
			if err := v.normalizeHarvest(&stages[i]); err != nil {
				return nil, err
			}
		}
	}

	var enabled []models.StageConfig
	for _, s := range stages {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil, badContent("workflow has no enabled stages")
	}

	for i := 1; i < len(enabled); i++ {
		prev, cur := enabled[i-1].Type, enabled[i].Type
		if !cur.CanFollow(prev) {
			return nil, notAllowed("stage %s cannot follow %s", cur, prev)
		}
	}
	return enabled, nil
}

func (v *PluginValidator) resolvePredecessor(ctx context.Context, datasetID string, first models.PluginType, enforced *models.PluginType) (*storage.FoundStage, error) {
	if enforced != nil {
		if !enforced.Valid() {
			return nil, badContent("unknown enforced predecessor type %q", *enforced)
		}
		if first.IsHarvest() {
			return nil, nil
		}
		found, err := v.store.FindLatestSuccessfulStage(ctx, datasetID, []models.PluginType{*enforced})
		if err != nil {
			return nil, errors.Wrapf(err, "find %s predecessor for dataset %s", *enforced, datasetID)
		}
		if found == nil {
			return nil, notAllowed("no successful %s found for dataset %s", *enforced, datasetID)
		}
		return found, nil
	}

	candidates := first.Predecessors()
	if len(candidates) == 0 {
		return nil, nil
	}
	found, err := v.store.FindLatestSuccessfulStage(ctx, datasetID, candidates)
	if err != nil {
		return nil, errors.Wrapf(err, "find predecessor of %s for dataset %s", first, datasetID)
	}
	if found == nil {
		return nil, notAllowed("no successful predecessor of %s found for dataset %s", first, datasetID)
	}
	return found, nil
}

func (v *PluginValidator) normalizeHarvest(cfg *models.StageConfig) error {
	if cfg.Harvest == nil {
		if cfg.Type == models.HTTPHarvestPluginType {
			return badContent("HTTP harvest requires a url")
		}
		return nil
	}
	h := *cfg.Harvest
	h.URL = strings.TrimSpace(h.URL)
	h.SetSpec = strings.TrimSpace(h.SetSpec)
	h.MetadataFormat = strings.TrimSpace(h.MetadataFormat)

	if h.URL == "" {
		if cfg.Type == models.HTTPHarvestPluginType {
			return badContent("HTTP harvest requires a url")
		}
		cfg.Harvest = &h
		return nil
	}
	if err := v.validate.Struct(h); err != nil {
		return badContent("malformed harvest url %q", h.URL)
	}
	u, err := url.Parse(h.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return badContent("malformed harvest url %q", h.URL)
	}
	if cfg.Type == models.OAIPMHHarvestPluginType {
		// OAI-PMH endpoints are addressed by their base path only.
		u.RawQuery = ""
		u.ForceQuery = false
		u.Fragment = ""
		u.RawFragment = ""
		h.URL = u.String()
	}
	cfg.Harvest = &h
	return nil
}
