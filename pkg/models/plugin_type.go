package models

import "sort"

// PluginType identifies a processing stage kind.
type PluginType string

const (
	HTTPHarvestPluginType        PluginType = "HTTP_HARVEST"
	OAIPMHHarvestPluginType      PluginType = "OAIPMH_HARVEST"
	ValidationExternalPluginType PluginType = "VALIDATION_EXTERNAL"
	TransformationPluginType     PluginType = "TRANSFORMATION"
	ValidationInternalPluginType PluginType = "VALIDATION_INTERNAL"
	NormalizationPluginType      PluginType = "NORMALIZATION"
	EnrichmentPluginType         PluginType = "ENRICHMENT"
	MediaProcessPluginType       PluginType = "MEDIA_PROCESS"
	PreviewPluginType            PluginType = "PREVIEW"
	PublishPluginType            PluginType = "PUBLISH"
	LinkCheckingPluginType       PluginType = "LINK_CHECKING"
	DepublishPluginType          PluginType = "DEPUBLISH"
	ReindexToPreviewPluginType   PluginType = "REINDEX_TO_PREVIEW"
	ReindexToPublishPluginType   PluginType = "REINDEX_TO_PUBLISH"
)

// pluginKind is the static metadata attached to every plugin type.
type pluginKind struct {
	harvest      bool
	wildcard     bool // any other type may precede it
	recordedOnly bool // can be found in history but never requested
	predecessors []PluginType
}

var pluginKinds = map[PluginType]pluginKind{
	HTTPHarvestPluginType:        {harvest: true},
	OAIPMHHarvestPluginType:      {harvest: true},
	ValidationExternalPluginType: {predecessors: []PluginType{OAIPMHHarvestPluginType, HTTPHarvestPluginType}},
	TransformationPluginType:     {predecessors: []PluginType{ValidationExternalPluginType}},
	ValidationInternalPluginType: {predecessors: []PluginType{TransformationPluginType}},
	NormalizationPluginType:      {predecessors: []PluginType{ValidationInternalPluginType}},
	EnrichmentPluginType:         {predecessors: []PluginType{NormalizationPluginType}},
	MediaProcessPluginType:       {predecessors: []PluginType{EnrichmentPluginType}},
	PreviewPluginType:            {predecessors: []PluginType{MediaProcessPluginType, ReindexToPreviewPluginType}},
	PublishPluginType:            {predecessors: []PluginType{PreviewPluginType, ReindexToPublishPluginType}},
	DepublishPluginType:          {predecessors: []PluginType{PublishPluginType}},
	LinkCheckingPluginType:       {wildcard: true},
	ReindexToPreviewPluginType:   {recordedOnly: true},
	ReindexToPublishPluginType:   {recordedOnly: true},
}

// AllPluginTypes returns every known plugin type in a stable order.
func AllPluginTypes() []PluginType {
	types := make([]PluginType, 0, len(pluginKinds))
	for t := range pluginKinds {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ParsePluginType returns the plugin type named s and whether it is known.
func ParsePluginType(s string) (PluginType, bool) {
	t := PluginType(s)
	_, ok := pluginKinds[t]
	return t, ok
}

// Valid reports whether t is a known plugin type.
func (t PluginType) Valid() bool {
	_, ok := pluginKinds[t]
	return ok
}

// IsHarvest reports whether t starts a chain.
func (t PluginType) IsHarvest() bool {
	return pluginKinds[t].harvest
}

// IsWildcard reports whether t accepts any other type as predecessor.
func (t PluginType) IsWildcard() bool {
	return pluginKinds[t].wildcard
}

// Requestable reports whether t may appear in a requested chain.
func (t PluginType) Requestable() bool {
	k, ok := pluginKinds[t]
	return ok && !k.recordedOnly
}

// Predecessors returns the set of types that may immediately precede t.
// Harvest types return an empty set; the wildcard type returns every other type.
func (t PluginType) Predecessors() []PluginType {
	k, ok := pluginKinds[t]
	if !ok {
		return nil
	}
	if k.wildcard {
		all := AllPluginTypes()
		others := make([]PluginType, 0, len(all)-1)
		for _, other := range all {
			if other != t {
				others = append(others, other)
			}
		}
		return others
	}
	out := make([]PluginType, len(k.predecessors))
	copy(out, k.predecessors)
	return out
}

// CanFollow reports whether t may run immediately after prev.
func (t PluginType) CanFollow(prev PluginType) bool {
	for _, p := range t.Predecessors() {
		if p == prev {
			return true
		}
	}
	return false
}

func (t PluginType) String() string {
	return string(t)
}
