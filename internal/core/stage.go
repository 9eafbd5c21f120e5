package core

import (
	"encoding/json"
	"fmt"
)

// Stage is one step of the report pipeline. The zero value is not a valid stage.
type Stage int

const (
	StageExtraction Stage = iota + 1
	StageEmbedding
	StageClustering
	StageInitialLabelling
	StageMergeLabelling
	StageOverview
	StageAggregation
	StageVisualization
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageExtraction,
	StageEmbedding,
	StageClustering,
	StageInitialLabelling,
	StageMergeLabelling,
	StageOverview,
	StageAggregation,
	StageVisualization,
}

var stageNames = map[Stage]string{
	StageExtraction:       "extraction",
	StageEmbedding:        "embedding",
	StageClustering:       "hierarchical_clustering",
	StageInitialLabelling: "hierarchical_initial_labelling",
	StageMergeLabelling:   "hierarchical_merge_labelling",
	StageOverview:         "hierarchical_overview",
	StageAggregation:      "hierarchical_aggregation",
	StageVisualization:    "hierarchical_visualization",
}

var stageDisplayNames = map[Stage]string{
	StageExtraction:       "Extracting opinions",
	StageEmbedding:        "Embedding opinions",
	StageClustering:       "Clustering opinions",
	StageInitialLabelling: "Labelling groups",
	StageMergeLabelling:   "Merging group labels",
	StageOverview:         "Writing overview",
	StageAggregation:      "Assembling result",
	StageVisualization:    "Rendering report",
}

// String returns the wire name of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// DisplayName returns a human-readable label for progress displays.
func (s Stage) DisplayName() string {
	if name, ok := stageDisplayNames[s]; ok {
		return name
	}
	return s.String()
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Index returns the zero-based position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStage converts a wire name back into a Stage.
func ParseStage(name string) (Stage, error) {
	for st, n := range stageNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalJSON encodes the stage by its wire name.
func (s Stage) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid stage %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a stage from its wire name.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
