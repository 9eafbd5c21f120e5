package core

import "time"

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

const (
	ReportProcessing ReportStatus = "processing"
	ReportReady      ReportStatus = "ready"
	ReportError      ReportStatus = "error"
)

// Report is the registry entry for one report run.
type Report struct {
	Slug        string       `json:"slug"`                   // Report identifier
	Title       string       `json:"title"`                  // The question the report answers
	Description string       `json:"description"`            // Intro text
	Status      ReportStatus `json:"status"`                 // processing, ready or error
	CurrentStep string       `json:"current_step,omitempty"` // Last stage reported by the orchestrator
	ErrorStep   string       `json:"error_step,omitempty"`   // Stage that failed, when Status is error
	IsPublic    bool         `json:"is_public"`              // Whether the report may be listed publicly
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Comment is one raw input comment.
type Comment struct {
	ID         string            `json:"id"`                   // Unique identifier within the report
	Text       string            `json:"comment"`              // Raw comment body
	Source     string            `json:"source,omitempty"`     // Optional source label
	URL        string            `json:"url,omitempty"`        // Optional link to the original
	Properties map[string]string `json:"properties,omitempty"` // Optional auxiliary attributes
}

// Argument is an atomic opinion extracted from exactly one comment.
type Argument struct {
	ID        string `json:"arg_id"`     // A{commentID}_{index}
	CommentID string `json:"comment_id"` // Owning comment
	Text      string `json:"argument"`   // Extracted opinion text
}

// Relation links an argument back to its comment, carrying the comment's properties.
type Relation struct {
	ArgumentID string            `json:"arg_id"`
	CommentID  string            `json:"comment_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Embedding is the vector for one argument.
type Embedding struct {
	ArgumentID string    `json:"arg_id"`
	Vector     []float64 `json:"embedding"`
}

// ArgumentPlacement records where an argument lands in the reduced space and in the tree.
type ArgumentPlacement struct {
	ArgumentID string   `json:"arg_id"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	ClusterIDs []string `json:"cluster_ids"` // One id per level, coarsest first
}

// ClusterNode is a cluster as produced by the clustering engine, before labelling.
type ClusterNode struct {
	ID     string `json:"id"`
	Level  int    `json:"level"`
	Parent string `json:"parent"` // Empty at level 1
	Value  int    `json:"value"`  // Member count
}

// ClusterTable is the hierarchical clustering artifact.
type ClusterTable struct {
	ClusterSizes []int               `json:"cluster_sizes"`
	Arguments    []ArgumentPlacement `json:"arguments"`
	Clusters     []ClusterNode       `json:"clusters"`
}

// ClusterLabel is a generated label for one cluster.
type ClusterLabel struct {
	ClusterID string `json:"cluster_id"`
	Level     int    `json:"level"`
	Label     string `json:"label"`
	Takeaway  string `json:"takeaway"`
}

// Cluster is a fully labelled cluster.
type Cluster struct {
	ID                    string  `json:"id"`
	Level                 int     `json:"level"`
	Parent                string  `json:"parent"`
	Label                 string  `json:"label"`
	Takeaway              string  `json:"takeaway"`
	Value                 int     `json:"value"`
	DensityRankPercentile float64 `json:"density_rank_percentile"`
}

// ResultArgument is an argument as it appears in the result document.
type ResultArgument struct {
	ID         string   `json:"arg_id"`
	Text       string   `json:"argument"`
	CommentID  string   `json:"comment_id"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	ClusterIDs []string `json:"cluster_ids"`
}

// ResultComment is a comment as it appears in the result document.
type ResultComment struct {
	Text   string `json:"comment"`
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Result is the self-contained document a report viewer renders.
type Result struct {
	Arguments    []ResultArgument                `json:"arguments"`
	Clusters     []Cluster                       `json:"clusters"`
	Comments     map[string]ResultComment        `json:"comments"`
	PropertyMap  map[string]map[string]string    `json:"propertyMap"`
	Translations map[string]map[string]string    `json:"translations"`
	Overview     string                          `json:"overview"`
	CommentNum   int                             `json:"comment_num"`
	ArgumentNum  int                             `json:"argument_num"`
	Config       Submission                      `json:"config"`
}
