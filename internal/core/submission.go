package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputMode controls which optional artifacts aggregation produces.
type OutputMode string

const (
	OutputDefault       OutputMode = "default"
	OutputWithSourceCSV OutputMode = "with_source_csv"
)

// MaxSlugLength bounds report identifiers.
const MaxSlugLength = 255

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)

// Prompts holds the system prompts for each LLM-backed stage.
type Prompts struct {
	Extraction       string `json:"extraction" yaml:"extraction"`
	InitialLabelling string `json:"initial_labelling" yaml:"initial_labelling"`
	MergeLabelling   string `json:"merge_labelling" yaml:"merge_labelling"`
	Overview         string `json:"overview" yaml:"overview"`
	Classification   string `json:"classification,omitempty" yaml:"classification"` // Only used with categories
}

// Category is one value an argument can be sorted into.
type Category struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// CategorySet is a named classification, such as sentiment or topic. Every
// argument is assigned one of its categories, recorded as an argument
// property under the set's name.
type CategorySet struct {
	Name       string     `json:"name" yaml:"name"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// Submission is everything needed to run a report.
type Submission struct {
	ID                string     `json:"id" yaml:"id"`
	Question          string     `json:"question" yaml:"question"`
	Intro             string     `json:"intro" yaml:"intro"`
	Comments          []Comment     `json:"comments,omitempty" yaml:"comments"`
	Limit             int           `json:"limit,omitempty" yaml:"limit"` // Process only the first Limit comments; 0 means all
	ClusterSizes      []int         `json:"cluster_sizes" yaml:"cluster_sizes"`
	Categories        []CategorySet `json:"categories,omitempty" yaml:"categories"`
	Model             string        `json:"model" yaml:"model"`
	WorkerConcurrency int           `json:"worker_concurrency" yaml:"worker_concurrency"`
	Prompts           Prompts       `json:"prompts" yaml:"prompts"`
	OutputMode        OutputMode    `json:"output_mode" yaml:"output_mode"`
	IsPublic          bool          `json:"is_public" yaml:"is_public"`
}

// SubmissionDefaults fills fields a caller may leave empty.
type SubmissionDefaults struct {
	Model             string
	WorkerConcurrency int
	Prompts           Prompts
}

// ValidateSlug checks that a report identifier is safe to use as a directory name.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("report id is empty")
	}
	if len(slug) > MaxSlugLength {
		return fmt.Errorf("report id is longer than %d characters", MaxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("report id %q may only contain lowercase letters, digits and inner hyphens", slug)
	}
	return nil
}

// ApplyDefaults fills empty model, concurrency, output mode and prompts.
func (s *Submission) ApplyDefaults(d SubmissionDefaults) {
	if s.Model == "" {
		s.Model = d.Model
	}
	if s.WorkerConcurrency == 0 {
		s.WorkerConcurrency = d.WorkerConcurrency
	}
	if s.OutputMode == "" {
		s.OutputMode = OutputDefault
	}
	if s.Prompts.Extraction == "" {
		s.Prompts.Extraction = d.Prompts.Extraction
	}
	if s.Prompts.InitialLabelling == "" {
		s.Prompts.InitialLabelling = d.Prompts.InitialLabelling
	}
	if s.Prompts.MergeLabelling == "" {
		s.Prompts.MergeLabelling = d.Prompts.MergeLabelling
	}
	if s.Prompts.Overview == "" {
		s.Prompts.Overview = d.Prompts.Overview
	}
	if s.Prompts.Classification == "" && len(s.Categories) > 0 {
		s.Prompts.Classification = d.Prompts.Classification
	}
}

// Validate checks the submission and reports every problem at once.
func (s *Submission) Validate() error {
	var problems []string

	if err := ValidateSlug(s.ID); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(s.Question) == "" {
		problems = append(problems, "question is required")
	}

	if len(s.Comments) == 0 {
		problems = append(problems, "at least one comment is required")
	}
	seen := make(map[string]bool, len(s.Comments))
	for i, c := range s.Comments {
		if c.ID == "" {
			problems = append(problems, fmt.Sprintf("comment %d has no id", i))
			continue
		}
		if seen[c.ID] {
			problems = append(problems, fmt.Sprintf("duplicate comment id %q", c.ID))
		}
		seen[c.ID] = true
	}

	if s.Limit < 0 {
		problems = append(problems, "limit must not be negative")
	}

	if len(s.ClusterSizes) == 0 {
		problems = append(problems, "cluster_sizes must list at least one level")
	}
	for i, n := range s.ClusterSizes {
		if n <= 0 {
			problems = append(problems, fmt.Sprintf("cluster_sizes[%d] must be positive", i))
		}
		if i > 0 && n <= s.ClusterSizes[i-1] {
			problems = append(problems, "cluster_sizes must be strictly increasing")
			break
		}
	}

	if s.WorkerConcurrency < 1 {
		problems = append(problems, "worker_concurrency must be at least 1")
	}

	switch s.OutputMode {
	case OutputDefault, OutputWithSourceCSV, "":
	default:
		problems = append(problems, fmt.Sprintf("unknown output_mode %q", s.OutputMode))
	}

	if s.Prompts.Extraction == "" || s.Prompts.InitialLabelling == "" ||
		s.Prompts.MergeLabelling == "" || s.Prompts.Overview == "" {
		problems = append(problems, "all four prompts are required")
	}

	problems = append(problems, s.validateCategories()...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid submission:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

func (s *Submission) validateCategories() []string {
	if len(s.Categories) == 0 {
		return nil
	}
	var problems []string
	if s.Prompts.Classification == "" {
		problems = append(problems, "categories need a classification prompt")
	}

	props := make(map[string]bool)
	for _, c := range s.Comments {
		for k := range c.Properties {
			props[k] = true
		}
	}

	sets := make(map[string]bool, len(s.Categories))
	for i, set := range s.Categories {
		name := strings.TrimSpace(set.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("categories[%d] has no name", i))
			continue
		case sets[name]:
			problems = append(problems, fmt.Sprintf("duplicate category set %q", name))
		case props[name]:
			problems = append(problems, fmt.Sprintf("category set %q collides with a comment property", name))
		}
		sets[name] = true

		if len(set.Categories) == 0 {
			problems = append(problems, fmt.Sprintf("category set %q lists no categories", name))
		}
		values := make(map[string]bool, len(set.Categories))
		for _, c := range set.Categories {
			v := strings.ToLower(strings.TrimSpace(c.Name))
			if v == "" {
				problems = append(problems, fmt.Sprintf("category set %q has a category without a name", name))
				continue
			}
			if values[v] {
				problems = append(problems, fmt.Sprintf("category set %q lists %q twice", name, c.Name))
			}
			values[v] = true
		}
	}
	return problems
}

// SelectedComments returns the comments a run processes: all of them, or
// the first Limit when a limit is set.
func (s *Submission) SelectedComments() []Comment {
	if s.Limit > 0 && s.Limit < len(s.Comments) {
		return s.Comments[:s.Limit]
	}
	return s.Comments
}

// CommentByID indexes the selected comments by id.
func (s *Submission) CommentByID() map[string]Comment {
	selected := s.SelectedComments()
	m := make(map[string]Comment, len(selected))
	for _, c := range selected {
		m[c.ID] = c
	}
	return m
}

// LoadSubmission reads a submission from a .json, .yaml or .yml file.
func LoadSubmission(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission: %w", err)
	}

	var sub Submission
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("failed to parse YAML submission: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("failed to parse JSON submission: %w", err)
		}
	}
	return &sub, nil
}
