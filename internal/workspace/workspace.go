// Package workspace is the per-report artifact store. Every stage reads and
// writes through a *Workspace handle; nothing else touches report paths.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"broadlistening/internal/core"
)

// Artifact file names.
const (
	InputFile         = "input.json"
	ArgumentsFile     = "args.json"
	RelationsFile     = "relations.json"
	EmbeddingsFile    = "embeddings.json"
	ClustersFile      = "hierarchical_clusters.json"
	InitialLabelsFile = "hierarchical_initial_labels.json"
	MergeLabelsFile   = "hierarchical_merge_labels.json"
	OverviewFile      = "hierarchical_overview.txt"
	ResultFile        = "hierarchical_result.json"
	CommentsCSVFile   = "final_result_with_comments.csv"
	ReportHTMLFile    = "report.html"
	StatusFile        = "status.json"
	ParamsFile        = "stage_params.json"
)

var (
	// ErrArtifactMissing is returned when a requested artifact does not exist.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrCorruptArtifact is returned when an artifact exists but cannot be decoded.
	ErrCorruptArtifact = errors.New("artifact corrupt")
	// ErrNotFound is returned by Lookup when no workspace exists for a slug.
	ErrNotFound = errors.New("report not found")
)

// Workspace is the directory holding one report's artifacts.
type Workspace struct {
	slug string
	dir  string
}

// Open returns the workspace for slug under root, creating the directory if needed.
func Open(root, slug string) (*Workspace, error) {
	if err := core.ValidateSlug(slug); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, slug)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	return &Workspace{slug: slug, dir: dir}, nil
}

// Lookup returns the existing workspace for slug without creating it.
func Lookup(root, slug string) (*Workspace, error) {
	if err := core.ValidateSlug(slug); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, slug)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace %s: %w", dir, err)
	}
	return &Workspace{slug: slug, dir: dir}, nil
}

// Slug returns the report identifier.
func (w *Workspace) Slug() string { return w.slug }

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns the absolute location of an artifact.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Exists reports whether the artifact is present.
func (w *Workspace) Exists(name string) bool {
	info, err := os.Stat(w.Path(name))
	return err == nil && !info.IsDir()
}

// WriteJSON encodes v and atomically replaces the artifact.
func (w *Workspace) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return w.WriteBytes(name, data)
}

// ReadJSON decodes the artifact into v.
func (w *Workspace) ReadJSON(name string, v any) error {
	data, err := w.ReadBytes(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, name, err)
	}
	return nil
}

// WriteText atomically replaces a text artifact.
func (w *Workspace) WriteText(name, text string) error {
	return w.WriteBytes(name, []byte(text))
}

// ReadText reads a text artifact.
func (w *Workspace) ReadText(name string) (string, error) {
	data, err := w.ReadBytes(name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteBytes writes to a temp file in the workspace and renames it into place,
// so readers see either the previous artifact or the complete new one.
func (w *Workspace) WriteBytes(name string, data []byte) error {
	tmp, err := os.CreateTemp(w.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, w.Path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadBytes reads a raw artifact.
func (w *Workspace) ReadBytes(name string) ([]byte, error) {
	data, err := os.ReadFile(w.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, name)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes the named artifacts. Missing artifacts are ignored.
func (w *Workspace) Remove(names ...string) error {
	for _, name := range names {
		if err := os.Remove(w.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// Artifacts lists the artifact files currently present, sorted by name.
func (w *Workspace) Artifacts() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LoadInput reads the submission snapshot written when the run started.
func (w *Workspace) LoadInput() (*core.Submission, error) {
	var sub core.Submission
	if err := w.ReadJSON(InputFile, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
