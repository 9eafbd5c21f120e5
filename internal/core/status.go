package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunState is the coarse state of a pipeline run. A run that has not yet
// started its first stage is running at that stage: current_step carries no
// separate queued value.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunError     RunState = "error"
)

// Wire values of current_step for terminal states.
const (
	StepCompleted = "completed"
	StepError     = "error"
)

// CompletedStage records a finished stage and how long it took.
type CompletedStage struct {
	Stage    Stage         `json:"step"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"` // Reused from an earlier run
}

// Status is a snapshot of a run's progress. Values are immutable once published.
type Status struct {
	State     RunState
	Stage     Stage // Current stage while running, failing stage on error
	Total     int   // Items the current stage will process, when known
	Processed int   // Items processed so far in the current stage
	Completed []CompletedStage
	Message   string // Error message on failure
	StartedAt time.Time
	EndedAt   time.Time
}

// CurrentStep returns the value a polling client sees as current_step.
func (s Status) CurrentStep() string {
	switch s.State {
	case RunCompleted:
		return StepCompleted
	case RunError:
		return StepError
	}
	if s.Stage.Valid() {
		return s.Stage.String()
	}
	return Stages[0].String()
}

// ErrorStep returns the failing stage name, or "" if the run has not failed.
func (s Status) ErrorStep() string {
	if s.State == RunError && s.Stage.Valid() {
		return s.Stage.String()
	}
	return ""
}

// Terminal reports whether the run has finished, successfully or not.
func (s Status) Terminal() bool {
	return s.State == RunCompleted || s.State == RunError
}

type statusWire struct {
	CurrentStep string           `json:"current_step"`
	ErrorStep   string           `json:"error_step,omitempty"`
	Total       int              `json:"total,omitempty"`
	Processed   int              `json:"processed,omitempty"`
	Completed   []CompletedStage `json:"completed_jobs,omitempty"`
	Message     string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"start_time,omitempty"`
	EndedAt     *time.Time       `json:"end_time,omitempty"`
}

// MarshalJSON encodes the status in the shape polling clients expect.
func (s Status) MarshalJSON() ([]byte, error) {
	w := statusWire{
		CurrentStep: s.CurrentStep(),
		ErrorStep:   s.ErrorStep(),
		Total:       s.Total,
		Processed:   s.Processed,
		Completed:   s.Completed,
		Message:     s.Message,
	}
	if !s.StartedAt.IsZero() {
		w.StartedAt = &s.StartedAt
	}
	if !s.EndedAt.IsZero() {
		w.EndedAt = &s.EndedAt
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a status written by MarshalJSON.
func (s *Status) UnmarshalJSON(data []byte) error {
	var w statusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Status{
		Total:     w.Total,
		Processed: w.Processed,
		Completed: w.Completed,
		Message:   w.Message,
	}
	if w.StartedAt != nil {
		out.StartedAt = *w.StartedAt
	}
	if w.EndedAt != nil {
		out.EndedAt = *w.EndedAt
	}

	switch w.CurrentStep {
	case StepCompleted:
		out.State = RunCompleted
	case StepError:
		out.State = RunError
		if w.ErrorStep != "" {
			st, err := ParseStage(w.ErrorStep)
			if err != nil {
				return fmt.Errorf("invalid error_step: %w", err)
			}
			out.Stage = st
		}
	default:
		st, err := ParseStage(w.CurrentStep)
		if err != nil {
			return fmt.Errorf("invalid current_step: %w", err)
		}
		out.State = RunRunning
		out.Stage = st
	}

	*s = out
	return nil
}

// ProgressFunc receives item-level progress from a running stage.
type ProgressFunc func(processed, total int)

// Report calls f if it is set.
func (f ProgressFunc) Report(processed, total int) {
	if f != nil {
		f(processed, total)
	}
}
