// Package pipeline runs the report stages in order over a per-report
// workspace, resuming from the first stage whose outputs are missing, stale
// or invalid.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"
	"broadlistening/internal/observability"
	"broadlistening/internal/workspace"

	"github.com/google/uuid"
)

// StageError is returned when a stage fails. Artifacts of earlier stages are
// left in place.
type StageError struct {
	Stage core.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StatusSink mirrors status transitions somewhere outside the workspace,
// such as the report registry.
type StatusSink interface {
	UpdateStep(ctx context.Context, slug string, st core.Status) error
}

// Options control a single run.
type Options struct {
	Force bool // Recompute every stage
}

// Deps are the collaborators an orchestrator needs.
type Deps struct {
	Gateway  *llm.Gateway
	Settings Settings
	Steps    []Step // Defaults to DefaultSteps()
	Sink     StatusSink
	Tracker  observability.Tracker
	Log      *slog.Logger
	Now      func() time.Time
}

// Orchestrator runs the pipeline for one submission.
type Orchestrator struct {
	sub   *core.Submission
	ws    *workspace.Workspace
	deps  Deps
	opts  Options
	log   *slog.Logger
	runID string

	status atomic.Pointer[core.Status]
	mu     sync.Mutex // Serializes status writers
}

// New creates an orchestrator for sub, writing into ws.
func New(sub *core.Submission, ws *workspace.Workspace, deps Deps, opts Options) (*Orchestrator, error) {
	if sub == nil || ws == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("submission, workspace and gateway are required")
	}
	if sub.ID != ws.Slug() {
		return nil, fmt.Errorf("submission %q does not match workspace %q", sub.ID, ws.Slug())
	}
	if len(deps.Steps) == 0 {
		deps.Steps = DefaultSteps()
	}
	if deps.Tracker == nil {
		deps.Tracker = observability.Nop{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if sub.Model != "" {
		deps.Gateway = deps.Gateway.WithModel(sub.Model)
	}

	o := &Orchestrator{
		sub:   sub,
		ws:    ws,
		deps:  deps,
		opts:  opts,
		log:   deps.Log.With("slug", sub.ID),
		runID: uuid.NewString(),
	}
	o.status.Store(&core.Status{State: core.RunRunning, Stage: deps.Steps[0].Stage()})
	return o, nil
}

// Status returns the latest status snapshot. It never blocks on the run.
func (o *Orchestrator) Status() core.Status {
	return *o.status.Load()
}

// RunID identifies this orchestrator's run in logs and analytics.
func (o *Orchestrator) RunID() string { return o.runID }

// Run executes the pipeline. A cancelled context ends the run in the error
// state; the returned error is a *StageError for any stage failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := o.deps.Now()
	o.log.Info("Starting report run", "run_id", o.runID, "force", o.opts.Force)
	o.deps.Tracker.Track(ctx, observability.Event{Name: observability.EventRunStarted, RunID: o.runID, Slug: o.sub.ID})

	o.update(ctx, true, func(s *core.Status) {
		s.State = core.RunRunning
		s.Stage = o.deps.Steps[0].Stage()
		s.StartedAt = start
	})

	rc := &RunContext{
		Submission: o.sub,
		Workspace:  o.ws,
		Gateway:    o.deps.Gateway,
		Settings:   o.deps.Settings,
		Log:        o.log,
	}

	if err := o.ws.WriteJSON(workspace.InputFile, o.sub); err != nil {
		return o.fail(ctx, o.deps.Steps[0].Stage(), err)
	}
	params := o.loadParams()
	if o.opts.Force {
		if err := o.removeFrom(rc, 0, params); err != nil {
			return o.fail(ctx, o.deps.Steps[0].Stage(), err)
		}
	}

	mustRun := o.opts.Force
	for i, step := range o.deps.Steps {
		stage := step.Stage()
		log := o.log.With("stage", stage.String())
		rc.Log = log
		rc.Progress = o.progress(stage)

		if err := ctx.Err(); err != nil {
			return o.fail(ctx, stage, err)
		}

		hash, err := paramsHash(step.Params(rc))
		if err != nil {
			return o.fail(ctx, stage, err)
		}

		if !mustRun {
			reason := reusable(step, rc, params[stage.String()], hash)
			if reason == nil {
				log.Info("Reusing stage outputs")
				o.complete(ctx, stage, 0, true)
				continue
			}
			log.Info("Recomputing stage", "reason", reason)
			mustRun = true
			// Later outputs were built on what is about to change.
			if err := o.removeFrom(rc, i, params); err != nil {
				return o.fail(ctx, stage, err)
			}
		}

		o.update(ctx, true, func(s *core.Status) {
			s.Stage = stage
			s.Total, s.Processed = 0, 0
		})
		log.Info("Running stage", "step", stage.DisplayName())

		began := o.deps.Now()
		if err := step.Run(ctx, rc); err != nil {
			return o.fail(ctx, stage, err)
		}
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, stage, err)
		}

		params[stage.String()] = hash
		if err := o.ws.WriteJSON(workspace.ParamsFile, params); err != nil {
			return o.fail(ctx, stage, err)
		}
		o.complete(ctx, stage, o.deps.Now().Sub(began), false)
	}

	stats := o.deps.Gateway.Stats()
	o.update(ctx, true, func(s *core.Status) {
		s.State = core.RunCompleted
		s.Total, s.Processed = 0, 0
		s.EndedAt = o.deps.Now()
	})
	o.deps.Tracker.Track(ctx, observability.Event{
		Name:     observability.EventRunCompleted,
		RunID:    o.runID,
		Slug:     o.sub.ID,
		Duration: o.deps.Now().Sub(start),
		Extra: map[string]any{
			"llm_calls":    stats.Calls,
			"llm_retries":  stats.Retries,
			"llm_failures": stats.Failures,
		},
	})
	o.log.Info("Report run completed", "run_id", o.runID, "duration", o.deps.Now().Sub(start).Round(time.Millisecond))
	return nil
}

// reusable returns nil when the stage can be skipped, or why it cannot.
func reusable(step Step, rc *RunContext, recorded, hash string) error {
	if recorded == "" {
		return errors.New("no record of a previous run")
	}
	if recorded != hash {
		return errors.New("stage inputs changed")
	}
	return step.Valid(rc)
}

// removeFrom deletes the outputs of step i and every later step, and forgets
// their recorded params.
func (o *Orchestrator) removeFrom(rc *RunContext, i int, params map[string]string) error {
	for _, step := range o.deps.Steps[i:] {
		if err := o.ws.Remove(step.Outputs(rc)...); err != nil {
			return err
		}
		delete(params, step.Stage().String())
	}
	return o.ws.WriteJSON(workspace.ParamsFile, params)
}

func (o *Orchestrator) loadParams() map[string]string {
	params := make(map[string]string)
	if err := o.ws.ReadJSON(workspace.ParamsFile, &params); err != nil {
		return make(map[string]string)
	}
	return params
}

func paramsHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash stage params: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (o *Orchestrator) complete(ctx context.Context, stage core.Stage, d time.Duration, skipped bool) {
	o.update(ctx, false, func(s *core.Status) {
		s.Completed = append(s.Completed, core.CompletedStage{Stage: stage, Duration: d, Skipped: skipped})
	})
	name := observability.EventStageCompleted
	if skipped {
		name = observability.EventStageSkipped
	}
	o.deps.Tracker.Track(ctx, observability.Event{Name: name, RunID: o.runID, Slug: o.sub.ID, Stage: stage, Duration: d})
}

func (o *Orchestrator) fail(ctx context.Context, stage core.Stage, err error) error {
	o.log.Error("Stage failed", "stage", stage.String(), "error", err)
	// The failure is recorded even when ctx is what failed.
	bg := context.WithoutCancel(ctx)
	o.update(bg, true, func(s *core.Status) {
		s.State = core.RunError
		s.Stage = stage
		s.Message = err.Error()
		s.EndedAt = o.deps.Now()
	})
	o.deps.Tracker.Track(bg, observability.Event{Name: observability.EventRunFailed, RunID: o.runID, Slug: o.sub.ID, Stage: stage, Err: err})
	return &StageError{Stage: stage, Err: err}
}

// progress returns a reporter that publishes item counts for stage. Counts
// never move backwards within a stage.
func (o *Orchestrator) progress(stage core.Stage) core.ProgressFunc {
	return func(processed, total int) {
		o.mu.Lock()
		defer o.mu.Unlock()
		cur := o.status.Load()
		if cur.Stage != stage || cur.State != core.RunRunning || processed < cur.Processed && cur.Total == total {
			return
		}
		next := cloneStatus(cur)
		next.Total, next.Processed = total, processed
		o.status.Store(next)
	}
}

// update publishes a new status snapshot and persists it to the workspace.
// Only transitions are pushed to the sink.
func (o *Orchestrator) update(ctx context.Context, transition bool, fn func(*core.Status)) {
	o.mu.Lock()
	next := cloneStatus(o.status.Load())
	fn(next)
	o.status.Store(next)
	o.mu.Unlock()

	if err := o.ws.WriteJSON(workspace.StatusFile, next); err != nil {
		o.log.Warn("Failed to persist status", "error", err)
	}
	if !transition || o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.UpdateStep(ctx, o.sub.ID, *next); err != nil {
		o.log.Warn("Failed to mirror status", "error", err)
	}
}

func cloneStatus(s *core.Status) *core.Status {
	next := *s
	next.Completed = append([]core.CompletedStage(nil), s.Completed...)
	return &next
}

// IsCanceled reports whether err comes from a cancelled run.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
