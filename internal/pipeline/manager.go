package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadlistening/internal/core"
	"broadlistening/internal/workspace"
)

var (
	// ErrAlreadyRunning is returned when a report already has a live run.
	ErrAlreadyRunning = errors.New("report is already running")
	// ErrNotRunning is returned when cancelling a report with no live run.
	ErrNotRunning = errors.New("report is not running")
)

// Registry is durable report metadata kept alongside the workspaces.
type Registry interface {
	StatusSink
	CreateReport(ctx context.Context, r core.Report) error
	SetStatus(ctx context.Context, slug string, status core.ReportStatus, errorStep string) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	ReportsDir string
	Deps       Deps
	Registry   Registry // Optional
}

type activeRun struct {
	orch   *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs report pipelines in the background, at most one per report.
type Manager struct {
	cfg  ManagerConfig
	log  *slog.Logger
	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewManager creates a manager. Runs are detached from request contexts and
// only end on completion, Cancel or Shutdown.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Deps.Log
	if log == nil {
		log = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	if cfg.Registry != nil && cfg.Deps.Sink == nil {
		cfg.Deps.Sink = cfg.Registry
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		base:   base,
		stop:   stop,
		active: make(map[string]*activeRun),
	}
}

// Launch registers the report and starts its pipeline in a goroutine. The
// submission must already be validated.
func (m *Manager) Launch(ctx context.Context, sub *core.Submission, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.base.Err(); err != nil {
		return fmt.Errorf("manager is shut down: %w", err)
	}
	if _, ok := m.active[sub.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sub.ID)
	}

	ws, err := workspace.Open(m.cfg.ReportsDir, sub.ID)
	if err != nil {
		return err
	}
	orch, err := New(sub, ws, m.cfg.Deps, opts)
	if err != nil {
		return err
	}

	if m.cfg.Registry != nil {
		now := time.Now().UTC()
		err := m.cfg.Registry.CreateReport(ctx, core.Report{
			Slug:        sub.ID,
			Title:       sub.Question,
			Description: sub.Intro,
			Status:      core.ReportProcessing,
			IsPublic:    sub.IsPublic,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("failed to register report: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(m.base)
	run := &activeRun{orch: orch, cancel: cancel, done: make(chan struct{})}
	m.active[sub.ID] = run

	m.wg.Add(1)
	go m.run(runCtx, sub.ID, run)
	return nil
}

func (m *Manager) run(ctx context.Context, slug string, run *activeRun) {
	defer m.wg.Done()
	defer run.cancel()

	err := run.orch.Run(ctx)

	if m.cfg.Registry != nil {
		status, errorStep := core.ReportReady, ""
		if err != nil {
			status = core.ReportError
			var se *StageError
			if errors.As(err, &se) {
				errorStep = se.Stage.String()
			}
		}
		if rerr := m.cfg.Registry.SetStatus(context.WithoutCancel(ctx), slug, status, errorStep); rerr != nil {
			m.log.Warn("Failed to record report status", "slug", slug, "error", rerr)
		}
	}
	switch {
	case IsCanceled(err):
		m.log.Info("Report run cancelled", "slug", slug, "run_id", run.orch.RunID())
	case err != nil:
		m.log.Error("Report run failed", "slug", slug, "run_id", run.orch.RunID(), "error", err)
	}

	m.mu.Lock()
	delete(m.active, slug)
	m.mu.Unlock()
	close(run.done)
}

// Cancel stops the live run for slug. The run ends in the error state.
func (m *Manager) Cancel(slug string) error {
	m.mu.Lock()
	run, ok := m.active[slug]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, slug)
	}
	run.cancel()
	return nil
}

// Running reports whether slug has a live run.
func (m *Manager) Running(slug string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[slug]
	return ok
}

// Status returns the live status of slug, or the status recovered from its
// workspace when no run is live.
func (m *Manager) Status(slug string) (core.Status, error) {
	m.mu.Lock()
	run, ok := m.active[slug]
	m.mu.Unlock()
	if ok {
		return run.orch.Status(), nil
	}

	ws, err := workspace.Lookup(m.cfg.ReportsDir, slug)
	if err != nil {
		return core.Status{}, err
	}
	return RecoverStatus(ws)
}

// Done returns a channel closed when the live run for slug ends, or nil if
// there is none.
func (m *Manager) Done(slug string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.active[slug]; ok {
		return run.done
	}
	return nil
}

// Wait blocks until every live run has ended.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels every live run and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stop()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
