// Package observability reports pipeline activity to product analytics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadlistening/internal/core"

	"github.com/posthog/posthog-go"
)

// EventName identifies what happened in a run.
type EventName string

const (
	EventRunStarted     EventName = "report_run_started"
	EventStageCompleted EventName = "report_stage_completed"
	EventStageSkipped   EventName = "report_stage_skipped"
	EventRunCompleted   EventName = "report_run_completed"
	EventRunFailed      EventName = "report_run_failed"
)

// Event is one pipeline occurrence.
type Event struct {
	Name     EventName
	RunID    string
	Slug     string
	Stage    core.Stage // Zero for run-level events
	Duration time.Duration
	Err      error
	Extra    map[string]any
}

// Tracker receives pipeline events. Implementations must not block the run.
type Tracker interface {
	Track(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Track implements Tracker.
func (Nop) Track(context.Context, Event) {}

// Recorder keeps events in memory, for tests and debugging.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Track implements Tracker.
func (r *Recorder) Track(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// PostHogTracker wraps the PostHog SDK for pipeline analytics
type PostHogTracker struct {
	client  posthog.Client
	enabled bool
	log     *slog.Logger
}

// NewPostHogTracker creates a tracker. An empty API key gives a disabled
// tracker that drops events.
func NewPostHogTracker(apiKey, host string, log *slog.Logger) (*PostHogTracker, error) {
	if log == nil {
		log = slog.Default()
	}
	if apiKey == "" {
		return &PostHogTracker{enabled: false, log: log}, nil
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{
		Endpoint: host,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create PostHog client: %w", err)
	}

	return &PostHogTracker{client: client, enabled: true, log: log}, nil
}

// IsEnabled returns whether PostHog tracking is enabled
func (p *PostHogTracker) IsEnabled() bool {
	return p.enabled
}

// Track enqueues the event. Failures are logged, never returned.
func (p *PostHogTracker) Track(_ context.Context, e Event) {
	if !p.enabled {
		return
	}

	err := p.client.Enqueue(posthog.Capture{
		DistinctId: "report:" + e.Slug,
		Event:      string(e.Name),
		Properties: Properties(e),
	})
	if err != nil {
		p.log.Warn("Failed to enqueue analytics event", "event", e.Name, "error", err)
	}
}

// Properties flattens an event into PostHog properties.
func Properties(e Event) posthog.Properties {
	props := posthog.NewProperties().
		Set("run_id", e.RunID).
		Set("slug", e.Slug)
	if e.Stage.Valid() {
		props.Set("stage", e.Stage.String())
	}
	if e.Duration > 0 {
		props.Set("duration_ms", e.Duration.Milliseconds())
	}
	if e.Err != nil {
		props.Set("error", e.Err.Error())
	}
	for k, v := range e.Extra {
		props.Set(k, v)
	}
	return props
}

// Close flushes pending events and shuts the client down
func (p *PostHogTracker) Close() error {
	if !p.enabled {
		return nil
	}
	return p.client.Close()
}
