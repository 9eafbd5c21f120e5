package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// GatewayConfig bounds how the pipeline uses the provider.
type GatewayConfig struct {
	Model              string
	MaxConcurrency     int           // In-flight provider calls, across all callers
	RequestsPerSecond  float64       // Token bucket rate; 0 disables it
	Burst              int           // Token bucket size
	MaxRetries         int           // Retries after the first attempt
	BaseDelay          time.Duration // First retry delay, doubled each attempt
	MaxDelay           time.Duration // Cap on a single retry delay
	Timeout            time.Duration // Per-attempt timeout; 0 means none
	EmbeddingBatchSize int
}

// DefaultGatewayConfig returns conservative limits.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Model:              DefaultModel,
		MaxConcurrency:     8,
		RequestsPerSecond:  5,
		Burst:              5,
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		Timeout:            60 * time.Second,
		EmbeddingBatchSize: 100,
	}
}

// Stats counts provider traffic since the gateway was created.
type Stats struct {
	Calls    int64
	Retries  int64
	Failures int64
}

type counters struct {
	calls    atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// Gateway is the only path from pipeline stages to the provider.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	sem      *semaphore.Weighted
	limiter  *RateLimiter
	counters *counters
	log      *slog.Logger
}

// NewGateway wraps a provider with the configured limits.
func NewGateway(provider Provider, cfg GatewayConfig, log *slog.Logger) *Gateway {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.EmbeddingBatchSize < 1 {
		cfg.EmbeddingBatchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiter:  NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		counters: &counters{},
		log:      log,
	}
}

// WithModel returns a gateway that generates with model while sharing the
// concurrency ceiling, rate limiter and counters of g.
func (g *Gateway) WithModel(model string) *Gateway {
	if model == "" || model == g.cfg.Model {
		return g
	}
	c := *g
	c.cfg.Model = model
	return &c
}

// Model returns the generation model in use.
func (g *Gateway) Model() string { return g.cfg.Model }

// EmbeddingSpec names the provider's embedding model, or returns the zero
// value when the provider does not describe itself.
func (g *Gateway) EmbeddingSpec() EmbeddingSpec {
	if d, ok := g.provider.(EmbeddingDescriber); ok {
		return d.EmbeddingSpec()
	}
	return EmbeddingSpec{}
}

// Stats returns a snapshot of the traffic counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Calls:    g.counters.calls.Load(),
		Retries:  g.counters.retries.Load(),
		Failures: g.counters.failures.Load(),
	}
}

// ExtractArguments splits one comment into opinions. An empty list is a valid answer.
func (g *Gateway) ExtractArguments(ctx context.Context, prompt, comment string) ([]string, error) {
	return retry(ctx, g, "extract", func(ctx context.Context) ([]string, error) {
		resp, err := g.provider.Generate(ctx, GenerateRequest{
			Model:  g.cfg.Model,
			System: prompt,
			Prompt: comment,
			Schema: extractionSchema,
		})
		if err != nil {
			return nil, err
		}
		return ParseArgumentList(resp)
	})
}

// Label names a cluster from a sample of its member texts.
func (g *Gateway) Label(ctx context.Context, prompt string, texts []string) (LabelResult, error) {
	var b strings.Builder
	b.WriteString("Opinions:\n")
	for _, t := range texts {
		b.WriteString("* ")
		b.WriteString(t)
		b.WriteString("\n")
	}

	return retry(ctx, g, "label", func(ctx context.Context) (LabelResult, error) {
		resp, err := g.provider.Generate(ctx, GenerateRequest{
			Model:  g.cfg.Model,
			System: prompt,
			Prompt: b.String(),
			Schema: labelSchema,
		})
		if err != nil {
			return LabelResult{}, err
		}
		return ParseLabel(resp)
	})
}

// MergeLabel names a parent cluster from its children's labels.
func (g *Gateway) MergeLabel(ctx context.Context, prompt string, children []ClusterSummary) (LabelResult, error) {
	input := formatSummaries("Sub-groups", children)

	return retry(ctx, g, "merge_label", func(ctx context.Context) (LabelResult, error) {
		resp, err := g.provider.Generate(ctx, GenerateRequest{
			Model:  g.cfg.Model,
			System: prompt,
			Prompt: input,
			Schema: labelSchema,
		})
		if err != nil {
			return LabelResult{}, err
		}
		return ParseLabel(resp)
	})
}

// Classify sorts one argument along every classification. The answers are
// returned as the model gave them, keyed by classification name.
func (g *Gateway) Classify(ctx context.Context, prompt string, dims []Classification, text string) (map[string]string, error) {
	input := formatClassifications(dims, text)
	schema := classificationSchema(dims)

	return retry(ctx, g, "classify", func(ctx context.Context) (map[string]string, error) {
		resp, err := g.provider.Generate(ctx, GenerateRequest{
			Model:  g.cfg.Model,
			System: prompt,
			Prompt: input,
			Schema: schema,
		})
		if err != nil {
			return nil, err
		}
		return ParseClassification(resp)
	})
}

// Overview summarizes the top-level clusters as free text.
func (g *Gateway) Overview(ctx context.Context, prompt string, clusters []ClusterSummary) (string, error) {
	input := formatSummaries("Groups", clusters)

	return retry(ctx, g, "overview", func(ctx context.Context) (string, error) {
		resp, err := g.provider.Generate(ctx, GenerateRequest{
			Model:  g.cfg.Model,
			System: prompt,
			Prompt: input,
		})
		if err != nil {
			return "", err
		}
		return ParseOverview(resp)
	})
}

// Embed returns one vector per text, batching provider calls.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	dims := -1

	for start := 0; start < len(texts); start += g.cfg.EmbeddingBatchSize {
		end := min(start+g.cfg.EmbeddingBatchSize, len(texts))
		batch := texts[start:end]

		vecs, err := retry(ctx, g, "embed", func(ctx context.Context) ([][]float64, error) {
			vecs, err := g.provider.Embed(ctx, batch)
			if err != nil {
				return nil, err
			}
			if len(vecs) != len(batch) {
				return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrMalformedResponse, len(vecs), len(batch))
			}
			return vecs, nil
		})
		if err != nil {
			return nil, err
		}

		for _, v := range vecs {
			if dims == -1 {
				dims = len(v)
			}
			if len(v) == 0 || len(v) != dims {
				return nil, &Error{Kind: Fatal, Op: "embed", Err: fmt.Errorf("%w: inconsistent embedding dimensions", ErrMalformedResponse)}
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func formatSummaries(heading string, items []ClusterSummary) string {
	var b strings.Builder
	b.WriteString(heading)
	b.WriteString(":\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- %s (%d opinions): %s\n", it.Label, it.Value, it.Takeaway)
	}
	return b.String()
}

func formatClassifications(dims []Classification, text string) string {
	var b strings.Builder
	b.WriteString("Categories:\n")
	for _, d := range dims {
		fmt.Fprintf(&b, "## %s\n", d.Name)
		for _, o := range d.Options {
			if o.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", o.Name, o.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", o.Name)
			}
		}
	}
	b.WriteString("\nOpinion:\n")
	b.WriteString(text)
	return b.String()
}

// retry runs call under the gateway limits until it succeeds, fails fatally,
// or spends the retry budget. Exhausting the budget is reported as Fatal.
func retry[T any](ctx context.Context, g *Gateway, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.counters.retries.Add(1)
			if err := sleepCtx(ctx, g.backoff(attempt)); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res, err := invoke(ctx, g, call)
		if err == nil {
			return res, nil
		}

		err = Classify(op, err)
		var e *Error
		if !errors.As(err, &e) {
			g.counters.failures.Add(1)
			return zero, err
		}
		if e.Kind == Fatal {
			g.counters.failures.Add(1)
			return zero, err
		}
		if e.StatusCode == 429 {
			g.limiter.RecordRateLimit(e.RetryAfter)
		}

		lastErr = err
		g.log.Warn("LLM call failed, will retry",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", g.cfg.MaxRetries+1,
			"error", err.Error())
	}

	g.counters.failures.Add(1)
	return zero, &Error{
		Kind: Fatal,
		Op:   op,
		Err:  fmt.Errorf("gave up after %d attempts: %w", g.cfg.MaxRetries+1, lastErr),
	}
}

// invoke holds a concurrency slot and a rate token for the duration of one attempt.
func invoke[T any](ctx context.Context, g *Gateway, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return zero, err
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	g.counters.calls.Add(1)
	return call(ctx)
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.BaseDelay
	for i := 1; i < attempt && d < g.cfg.MaxDelay; i++ {
		d *= 2
	}
	return min(d, g.cfg.MaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
