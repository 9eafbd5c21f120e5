package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"broadlistening/internal/config"
	"broadlistening/internal/core"
	"broadlistening/internal/llm"
	"broadlistening/internal/logger"
	"broadlistening/internal/observability"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/prompts"
	"broadlistening/internal/store"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	tracker *observability.PostHogTracker
	gateway *llm.Gateway
}

// newApp loads configuration and opens the report registry. The LLM gateway
// is only built when withLLM is set, so read-only commands work without an
// API key.
func newApp(ctx context.Context, withLLM bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.Get()

	st, err := store.Open(ctx, storeOptions(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open report registry: %w", err)
	}

	tracker, err := observability.NewPostHogTracker(cfg.PostHog.APIKey, cfg.PostHog.Host, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: st, tracker: tracker}
	if withLLM {
		if a.gateway, err = newGateway(ctx, cfg, log); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func storeOptions(db config.Database) store.Options {
	return store.Options{
		Driver:          db.Driver,
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: config.Duration(db.ConnMaxLifetime, 0),
	}
}

func newGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*llm.Gateway, error) {
	if err := cfg.RequireGeminiKey(); err != nil {
		return nil, err
	}
	gemini := cfg.AI.Gemini
	provider, err := llm.NewGeminiProvider(ctx, llm.GeminiConfig{
		APIKey:              gemini.APIKey,
		Model:               gemini.Model,
		EmbeddingModel:      gemini.EmbeddingModel,
		EmbeddingDimensions: gemini.EmbeddingDimensions,
		MaxTokens:           gemini.MaxTokens,
		Temperature:         gemini.Temperature,
	})
	if err != nil {
		return nil, err
	}

	defaults := llm.DefaultGatewayConfig()
	return llm.NewGateway(provider, llm.GatewayConfig{
		Model:              gemini.Model,
		MaxConcurrency:     cfg.LLM.MaxConcurrency,
		RequestsPerSecond:  cfg.LLM.RequestsPerSecond,
		Burst:              cfg.LLM.Burst,
		MaxRetries:         cfg.LLM.MaxRetries,
		BaseDelay:          config.Duration(cfg.LLM.BaseDelay, defaults.BaseDelay),
		MaxDelay:           config.Duration(cfg.LLM.MaxDelay, defaults.MaxDelay),
		Timeout:            config.Duration(gemini.Timeout, defaults.Timeout),
		EmbeddingBatchSize: gemini.EmbeddingBatchSize,
	}, log), nil
}

// settings maps the pipeline section of the config onto run settings.
func settings(p config.Pipeline) pipeline.Settings {
	s := pipeline.DefaultSettings()
	s.Seed = p.Seed
	s.Clustering.Seed = p.Seed
	if p.SamplingNum > 0 {
		s.SamplingNum = p.SamplingNum
	}
	s.DenseThreshold = p.DenseThreshold
	if p.KMeansRestarts > 0 {
		s.Clustering.KMeans.Restarts = p.KMeansRestarts
	}
	return s
}

// defaults fills what a submission may leave out.
func (a *app) defaults() core.SubmissionDefaults {
	return core.SubmissionDefaults{
		Model:             a.cfg.AI.Gemini.Model,
		WorkerConcurrency: a.cfg.Pipeline.WorkerConcurrency,
		Prompts:           prompts.Defaults(),
	}
}

func (a *app) manager() *pipeline.Manager {
	return pipeline.NewManager(pipeline.ManagerConfig{
		ReportsDir: a.cfg.Storage.ReportsDir,
		Registry:   a.store,
		Deps: pipeline.Deps{
			Gateway:  a.gateway,
			Settings: settings(a.cfg.Pipeline),
			Tracker:  a.tracker,
			Log:      a.log,
		},
	})
}

// Close releases the registry and flushes analytics.
func (a *app) Close() error {
	var errs []error
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
