// Package categorization sorts extracted arguments into the category sets a
// submission configures, such as sentiment or topic.
package categorization

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"

	"golang.org/x/sync/errgroup"
)

// Uncategorized is recorded when the model's answer names no configured category.
const Uncategorized = "uncategorized"

// Gateway is the model capability categorization needs.
type Gateway interface {
	Classify(ctx context.Context, prompt string, dims []llm.Classification, text string) (map[string]string, error)
}

// Assignments maps argument id to category set name to the chosen category.
type Assignments map[string]map[string]string

// Categorizer assigns arguments to categories using the model
type Categorizer struct {
	gateway  Gateway
	sets     []core.CategorySet
	dims     []llm.Classification
	workers  int
	log      *slog.Logger
	progress core.ProgressFunc
}

// NewCategorizer creates a categorizer over the given sets.
func NewCategorizer(gw Gateway, sets []core.CategorySet, workers int, log *slog.Logger, progress core.ProgressFunc) *Categorizer {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Categorizer{
		gateway:  gw,
		sets:     sets,
		dims:     Classifications(sets),
		workers:  workers,
		log:      log,
		progress: progress,
	}
}

// Categorize classifies every argument with one model call each. Dispatch
// stops on the first failure or on cancellation; calls already in flight
// finish.
func (c *Categorizer) Categorize(ctx context.Context, args []core.Argument, prompt string) (Assignments, error) {
	answers := make([]map[string]string, len(args))
	total := len(args)
	var done atomic.Int64
	c.progress.Report(0, total)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	callCtx := context.WithoutCancel(ctx)

	for i, a := range args {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			raw, err := c.gateway.Classify(callCtx, prompt, c.dims, a.Text)
			if err != nil {
				return fmt.Errorf("argument %s: %w", a.ID, err)
			}
			answers[i] = raw
			c.progress.Report(int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(Assignments, len(args))
	unmatched := 0
	for i, a := range args {
		out[a.ID] = make(map[string]string, len(c.sets))
		for _, set := range c.sets {
			cat := parseCategory(set, answers[i][set.Name])
			if cat == "" {
				cat = Uncategorized
				unmatched++
			}
			out[a.ID][set.Name] = cat
		}
	}

	if unmatched > 0 {
		c.log.Warn("Model answers named no configured category", "count", unmatched)
	}
	c.log.Info("Categorized arguments", "arguments", len(args), "sets", len(c.sets))
	return out, nil
}

// parseCategory resolves a model answer to a category name of the set.
func parseCategory(set core.CategorySet, response string) string {
	// Clean up response
	response = strings.TrimSpace(response)
	response = strings.Trim(response, "\"'`")
	if response == "" {
		return ""
	}

	for _, cat := range set.Categories {
		if strings.EqualFold(response, cat.Name) {
			return cat.Name
		}
	}

	// Try case-insensitive substring match
	responseLower := strings.ToLower(response)
	for _, cat := range set.Categories {
		if strings.Contains(responseLower, strings.ToLower(cat.Name)) {
			return cat.Name
		}
	}
	return ""
}
