// Package extraction turns raw comments into atomic arguments.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"broadlistening/internal/core"

	"golang.org/x/sync/errgroup"
)

// ErrNoArguments is returned when no comment yielded any argument.
var ErrNoArguments = errors.New("extraction produced no arguments, check the extraction prompt")

// Gateway is the model capability extraction needs.
type Gateway interface {
	ExtractArguments(ctx context.Context, prompt, comment string) ([]string, error)
}

// Result is the output of one extraction run.
type Result struct {
	Arguments []core.Argument
	Relations []core.Relation
}

// Extractor runs extraction over a worker pool.
type Extractor struct {
	gateway  Gateway
	workers  int
	log      *slog.Logger
	progress core.ProgressFunc
}

// NewExtractor creates an extractor. workers below 1 is treated as 1.
func NewExtractor(gw Gateway, workers int, log *slog.Logger, progress core.ProgressFunc) *Extractor {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{gateway: gw, workers: workers, log: log, progress: progress}
}

// ArgumentID returns the id of the j-th opinion extracted from a comment.
func ArgumentID(commentID string, j int) string {
	return fmt.Sprintf("A%s_%d", commentID, j)
}

// Extract calls the model once per comment. Output follows input comment
// order regardless of completion order. The first failing comment or a
// cancelled ctx stops further dispatch and fails the run; calls already in
// flight run to completion, bounded by the gateway timeout.
func (e *Extractor) Extract(ctx context.Context, comments []core.Comment, prompt string) (*Result, error) {
	extracted := make([][]string, len(comments))
	total := len(comments)
	var done atomic.Int64
	e.progress.Report(0, total)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	callCtx := context.WithoutCancel(ctx)

	for i, c := range comments {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			list, err := e.gateway.ExtractArguments(callCtx, prompt, c.Text)
			if err != nil {
				return fmt.Errorf("comment %s: %w", c.ID, err)
			}
			extracted[i] = list
			e.progress.Report(int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := Build(comments, extracted)
	if len(res.Arguments) == 0 {
		return nil, ErrNoArguments
	}

	e.log.Info("Extracted arguments",
		"comments", len(comments),
		"arguments", len(res.Arguments))
	return res, nil
}

// Build assembles arguments and relations from per-comment extraction lists.
// Identical texts from the same comment collapse into the first occurrence;
// identical texts from different comments stay separate arguments.
func Build(comments []core.Comment, extracted [][]string) *Result {
	res := &Result{}
	for i, c := range comments {
		seen := make(map[string]bool)
		for j, text := range extracted[i] {
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true

			id := ArgumentID(c.ID, j)
			res.Arguments = append(res.Arguments, core.Argument{ID: id, CommentID: c.ID, Text: text})
			res.Relations = append(res.Relations, core.Relation{ArgumentID: id, CommentID: c.ID, Properties: c.Properties})
		}
	}
	return res
}
