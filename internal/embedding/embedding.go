// Package embedding turns arguments into vectors.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"broadlistening/internal/core"
)

// Gateway is the model capability embedding needs.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Embed returns one embedding per argument, in argument order.
func Embed(ctx context.Context, gw Gateway, args []core.Argument, log *slog.Logger) ([]core.Embedding, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments to embed")
	}

	texts := make([]string, len(args))
	for i, a := range args {
		texts[i] = a.Text
	}

	vecs, err := gw.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed arguments: %w", err)
	}
	if len(vecs) != len(args) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(args), len(vecs))
	}

	out := make([]core.Embedding, len(args))
	for i, a := range args {
		out[i] = core.Embedding{ArgumentID: a.ID, Vector: vecs[i]}
	}

	if log != nil {
		log.Info("Embedded arguments", "arguments", len(out), "dimensions", len(out[0].Vector))
	}
	return out, nil
}

// Validate checks that embeddings match the arguments one-to-one with a
// single dimensionality.
func Validate(args []core.Argument, embs []core.Embedding) error {
	if len(args) != len(embs) {
		return fmt.Errorf("have %d embeddings for %d arguments", len(embs), len(args))
	}
	want := make(map[string]bool, len(args))
	for _, a := range args {
		want[a.ID] = true
	}
	dims := -1
	for _, e := range embs {
		if !want[e.ArgumentID] {
			return fmt.Errorf("embedding for unknown argument %s", e.ArgumentID)
		}
		delete(want, e.ArgumentID)
		if dims == -1 {
			dims = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dims {
			return fmt.Errorf("embedding for %s has %d dimensions, want %d", e.ArgumentID, len(e.Vector), dims)
		}
	}
	return nil
}
