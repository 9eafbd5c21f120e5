// Package overview writes the report-level summary from the top-level
// clusters.
package overview

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"
)

// Gateway is the model capability the overview needs.
type Gateway interface {
	Overview(ctx context.Context, prompt string, clusters []llm.ClusterSummary) (string, error)
}

// Generate summarizes the level-1 clusters, largest first.
func Generate(ctx context.Context, gw Gateway, clusters []core.Cluster, prompt string, log *slog.Logger) (string, error) {
	top := TopLevel(clusters)
	if len(top) == 0 {
		return "", fmt.Errorf("no top-level clusters to summarize")
	}

	summaries := make([]llm.ClusterSummary, len(top))
	for i, c := range top {
		summaries[i] = llm.ClusterSummary{Label: c.Label, Takeaway: c.Takeaway, Value: c.Value}
	}

	text, err := gw.Overview(ctx, prompt, summaries)
	if err != nil {
		return "", fmt.Errorf("failed to generate overview: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("model returned an empty overview")
	}

	if log != nil {
		log.Info("Generated overview", "clusters", len(top), "length", len(text))
	}
	return text, nil
}

// TopLevel returns the level-1 clusters sorted by member count, descending,
// then by id.
func TopLevel(clusters []core.Cluster) []core.Cluster {
	var top []core.Cluster
	for _, c := range clusters {
		if c.Level == 1 {
			top = append(top, c)
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Value != top[j].Value {
			return top[i].Value > top[j].Value
		}
		return top[i].ID < top[j].ID
	})
	return top
}
