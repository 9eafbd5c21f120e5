// Package labelling names the clusters of a cluster tree: leaves from a
// sample of their arguments, parents from their children's labels.
package labelling

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sort"
	"sync/atomic"

	"broadlistening/internal/clustering"
	"broadlistening/internal/core"
	"broadlistening/internal/llm"

	"golang.org/x/sync/errgroup"
)

// DefaultSamplingNum is the most texts sent to the model per cluster.
const DefaultSamplingNum = 30

// Gateway is the model capability labelling needs.
type Gateway interface {
	Label(ctx context.Context, prompt string, texts []string) (llm.LabelResult, error)
	MergeLabel(ctx context.Context, prompt string, children []llm.ClusterSummary) (llm.LabelResult, error)
}

// Config controls sampling and parallelism.
type Config struct {
	SamplingNum int
	Seed        int64
	Workers     int
}

// Labeller labels clusters over a worker pool.
type Labeller struct {
	gateway  Gateway
	cfg      Config
	log      *slog.Logger
	progress core.ProgressFunc
}

// NewLabeller creates a labeller.
func NewLabeller(gw Gateway, cfg Config, log *slog.Logger, progress core.ProgressFunc) *Labeller {
	if cfg.SamplingNum <= 0 {
		cfg.SamplingNum = DefaultSamplingNum
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Labeller{gateway: gw, cfg: cfg, log: log, progress: progress}
}

// InitialLabels labels every deepest-level cluster from a sample of its
// member arguments. Labels come back sorted by cluster id.
func (l *Labeller) InitialLabels(ctx context.Context, table *core.ClusterTable, args []core.Argument, prompt string) ([]core.ClusterLabel, error) {
	texts := make(map[string]string, len(args))
	for _, a := range args {
		texts[a.ID] = a.Text
	}
	members := clustering.Members(table)
	deepest := len(table.ClusterSizes)

	var leaves []core.ClusterNode
	for _, n := range table.Clusters {
		if n.Level == deepest {
			leaves = append(leaves, n)
		}
	}

	samples := make([][]string, len(leaves))
	for i, n := range leaves {
		for _, id := range l.sample(members[n.ID], i) {
			t, ok := texts[id]
			if !ok {
				return nil, fmt.Errorf("cluster %s references unknown argument %s", n.ID, id)
			}
			samples[i] = append(samples[i], t)
		}
	}

	labels := make([]core.ClusterLabel, len(leaves))
	total := len(leaves)
	var done atomic.Int64
	l.progress.Report(0, total)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	callCtx := context.WithoutCancel(ctx)

	for i, n := range leaves {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			res, err := l.gateway.Label(callCtx, prompt, samples[i])
			if err != nil {
				return fmt.Errorf("cluster %s: %w", n.ID, err)
			}
			labels[i] = core.ClusterLabel{ClusterID: n.ID, Level: n.Level, Label: res.Label, Takeaway: res.Takeaway}
			l.progress.Report(int(done.Add(1)), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sortLabels(labels)
	l.log.Info("Labelled leaf clusters", "clusters", len(labels), "level", deepest)
	return labels, nil
}

// MergeLabels labels every non-leaf cluster from its children, one level at
// a time from the deepest parents up to level 1. The result holds the
// initial labels plus one label per parent cluster, sorted by cluster id.
func (l *Labeller) MergeLabels(ctx context.Context, table *core.ClusterTable, initial []core.ClusterLabel, prompt string) ([]core.ClusterLabel, error) {
	byID := make(map[string]core.ClusterLabel, len(table.Clusters))
	for _, lb := range initial {
		byID[lb.ClusterID] = lb
	}
	values := make(map[string]int, len(table.Clusters))
	for _, n := range table.Clusters {
		values[n.ID] = n.Value
	}
	children := clustering.Children(table)

	total := len(table.Clusters) - len(initial)
	var done atomic.Int64
	l.progress.Report(0, total)

	for lv := len(table.ClusterSizes) - 1; lv >= 1; lv-- {
		var parents []core.ClusterNode
		for _, n := range table.Clusters {
			if n.Level == lv {
				parents = append(parents, n)
			}
		}

		summaries := make([][]llm.ClusterSummary, len(parents))
		for i, n := range parents {
			kids := children[n.ID]
			if len(kids) == 0 {
				return nil, fmt.Errorf("cluster %s has no children", n.ID)
			}
			for _, id := range l.sample(kids, i) {
				child, ok := byID[id]
				if !ok {
					return nil, fmt.Errorf("cluster %s has no label", id)
				}
				summaries[i] = append(summaries[i], llm.ClusterSummary{Label: child.Label, Takeaway: child.Takeaway, Value: values[id]})
			}
		}

		merged := make([]core.ClusterLabel, len(parents))
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.Workers)
		callCtx := context.WithoutCancel(ctx)

		for i, n := range parents {
			if gCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				res, err := l.gateway.MergeLabel(callCtx, prompt, summaries[i])
				if err != nil {
					return fmt.Errorf("cluster %s: %w", n.ID, err)
				}
				merged[i] = core.ClusterLabel{ClusterID: n.ID, Level: n.Level, Label: res.Label, Takeaway: res.Takeaway}
				l.progress.Report(int(done.Add(1)), total)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, lb := range merged {
			byID[lb.ClusterID] = lb
		}
		l.log.Debug("Merged level", "level", lv, "clusters", len(merged))
	}

	out := make([]core.ClusterLabel, 0, len(byID))
	for _, lb := range byID {
		out = append(out, lb)
	}
	sortLabels(out)
	l.log.Info("Labelled parent clusters", "clusters", total)
	return out, nil
}

// sample returns at most SamplingNum ids, chosen with a seed derived from
// the cluster position, in their original order.
func (l *Labeller) sample(ids []string, pos int) []string {
	if len(ids) <= l.cfg.SamplingNum {
		return ids
	}
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(pos)))
	picked := rng.Perm(len(ids))[:l.cfg.SamplingNum]
	sort.Ints(picked)
	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = ids[p]
	}
	return out
}

func sortLabels(labels []core.ClusterLabel) {
	slices.SortFunc(labels, func(a, b core.ClusterLabel) int {
		return clustering.CompareIDs(a.ClusterID, b.ClusterID)
	})
}

// ValidateLabels checks that every cluster of the given levels has exactly
// one non-empty label.
func ValidateLabels(table *core.ClusterTable, labels []core.ClusterLabel, levels ...int) error {
	want := make(map[string]bool)
	for _, n := range table.Clusters {
		if slices.Contains(levels, n.Level) {
			want[n.ID] = true
		}
	}
	for _, lb := range labels {
		if !want[lb.ClusterID] {
			return fmt.Errorf("unexpected label for cluster %s", lb.ClusterID)
		}
		if lb.Label == "" || lb.Takeaway == "" {
			return fmt.Errorf("cluster %s has an empty label", lb.ClusterID)
		}
		delete(want, lb.ClusterID)
	}
	if len(want) > 0 {
		return fmt.Errorf("%d clusters have no label", len(want))
	}
	return nil
}

// Levels returns 1..n.
func Levels(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
