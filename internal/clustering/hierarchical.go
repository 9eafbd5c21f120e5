// Package clustering builds the hierarchical cluster tree over argument
// embeddings.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"broadlistening/internal/core"
	"broadlistening/internal/logger"
)

var (
	// ErrInsufficientData means a requested level has more clusters than
	// there are arguments.
	ErrInsufficientData = errors.New("insufficient data for requested cluster sizes")

	// ErrInvalidLevels means the requested cluster sizes are not a strictly
	// increasing list of positive integers.
	ErrInvalidLevels = errors.New("invalid cluster sizes")
)

// Config controls the clustering engine.
type Config struct {
	Seed      int64
	Neighbors int
	KMeans    KMeansConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Seed:      42,
		Neighbors: DefaultNeighbors,
		KMeans:    DefaultKMeansConfig(),
	}
}

// Engine turns embeddings into a cluster tree.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// NewEngine creates a clustering engine.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	return &Engine{cfg: cfg, log: log}
}

// level is the working state of one tree level, indices 0-based.
type level struct {
	k           int
	assignments []int
	centroids   [][]float64
	parents     []int // Index into the coarser level; nil at the top
}

// CheckSizes validates cluster sizes against the number of arguments.
func CheckSizes(sizes []int, n int) error {
	if len(sizes) == 0 {
		return fmt.Errorf("%w: at least one level is required", ErrInvalidLevels)
	}
	for i, s := range sizes {
		if s <= 0 {
			return fmt.Errorf("%w: level %d has size %d", ErrInvalidLevels, i+1, s)
		}
		if i > 0 && s <= sizes[i-1] {
			return fmt.Errorf("%w: sizes must be strictly increasing, got %v", ErrInvalidLevels, sizes)
		}
	}
	if last := sizes[len(sizes)-1]; last > n {
		return fmt.Errorf("%w: %d clusters requested for %d arguments", ErrInsufficientData, last, n)
	}
	return nil
}

// Cluster reduces the embeddings to two dimensions and partitions them once per
// requested size, linking every level to the one above it.
func (e *Engine) Cluster(ctx context.Context, embs []core.Embedding, sizes []int) (*core.ClusterTable, error) {
	if len(embs) == 0 {
		return nil, fmt.Errorf("no embeddings provided")
	}
	if err := CheckSizes(sizes, len(embs)); err != nil {
		return nil, err
	}

	vectors := make([][]float64, len(embs))
	for i, emb := range embs {
		if len(emb.Vector) == 0 || len(emb.Vector) != len(embs[0].Vector) {
			return nil, fmt.Errorf("embedding %s has %d dimensions, want %d", emb.ArgumentID, len(emb.Vector), len(embs[0].Vector))
		}
		vectors[i] = emb.Vector
	}

	points, err := Reduce(vectors, e.cfg.Neighbors)
	if err != nil {
		return nil, err
	}

	levels := make([]*level, len(sizes))
	for i, k := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(e.cfg.Seed + int64(i)))
		part, err := KMeans(points, k, rng, e.cfg.KMeans)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i+1, err)
		}
		levels[i] = &level{k: k, assignments: part.Assignments, centroids: part.Centroids}
		e.log.Debug("Partitioned level", "level", i+1, "clusters", k, "inertia", part.Inertia)
	}

	// Finest to coarsest: each level picks parents, then the coarser level is
	// rebuilt from its children so containment holds.
	for i := len(levels) - 1; i > 0; i-- {
		fine, coarse := levels[i], levels[i-1]
		fine.parents = linkParents(fine.centroids, coarse.centroids)
		for j, a := range fine.assignments {
			coarse.assignments[j] = fine.parents[a]
		}
		coarse.centroids = updateCentroids(points, coarse.assignments, coarse.k)
	}

	renumberLevels(levels)
	e.logQuality(points, levels)

	return buildTable(embs, points, sizes, levels), nil
}

// linkParents maps each fine cluster to its nearest coarse centroid. Coarse
// clusters left without children take the nearest fine cluster whose parent
// has more than one child.
func linkParents(fine, coarse [][]float64) []int {
	parents := make([]int, len(fine))
	children := make([]int, len(coarse))
	for c, centroid := range fine {
		parents[c] = findNearestCentroid(centroid, coarse)
		children[parents[c]]++
	}

	for p := range coarse {
		if children[p] > 0 {
			continue
		}
		steal, best := -1, math.Inf(1)
		for c, centroid := range fine {
			if children[parents[c]] <= 1 {
				continue
			}
			if d := squaredDistance(centroid, coarse[p]); d < best {
				steal, best = c, d
			}
		}
		if steal < 0 {
			// Cannot happen while the fine level is larger.
			continue
		}
		children[parents[steal]]--
		parents[steal] = p
		children[p] = 1
	}
	return parents
}

// renumberLevels orders clusters on every level by first member and rewrites
// parent references to match.
func renumberLevels(levels []*level) {
	perms := make([][]int, len(levels))
	for i, lv := range levels {
		perms[i] = firstAppearance(lv.assignments, lv.k)
	}
	for i, lv := range levels {
		perm := perms[i]
		for j, a := range lv.assignments {
			lv.assignments[j] = perm[a]
		}
		centroids := make([][]float64, lv.k)
		for old, nu := range perm {
			centroids[nu] = lv.centroids[old]
		}
		lv.centroids = centroids

		if lv.parents != nil {
			parents := make([]int, lv.k)
			for old, nu := range perm {
				parents[nu] = perms[i-1][lv.parents[old]]
			}
			lv.parents = parents
		}
	}
}

func (e *Engine) logQuality(points [][]float64, levels []*level) {
	if len(points) > SilhouetteLimit || len(points) < 3 {
		return
	}
	distances := DistanceMatrix(points, EuclideanDistance)
	for i, lv := range levels {
		if lv.k < 2 || lv.k >= len(points) {
			continue
		}
		a := AnalyzeLevel(i+1, points, lv.assignments, distances)
		e.log.Info("Cluster quality",
			"level", a.Level,
			"clusters", a.NumClusters,
			"silhouette", fmt.Sprintf("%.3f", a.OverallScore),
			"quality", a.Quality)
	}
}

// ClusterID formats the id of cluster index idx on a 1-based level.
func ClusterID(level, idx int) string {
	return fmt.Sprintf("%d_%d", level, idx)
}

func buildTable(embs []core.Embedding, points [][]float64, sizes []int, levels []*level) *core.ClusterTable {
	table := &core.ClusterTable{
		ClusterSizes: append([]int(nil), sizes...),
		Arguments:    make([]core.ArgumentPlacement, len(embs)),
	}

	for j, emb := range embs {
		ids := make([]string, len(levels))
		for i, lv := range levels {
			ids[i] = ClusterID(i+1, lv.assignments[j])
		}
		table.Arguments[j] = core.ArgumentPlacement{
			ArgumentID: emb.ArgumentID,
			X:          points[j][0],
			Y:          points[j][1],
			ClusterIDs: ids,
		}
	}

	for i, lv := range levels {
		counts := make([]int, lv.k)
		for _, a := range lv.assignments {
			counts[a]++
		}
		for c := 0; c < lv.k; c++ {
			node := core.ClusterNode{ID: ClusterID(i+1, c), Level: i + 1, Value: counts[c]}
			if lv.parents != nil {
				node.Parent = ClusterID(i, lv.parents[c])
			}
			table.Clusters = append(table.Clusters, node)
		}
	}
	return table
}
