package clustering

import (
	"fmt"
	"math"
	"math/rand"
)

// KMeansConfig holds configuration for K-means clustering
type KMeansConfig struct {
	MaxIterations int     // Maximum Lloyd iterations per restart
	Tolerance     float64 // Stop when no centroid moves more than this
	Restarts      int     // Seeded restarts; the lowest inertia wins
}

// DefaultKMeansConfig returns sensible defaults for K-means clustering
func DefaultKMeansConfig() KMeansConfig {
	return KMeansConfig{
		MaxIterations: 300,
		Tolerance:     1e-8,
		Restarts:      10,
	}
}

// Partition is the outcome of one k-means run.
type Partition struct {
	Assignments []int       // Cluster index per point
	Centroids   [][]float64 // One centroid per cluster
	Inertia     float64     // Sum of squared distances to assigned centroids
}

// Sizes returns the member count of each cluster.
func (p *Partition) Sizes() []int {
	sizes := make([]int, len(p.Centroids))
	for _, a := range p.Assignments {
		sizes[a]++
	}
	return sizes
}

// KMeans partitions points into exactly k non-empty clusters. Clusters are
// numbered by the position of their first member, so equal inputs and seeds
// give equal ids.
func KMeans(points [][]float64, k int, rng *rand.Rand, cfg KMeansConfig) (*Partition, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no points provided")
	}
	if k <= 0 || k > len(points) {
		return nil, fmt.Errorf("invalid k: %d (must be 1-%d)", k, len(points))
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultKMeansConfig().MaxIterations
	}
	restarts := max(cfg.Restarts, 1)

	var best *Partition
	for r := 0; r < restarts; r++ {
		p := runKMeans(points, k, rng, cfg)
		if best == nil || p.Inertia < best.Inertia {
			best = p
		}
	}
	renumber(best)
	return best, nil
}

// runKMeans executes one seeded Lloyd run
func runKMeans(points [][]float64, k int, rng *rand.Rand, cfg KMeansConfig) *Partition {
	centroids := initializeCentroidsKMeansPP(points, k, rng)
	assignments := make([]int, len(points))
	for i := range assignments {
		assignments[i] = -1
	}

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		changed := false
		for i, p := range points {
			nearest := findNearestCentroid(p, centroids)
			if nearest != assignments[i] {
				assignments[i] = nearest
				changed = true
			}
		}
		if fillEmptyClusters(points, assignments, centroids) {
			changed = true
		}

		updated := updateCentroids(points, assignments, k)
		shift := 0.0
		for c := range centroids {
			shift = math.Max(shift, squaredDistance(centroids[c], updated[c]))
		}
		centroids = updated

		if !changed || shift <= cfg.Tolerance {
			break
		}
	}

	// Final assignment against the final centroids keeps the partition consistent.
	for i, p := range points {
		assignments[i] = findNearestCentroid(p, centroids)
	}
	if fillEmptyClusters(points, assignments, centroids) {
		centroids = updateCentroids(points, assignments, k)
	}

	inertia := 0.0
	for i, p := range points {
		inertia += squaredDistance(p, centroids[assignments[i]])
	}
	return &Partition{Assignments: assignments, Centroids: centroids, Inertia: inertia}
}

// initializeCentroidsKMeansPP uses K-means++ seeding: each new centroid is
// drawn with probability proportional to squared distance from the nearest
// existing one.
func initializeCentroidsKMeansPP(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(len(points))]))

	minDist := make([]float64, len(points))
	for j := range minDist {
		minDist[j] = math.Inf(1)
	}

	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		total := 0.0
		for j, p := range points {
			if d := squaredDistance(p, last); d < minDist[j] {
				minDist[j] = d
			}
			total += minDist[j]
		}

		if total == 0 {
			// Every point coincides with a centroid
			centroids = append(centroids, clone(points[rng.Intn(len(points))]))
			continue
		}

		target := rng.Float64() * total
		cumulative := 0.0
		selected := len(points) - 1
		for j, d := range minDist {
			cumulative += d
			if cumulative >= target && d > 0 {
				selected = j
				break
			}
		}
		centroids = append(centroids, clone(points[selected]))
	}
	return centroids
}

// findNearestCentroid returns the closest centroid; ties go to the lower index
func findNearestCentroid(p []float64, centroids [][]float64) int {
	minDistance := math.Inf(1)
	nearest := 0
	for i, c := range centroids {
		if d := squaredDistance(p, c); d < minDistance {
			minDistance = d
			nearest = i
		}
	}
	return nearest
}

// fillEmptyClusters gives every empty cluster the point farthest from its
// own centroid, taken from a cluster that keeps at least one member.
func fillEmptyClusters(points [][]float64, assignments []int, centroids [][]float64) bool {
	k := len(centroids)
	sizes := make([]int, k)
	for _, a := range assignments {
		sizes[a]++
	}

	moved := false
	for c := 0; c < k; c++ {
		if sizes[c] > 0 {
			continue
		}
		far, farDist := -1, -1.0
		for i, p := range points {
			a := assignments[i]
			if sizes[a] <= 1 {
				continue
			}
			if d := squaredDistance(p, centroids[a]); d > farDist {
				far, farDist = i, d
			}
		}
		if far < 0 {
			break
		}
		sizes[assignments[far]]--
		assignments[far] = c
		sizes[c] = 1
		centroids[c] = clone(points[far])
		moved = true
	}
	return moved
}

// updateCentroids recalculates centroids based on current assignments
func updateCentroids(points [][]float64, assignments []int, k int) [][]float64 {
	members := make([][]int, k)
	for i, a := range assignments {
		members[a] = append(members[a], i)
	}
	centroids := make([][]float64, k)
	for c := range centroids {
		centroids[c] = Centroid(points, members[c])
		if centroids[c] == nil {
			centroids[c] = make([]float64, len(points[0]))
		}
	}
	return centroids
}

// renumber orders clusters by the position of their first member.
func renumber(p *Partition) {
	perm := firstAppearance(p.Assignments, len(p.Centroids))
	centroids := make([][]float64, len(p.Centroids))
	for old, nu := range perm {
		centroids[nu] = p.Centroids[old]
	}
	for i, a := range p.Assignments {
		p.Assignments[i] = perm[a]
	}
	p.Centroids = centroids
}

// firstAppearance maps old cluster index to its rank by first member position.
func firstAppearance(assignments []int, k int) []int {
	perm := make([]int, k)
	for i := range perm {
		perm[i] = -1
	}
	next := 0
	for _, a := range assignments {
		if perm[a] == -1 {
			perm[a] = next
			next++
		}
	}
	// Clusters without members (not expected) go last.
	for i := range perm {
		if perm[i] == -1 {
			perm[i] = next
			next++
		}
	}
	return perm
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
