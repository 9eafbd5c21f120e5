package clustering

import (
	"math"
)

// SilhouetteLimit is the largest input for which silhouette analysis runs;
// it needs the full pairwise distance matrix.
const SilhouetteLimit = 2000

// SilhouetteScore calculates the silhouette score for a single data point
// Returns a score between -1 and 1:
//
//	-1: Point likely in wrong cluster
//	 0: Point on the border between clusters
//	+1: Point well matched to its cluster
func SilhouetteScore(pointIdx int, assignments []int, distances [][]float64) float64 {
	n := len(assignments)
	if n == 0 || pointIdx >= n {
		return 0.0
	}

	own := assignments[pointIdx]
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, label := range assignments {
		if i == pointIdx {
			continue
		}
		sums[label] += distances[pointIdx][i]
		counts[label]++
	}

	// A singleton scores zero.
	if counts[own] == 0 {
		return 0.0
	}
	a := sums[own] / float64(counts[own])

	b := math.Inf(1)
	for label, c := range counts {
		if label == own {
			continue
		}
		if mean := sums[label] / float64(c); mean < b {
			b = mean
		}
	}
	if math.IsInf(b, 1) {
		return 0.0 // No other clusters
	}

	if m := math.Max(a, b); m > 0 {
		return (b - a) / m
	}
	return 0.0
}

// AverageSilhouetteScore calculates the mean silhouette score across all points
func AverageSilhouetteScore(assignments []int, distances [][]float64) float64 {
	n := len(assignments)
	if n == 0 {
		return 0.0
	}

	total := 0.0
	for i := 0; i < n; i++ {
		total += SilhouetteScore(i, assignments, distances)
	}
	return total / float64(n)
}

// SilhouetteAnalysis summarizes how well one level separates the points.
type SilhouetteAnalysis struct {
	Level        int
	OverallScore float64
	NumClusters  int
	NumPoints    int
	Quality      string
}

// AnalyzeLevel scores one level of the hierarchy over the reduced points.
func AnalyzeLevel(level int, points [][]float64, assignments []int, distances [][]float64) *SilhouetteAnalysis {
	if distances == nil {
		distances = DistanceMatrix(points, EuclideanDistance)
	}
	score := AverageSilhouetteScore(assignments, distances)

	clusters := make(map[int]bool)
	for _, label := range assignments {
		clusters[label] = true
	}

	return &SilhouetteAnalysis{
		Level:        level,
		OverallScore: score,
		NumClusters:  len(clusters),
		NumPoints:    len(assignments),
		Quality:      interpretSilhouetteScore(score),
	}
}

// interpretSilhouetteScore provides human-readable interpretation
func interpretSilhouetteScore(score float64) string {
	switch {
	case score >= 0.71:
		return "Excellent - Strong cluster structure"
	case score >= 0.51:
		return "Good - Reasonable cluster structure"
	case score >= 0.26:
		return "Fair - Weak cluster structure"
	case score >= 0.0:
		return "Poor - No substantial cluster structure"
	default:
		return "Very Poor - Artificial/forced clustering"
	}
}
