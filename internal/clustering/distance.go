package clustering

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CosineDistance calculates cosine distance between two vectors
// Distance = 1 - cosine_similarity, clamped to [0, 2]
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1.0 // Maximum distance for incompatible vectors
	}

	magA := floats.Norm(a, 2)
	magB := floats.Norm(b, 2)
	if magA == 0.0 || magB == 0.0 {
		return 1.0 // Zero vector = maximum distance
	}

	d := 1.0 - floats.Dot(a, b)/(magA*magB)
	return math.Max(0, math.Min(2, d))
}

// EuclideanDistance calculates Euclidean distance between two vectors
func EuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}
	return floats.Distance(a, b, 2)
}

func squaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// DistanceMatrix computes pairwise distances between all points
func DistanceMatrix(points [][]float64, distanceFunc func(a, b []float64) float64) [][]float64 {
	n := len(points)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := distanceFunc(points[i], points[j])
			matrix[i][j] = d
			matrix[j][i] = d
		}
	}
	return matrix
}

// Centroid returns the mean of the given rows of points.
func Centroid(points [][]float64, members []int) []float64 {
	if len(members) == 0 || len(points) == 0 {
		return nil
	}
	c := make([]float64, len(points[members[0]]))
	for _, m := range members {
		floats.Add(c, points[m])
	}
	floats.Scale(1/float64(len(members)), c)
	return c
}
