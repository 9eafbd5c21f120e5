package clustering

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultNeighbors is the neighbourhood size of the similarity graph.
const DefaultNeighbors = 15

// ReducedDims is the dimensionality of the reduced space.
const ReducedDims = 2

var errEigen = errors.New("eigendecomposition did not converge")

// Reduce projects vectors into ReducedDims dimensions with Laplacian
// eigenmaps: a k-nearest-neighbour graph under cosine distance, self-tuning
// Gaussian affinities, and the leading non-trivial eigenvectors of the
// normalized affinity matrix. Arguments that are close in the original space
// stay close. The result is deterministic for a given input.
func Reduce(vectors [][]float64, neighbors int) ([][]float64, error) {
	n := len(vectors)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, ReducedDims)
	}
	if n <= 2 {
		// Too few points for a graph; spread them on the first axis.
		for i := range out {
			out[i][0] = float64(i)
		}
		standardize(out)
		return out, nil
	}

	k := neighbors
	if k <= 0 {
		k = DefaultNeighbors
	}
	k = min(k, n-1)

	dist := DistanceMatrix(vectors, CosineDistance)
	knn := nearestNeighbors(dist, k)

	// Local scale: distance to the k-th neighbour.
	sigma := make([]float64, n)
	for i := range sigma {
		sigma[i] = math.Max(dist[i][knn[i][k-1]], 1e-10)
	}

	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for _, j := range knn[i] {
			a := math.Exp(-dist[i][j] * dist[i][j] / (sigma[i] * sigma[j]))
			if a > w.At(i, j) {
				w.SetSym(i, j, a)
			}
		}
	}

	deg := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			deg[i] += w.At(i, j)
		}
		deg[i] = math.Max(deg[i], 1e-12)
	}

	// M = D^-1/2 W D^-1/2 shares eigenvectors with the normalized Laplacian;
	// its largest eigenvalues are the Laplacian's smallest.
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if v := w.At(i, j); v != 0 {
				m.SetSym(i, j, v/math.Sqrt(deg[i]*deg[j]))
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return nil, fmt.Errorf("spectral reduction: %w", errEigen)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues are ascending; column n-1 is the trivial one.
	dims := min(ReducedDims, n-1)
	for d := 0; d < dims; d++ {
		col := n - 2 - d
		v := make([]float64, n)
		for i := 0; i < n; i++ {
			v[i] = vecs.At(i, col) / math.Sqrt(deg[i])
		}
		flipSign(v)
		for i := 0; i < n; i++ {
			out[i][d] = v[i]
		}
	}

	standardize(out)
	return out, nil
}

// nearestNeighbors returns, per point, the indices of its k nearest other
// points. Ties are broken by index.
func nearestNeighbors(dist [][]float64, k int) [][]int {
	n := len(dist)
	out := make([][]int, n)
	idx := make([]int, 0, n-1)
	for i := 0; i < n; i++ {
		idx = idx[:0]
		for j := 0; j < n; j++ {
			if j != i {
				idx = append(idx, j)
			}
		}
		row := dist[i]
		sort.SliceStable(idx, func(a, b int) bool {
			return row[idx[a]] < row[idx[b]]
		})
		out[i] = append([]int(nil), idx[:k]...)
	}
	return out
}

// flipSign makes the entry with the largest magnitude positive so that the
// eigenvector orientation does not depend on the solver.
func flipSign(v []float64) {
	best := 0
	for i := range v {
		if math.Abs(v[i]) > math.Abs(v[best]) {
			best = i
		}
	}
	if v[best] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
}

// standardize centers each dimension and scales it to unit variance.
func standardize(points [][]float64) {
	if len(points) == 0 {
		return
	}
	col := make([]float64, len(points))
	for d := range points[0] {
		for i, p := range points {
			col[i] = p[d]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		for _, p := range points {
			p[d] -= mean
			if std > 1e-12 {
				p[d] /= std
			}
		}
	}
}
