package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/broadlistening/opinionmap/internal/worker"
)

// defaultMaxIterations bounds the k-means loop.
const defaultMaxIterations = 100

// KMeans assigns each point to one of k clusters. Initialization takes
// the first k points; an emptied cluster is reseeded with a random point.
// Non-convergence after maxIter is not an error: the best-effort labels
// are returned with converged=false.
func KMeans(points [][]float32, k, maxIter int, rng *rand.Rand) (labels []int, centroids [][]float32, converged bool, err error) {
	n := len(points)
	if n == 0 {
		return nil, nil, false, fmt.Errorf("no points to cluster")
	}
	if k < 1 {
		return nil, nil, false, fmt.Errorf("k must be at least 1, got %d", k)
	}
	if k > n {
		return nil, nil, false, fmt.Errorf("k (%d) exceeds point count (%d)", k, n)
	}
	dim := len(points[0])
	for i, p := range points {
		if len(p) != dim {
			return nil, nil, false, fmt.Errorf("inconsistent point dimensions: point 0 has %d, point %d has %d", dim, i, len(p))
		}
	}
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	centroids = make([][]float32, k)
	for j := 0; j < k; j++ {
		centroids[j] = append([]float32(nil), points[j]...)
	}
	labels = make([]int, n)

	for iter := 0; iter < maxIter; iter++ {
		// Assignment
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for j, c := range centroids {
				if d := euclideanF32(p, c); d < bestDist {
					best, bestDist = j, d
				}
			}
			labels[i] = best
		}

		// Centroid update
		next := make([][]float32, k)
		counts := make([]int, k)
		for j := range next {
			next[j] = make([]float32, dim)
		}
		for i, p := range points {
			counts[labels[i]]++
			for d := range p {
				next[labels[i]][d] += p[d]
			}
		}
		for j := range next {
			if counts[j] > 0 {
				for d := range next[j] {
					next[j][d] /= float32(counts[j])
				}
			} else {
				// Reseed an emptied cluster
				next[j] = append([]float32(nil), points[rng.Intn(n)]...)
			}
		}

		if centroidsEqual(centroids, next) {
			return labels, next, true, nil
		}
		centroids = next
	}

	return labels, centroids, false, nil
}

func centroidsEqual(a, b [][]float32) bool {
	const eps = 1e-6
	for j := range a {
		for d := range a[j] {
			if math.Abs(float64(a[j][d])-float64(b[j][d])) > eps {
				return false
			}
		}
	}
	return true
}

// clusterStage wraps KMeans as a compute unit.
func clusterStage(_ context.Context, p worker.Payload) (worker.Result, error) {
	payload, ok := p.(ClusterPayload)
	if !ok {
		return nil, &worker.StageError{Kind: worker.ErrKindContract, Message: "clustering: unexpected payload type"}
	}

	rng := rand.New(rand.NewSource(int64(len(payload.Points))))
	labels, centroids, converged, err := KMeans(payload.Points, payload.K, payload.MaxIterations, rng)
	if err != nil {
		return nil, err
	}
	return ClusterResult{Labels: labels, Centroids: centroids, Converged: converged}, nil
}
