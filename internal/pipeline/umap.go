package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/broadlistening/opinionmap/internal/worker"
)

// UMAPParams are the reduction knobs. Zero values take defaults.
type UMAPParams struct {
	NNeighbors  int     `json:"nNeighbors"`
	MinDist     float64 `json:"minDist"`
	NComponents int     `json:"nComponents"`
	NEpochs     int     `json:"nEpochs"`
	Seed        int64   `json:"seed"`
}

func (p UMAPParams) withDefaults() UMAPParams {
	if p.NNeighbors == 0 {
		p.NNeighbors = 15
	}
	if p.MinDist == 0 {
		p.MinDist = 0.1
	}
	if p.NComponents == 0 {
		p.NComponents = 2
	}
	if p.NEpochs == 0 {
		p.NEpochs = 200
	}
	return p
}

func (p UMAPParams) validate() error {
	if p.NNeighbors < 2 {
		return fmt.Errorf("nNeighbors must be at least 2, got %d", p.NNeighbors)
	}
	if p.MinDist < 0 {
		return fmt.Errorf("minDist must not be negative, got %g", p.MinDist)
	}
	if p.NComponents < 1 {
		return fmt.Errorf("nComponents must be at least 1, got %d", p.NComponents)
	}
	if p.NEpochs < 1 {
		return fmt.Errorf("nEpochs must be at least 1, got %d", p.NEpochs)
	}
	return nil
}

// UMAPModel is the fitted model persisted in the models collection and
// referenced by a session's umapModelId.
type UMAPModel struct {
	Params UMAPParams  `json:"params"`
	Points [][]float32 `json:"points"`
}

// minUMAPPoints is the smallest input that still yields a meaningful
// neighborhood graph.
const minUMAPPoints = 4

// ReduceUMAP projects high-dimensional vectors down to
// params.NComponents dimensions: a k-nearest-neighbor graph with fuzzy
// edge weights, random initialization, then an attract/repulse layout
// pass per epoch. Deterministic for a fixed seed.
func ReduceUMAP(ctx context.Context, vectors [][]float32, params UMAPParams) ([][]float32, error) {
	params = params.withDefaults()
	if err := params.validate(); err != nil {
		return nil, err
	}

	n := len(vectors)
	if n < minUMAPPoints {
		return nil, fmt.Errorf("too few points for reduction: have %d, need at least %d", n, minUMAPPoints)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("inconsistent vector dimensions: point 0 has %d, point %d has %d", dim, i, len(v))
		}
	}
	if dim == 0 {
		return nil, fmt.Errorf("input vectors are empty")
	}

	k := params.NNeighbors
	if k > n-1 {
		k = n - 1
	}

	edges := buildFuzzyGraph(vectors, k)
	rng := rand.New(rand.NewSource(params.Seed))

	// Random init in a small box; the layout pass spreads it out
	points := make([][]float64, n)
	for i := range points {
		p := make([]float64, params.NComponents)
		for d := range p {
			p[d] = rng.Float64()*20 - 10
		}
		points[i] = p
	}

	for epoch := 0; epoch < params.NEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reduction canceled: %w", err)
		}
		alpha := 1.0 - float64(epoch)/float64(params.NEpochs)

		for _, e := range edges {
			// Sample edges proportionally to their weight
			if rng.Float64() > e.weight {
				continue
			}
			attract(points[e.from], points[e.to], alpha, params.MinDist)

			// One negative sample per applied edge
			m := rng.Intn(n)
			if m != e.from {
				repulse(points[e.from], points[m], alpha)
			}
		}
	}

	out := make([][]float32, n)
	for i, p := range points {
		row := make([]float32, len(p))
		for d, v := range p {
			row[d] = float32(v)
		}
		out[i] = row
	}
	return out, nil
}

type fuzzyEdge struct {
	from, to int
	weight   float64
}

// buildFuzzyGraph computes exact k-nearest neighbors and converts the
// distances to edge weights relative to each point's local scale.
func buildFuzzyGraph(vectors [][]float32, k int) []fuzzyEdge {
	n := len(vectors)
	type neighbor struct {
		idx  int
		dist float64
	}

	edges := make([]fuzzyEdge, 0, n*k)
	for i := 0; i < n; i++ {
		neighbors := make([]neighbor, 0, n-1)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			neighbors = append(neighbors, neighbor{idx: j, dist: euclideanF32(vectors[i], vectors[j])})
		}
		sort.Slice(neighbors, func(a, b int) bool { return neighbors[a].dist < neighbors[b].dist })
		neighbors = neighbors[:k]

		// Local connectivity: the nearest neighbor always gets full
		// weight; farther ones decay against the local scale.
		rho := neighbors[0].dist
		sigma := 0.0
		for _, nb := range neighbors {
			sigma += nb.dist
		}
		sigma /= float64(k)
		if sigma <= 0 {
			sigma = 1e-9
		}

		for _, nb := range neighbors {
			w := math.Exp(-math.Max(0, nb.dist-rho) / sigma)
			edges = append(edges, fuzzyEdge{from: i, to: nb.idx, weight: w})
		}
	}
	return edges
}

func attract(a, b []float64, alpha, minDist float64) {
	d2 := sqDist(a, b)
	if d2 <= minDist*minDist {
		return
	}
	// Gradient of the low-dimensional similarity 1/(1+d^2)
	grad := -2.0 * alpha / (1.0 + d2)
	for d := range a {
		delta := clip(grad * (a[d] - b[d]))
		a[d] += delta
	}
}

func repulse(a, b []float64, alpha float64) {
	d2 := sqDist(a, b)
	grad := 2.0 * alpha / ((0.001 + d2) * (1.0 + d2))
	for d := range a {
		delta := clip(grad * (a[d] - b[d]))
		a[d] += delta
	}
}

// clip bounds a single gradient step to keep early epochs stable.
func clip(v float64) float64 {
	if v > 4 {
		return 4
	}
	if v < -4 {
		return -4
	}
	return v
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for d := range a {
		diff := a[d] - b[d]
		sum += diff * diff
	}
	return sum
}

func euclideanF32(a, b []float32) float64 {
	sum := 0.0
	for d := range a {
		diff := float64(a[d]) - float64(b[d])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// reduceStage wraps ReduceUMAP as a compute unit and serializes the
// fitted model alongside the points.
func reduceStage(ctx context.Context, p worker.Payload) (worker.Result, error) {
	payload, ok := p.(ReducePayload)
	if !ok {
		return nil, &worker.StageError{Kind: worker.ErrKindContract, Message: "umap: unexpected payload type"}
	}

	points, err := ReduceUMAP(ctx, payload.Vectors, payload.Params)
	if err != nil {
		return nil, err
	}

	model, err := json.Marshal(UMAPModel{Params: payload.Params.withDefaults(), Points: points})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize fitted model: %w", err)
	}
	return ReduceResult{Points: points, Model: model}, nil
}
