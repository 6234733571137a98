// Package pipeline implements the five compute stages (CSV parse, opinion
// normalization, embedding, dimensionality reduction, clustering), the
// validation gate, and the thin adapters that dispatch stages and persist
// their outputs through the session store.
package pipeline

import "github.com/broadlistening/opinionmap/internal/worker"

// --- stage payloads ---

// ParsePayload is the csvParser input: raw CSV text.
type ParsePayload struct {
	CSVText string
}

func (ParsePayload) Stage() worker.StageType { return worker.StageCSVParser }

// NormalizePayload is the opinionProcessor input: one opinion text.
type NormalizePayload struct {
	Text string
}

func (NormalizePayload) Stage() worker.StageType { return worker.StageOpinionProcessor }

// EmbedPayload is the embedding input: a batch of texts.
type EmbedPayload struct {
	Texts []string
}

func (EmbedPayload) Stage() worker.StageType { return worker.StageEmbedding }

// ReducePayload is the umap input: vectors plus reduction parameters.
type ReducePayload struct {
	Vectors [][]float32
	Params  UMAPParams
}

func (ReducePayload) Stage() worker.StageType { return worker.StageUMAP }

// ClusterPayload is the clustering input: low-dimensional points and k.
type ClusterPayload struct {
	Points        [][]float32
	K             int
	MaxIterations int // 0 means the default
}

func (ClusterPayload) Stage() worker.StageType { return worker.StageClustering }

// --- stage results ---

// ParseResult carries parsed rows, discovered columns, and parse-level
// errors. Parse errors do not fail the stage; validation decides.
type ParseResult struct {
	Rows   []map[string]string
	Fields []string
	Errors []string
}

func (ParseResult) Stage() worker.StageType { return worker.StageCSVParser }

// NormalizeResult carries the normalized opinion sentences for one row.
type NormalizeResult struct {
	Opinions []string
}

func (NormalizeResult) Stage() worker.StageType { return worker.StageOpinionProcessor }

// EmbedResult carries one vector per input text, in input order.
type EmbedResult struct {
	Vectors [][]float32
	Dim     int
}

func (EmbedResult) Stage() worker.StageType { return worker.StageEmbedding }

// ReduceResult carries the 2-D points and the serialized fitted model.
type ReduceResult struct {
	Points [][]float32
	Model  []byte
}

func (ReduceResult) Stage() worker.StageType { return worker.StageUMAP }

// ClusterResult carries per-point labels and the final centroids.
// Converged is informational; a non-converged result is still usable.
type ClusterResult struct {
	Labels    []int
	Centroids [][]float32
	Converged bool
}

func (ClusterResult) Stage() worker.StageType { return worker.StageClustering }
