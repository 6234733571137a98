// Package session holds the session entity and the orchestrator state
// container that sequences pipeline stages and persists their outputs.
package session

import "time"

// Session is the accumulated state of one end-to-end analysis run.
// Stage outputs are nil until their stage completes; field presence is the
// only completion signal, so progress is always derivable from the record
// alone and survives a restart.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`

	CSVColumns       []string            `json:"csvColumns,omitempty"`
	CSVRows          []map[string]string `json:"csvRows,omitempty"`
	TargetColumn     string              `json:"targetColumn,omitempty"`
	AttributeColumns []string            `json:"attributeColumns,omitempty"`

	ProcessedOpinions []string    `json:"processedOpinions,omitempty"`
	Embeddings        [][]float32 `json:"embeddings,omitempty"`
	ReducedEmbeddings [][]float32 `json:"reducedEmbeddings,omitempty"`
	Clusters          []int       `json:"clusters,omitempty"`
	UMAPModelID       string      `json:"umapModelId,omitempty"`
}

// Patch is a partial session update. Nil fields are left untouched by the
// merge; set fields overwrite.
type Patch struct {
	Name             *string
	CSVColumns       []string
	CSVRows          []map[string]string
	TargetColumn     *string
	AttributeColumns []string

	ProcessedOpinions []string
	Embeddings        [][]float32
	ReducedEmbeddings [][]float32
	Clusters          []int
	UMAPModelID       *string

	// ClearStageOutputs removes all pipeline outputs before the patch
	// fields are applied. Set when upstream input changes (re-upload,
	// column re-selection) so stale downstream results never linger.
	ClearStageOutputs bool
}

// apply merges the patch into the session (shallow merge, later fields win).
func (s *Session) apply(p Patch) {
	if p.ClearStageOutputs {
		s.ProcessedOpinions = nil
		s.Embeddings = nil
		s.ReducedEmbeddings = nil
		s.Clusters = nil
		s.UMAPModelID = ""
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.CSVColumns != nil {
		s.CSVColumns = p.CSVColumns
	}
	if p.CSVRows != nil {
		s.CSVRows = p.CSVRows
	}
	if p.TargetColumn != nil {
		s.TargetColumn = *p.TargetColumn
	}
	if p.AttributeColumns != nil {
		s.AttributeColumns = p.AttributeColumns
	}
	if p.ProcessedOpinions != nil {
		s.ProcessedOpinions = p.ProcessedOpinions
	}
	if p.Embeddings != nil {
		s.Embeddings = p.Embeddings
	}
	if p.ReducedEmbeddings != nil {
		s.ReducedEmbeddings = p.ReducedEmbeddings
	}
	if p.Clusters != nil {
		s.Clusters = p.Clusters
	}
	if p.UMAPModelID != nil {
		s.UMAPModelID = *p.UMAPModelID
	}
}

// clone returns a deep-enough copy for handing out without aliasing the
// store's internal record. Slice contents are shared; callers treat stage
// outputs as read-only.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
