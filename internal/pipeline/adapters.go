package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/broadlistening/opinionmap/internal/session"
	"github.com/broadlistening/opinionmap/internal/worker"
)

// Stage labels used to attribute errors in the shared slot.
const (
	labelParse      = "CSV parse"
	labelNormalize  = "opinion processing"
	labelEmbed      = "embedding"
	labelReduce     = "UMAP reduction"
	labelClustering = "clustering"
)

// ModelStore is the durable models collection.
type ModelStore interface {
	PutModel(ctx context.Context, modelID string, data []byte) error
}

// Stages bundles the thin stage adapters: each one validates its input
// synchronously, dispatches a single compute unit, and on success funnels
// the output into the session store via UpdateSession. Adapters never call
// each other; chaining is the Driver's job.
type Stages struct {
	store    *session.Store
	runtime  *worker.Runtime
	models   ModelStore
	required []string
}

// NewStages creates the stage adapters. required overrides the validation
// stage's required columns; nil keeps the default.
func NewStages(store *session.Store, runtime *worker.Runtime, models ModelStore, required []string) *Stages {
	return &Stages{store: store, runtime: runtime, models: models, required: required}
}

// RegisterStages installs all five compute functions on a runtime.
func RegisterStages(rt *worker.Runtime, normalizer *OpinionNormalizer, embed *EmbedStage) {
	rt.Register(worker.StageCSVParser, parseStage)
	rt.Register(worker.StageOpinionProcessor, normalizer.StageFunc())
	rt.Register(worker.StageEmbedding, embed.StageFunc())
	rt.Register(worker.StageUMAP, reduceStage)
	rt.Register(worker.StageClustering, clusterStage)
}

// dispatch runs one compute unit with the busy flag held, funneling any
// stage failure into the shared error slot tagged with the stage label.
func (s *Stages) dispatch(ctx context.Context, label string, req worker.Request) (worker.Result, error) {
	s.store.SetBusy(true)
	defer s.store.SetBusy(false)

	resp := s.runtime.Dispatch(ctx, req)
	if resp.Err != nil {
		s.store.SetError(fmt.Sprintf("[%s] %s", label, resp.Err.Message))
		return nil, fmt.Errorf("%s: %w", label, resp.Err)
	}
	return resp.Result, nil
}

// Upload parses CSV text and, when the validation gate passes, persists
// the discovered columns and rows on the session. Stage outputs derived
// from a previous upload are cleared. An invalid upload performs no
// session write; the validation report carries the diagnostics.
func (s *Stages) Upload(ctx context.Context, sessionID, csvText string) (ValidationResult, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return ValidationResult{}, err
	}
	if strings.TrimSpace(csvText) == "" {
		return ValidationResult{}, fmt.Errorf("CSV text is empty")
	}

	result, err := s.dispatch(ctx, labelParse, worker.Request{
		Stage:   worker.StageCSVParser,
		Payload: ParsePayload{CSVText: csvText},
	})
	if err != nil {
		return ValidationResult{}, err
	}
	parsed := result.(ParseResult)

	report := Validate(parsed, s.required)
	if !report.Valid {
		return report, nil
	}

	_, err = s.store.UpdateSession(ctx, sessionID, session.Patch{
		CSVColumns:        parsed.Fields,
		CSVRows:           parsed.Rows,
		ClearStageOutputs: true,
	})
	if err != nil {
		return report, err
	}
	s.store.ClearError()
	return report, nil
}

// SelectColumns designates the opinion-text column and the attribute
// columns. Pure user input, no compute unit involved. Changing the target
// invalidates previously derived outputs, so they are cleared.
func (s *Stages) SelectColumns(ctx context.Context, sessionID, target string, attributes []string) error {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(current.CSVColumns) == 0 {
		return fmt.Errorf("no CSV uploaded for session %s", sessionID)
	}
	if !containsColumn(current.CSVColumns, target) {
		return fmt.Errorf("target column %q is not one of the CSV columns", target)
	}

	seen := map[string]bool{target: true}
	attrs := make([]string, 0, len(attributes))
	for _, a := range attributes {
		if seen[a] {
			continue
		}
		if !containsColumn(current.CSVColumns, a) {
			return fmt.Errorf("attribute column %q is not one of the CSV columns", a)
		}
		seen[a] = true
		attrs = append(attrs, a)
	}

	_, err = s.store.UpdateSession(ctx, sessionID, session.Patch{
		TargetColumn:      &target,
		AttributeColumns:  attrs,
		ClearStageOutputs: true,
	})
	return err
}

// ProcessOpinions normalizes every non-empty opinion text through the
// language model, one compute unit per row, and persists the flattened
// result. A single failing row aborts the stage; no partial output is
// stored.
func (s *Stages) ProcessOpinions(ctx context.Context, sessionID string) error {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(current.CSVRows) == 0 {
		return fmt.Errorf("no CSV rows uploaded for session %s", sessionID)
	}
	if current.TargetColumn == "" {
		return fmt.Errorf("no target column selected for session %s", sessionID)
	}

	s.store.SetBusy(true)
	defer s.store.SetBusy(false)

	var opinions []string
	for i, row := range current.CSVRows {
		text := strings.TrimSpace(row[current.TargetColumn])
		if text == "" {
			continue
		}

		resp := s.runtime.Dispatch(ctx, worker.Request{
			Stage:     worker.StageOpinionProcessor,
			PayloadID: fmt.Sprintf("%s/%d", sessionID, i),
			Payload:   NormalizePayload{Text: text},
		})
		if resp.Err != nil {
			s.store.SetError(fmt.Sprintf("[%s] row %d: %s", labelNormalize, i+1, resp.Err.Message))
			return fmt.Errorf("%s: row %d: %w", labelNormalize, i+1, resp.Err)
		}
		opinions = append(opinions, resp.Result.(NormalizeResult).Opinions...)
	}

	if len(opinions) == 0 {
		return fmt.Errorf("no opinions produced: every %q value was empty", current.TargetColumn)
	}

	if _, err := s.store.UpdateSession(ctx, sessionID, session.Patch{ProcessedOpinions: opinions}); err != nil {
		return err
	}
	s.store.ClearError()
	return nil
}

// EmbedOpinions embeds the processed opinions as one batch.
func (s *Stages) EmbedOpinions(ctx context.Context, sessionID string) error {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(current.ProcessedOpinions) == 0 {
		return fmt.Errorf("no processed opinions for session %s", sessionID)
	}

	result, err := s.dispatch(ctx, labelEmbed, worker.Request{
		Stage:   worker.StageEmbedding,
		Payload: EmbedPayload{Texts: current.ProcessedOpinions},
	})
	if err != nil {
		return err
	}

	if _, err := s.store.UpdateSession(ctx, sessionID, session.Patch{
		Embeddings: result.(EmbedResult).Vectors,
	}); err != nil {
		return err
	}
	s.store.ClearError()
	return nil
}

// Reduce projects the embeddings to 2-D, persists the fitted model in the
// models collection, and records both the points and the model reference.
func (s *Stages) Reduce(ctx context.Context, sessionID string, params UMAPParams) error {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(current.Embeddings) == 0 {
		return fmt.Errorf("no embeddings for session %s", sessionID)
	}

	result, err := s.dispatch(ctx, labelReduce, worker.Request{
		Stage:   worker.StageUMAP,
		Payload: ReducePayload{Vectors: current.Embeddings, Params: params},
	})
	if err != nil {
		return err
	}
	reduced := result.(ReduceResult)

	modelID := uuid.NewString()
	if err := s.models.PutModel(ctx, modelID, reduced.Model); err != nil {
		return fmt.Errorf("failed to persist fitted model: %w", err)
	}

	if _, err := s.store.UpdateSession(ctx, sessionID, session.Patch{
		ReducedEmbeddings: reduced.Points,
		UMAPModelID:       &modelID,
	}); err != nil {
		return err
	}
	s.store.ClearError()
	return nil
}

// Cluster assigns each reduced point to one of k clusters.
func (s *Stages) Cluster(ctx context.Context, sessionID string, k int) error {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(current.ReducedEmbeddings) == 0 {
		return fmt.Errorf("no reduced embeddings for session %s", sessionID)
	}
	if k < 1 || k > len(current.ReducedEmbeddings) {
		return fmt.Errorf("k must be between 1 and %d, got %d", len(current.ReducedEmbeddings), k)
	}

	result, err := s.dispatch(ctx, labelClustering, worker.Request{
		Stage:   worker.StageClustering,
		Payload: ClusterPayload{Points: current.ReducedEmbeddings, K: k},
	})
	if err != nil {
		return err
	}

	if _, err := s.store.UpdateSession(ctx, sessionID, session.Patch{
		Clusters: result.(ClusterResult).Labels,
	}); err != nil {
		return err
	}
	s.store.ClearError()
	return nil
}
