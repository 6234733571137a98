package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/broadlistening/opinionmap/internal/session"
)

// DriverConfig carries the parameters the driver uses for the stages that
// need them.
type DriverConfig struct {
	UMAP UMAPParams
	K    int
}

// Driver chains the pipeline: it reads the session's derived progress and
// dispatches the next eligible stage until the session is clustered. The
// stage adapters stay decoupled; only the driver knows the order.
//
// Upload and column selection are user actions, so the driver refuses to
// run until both are done.
type Driver struct {
	stages *Stages
	store  *session.Store
	cfg    DriverConfig
}

// NewDriver creates a pipeline driver.
func NewDriver(stages *Stages, store *session.Store, cfg DriverConfig) *Driver {
	if cfg.K == 0 {
		cfg.K = 5
	}
	return &Driver{stages: stages, store: store, cfg: cfg}
}

// Run advances the session until it is fully clustered or a stage fails.
func (d *Driver) Run(ctx context.Context, sessionID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		switch {
		case len(s.CSVColumns) == 0:
			return fmt.Errorf("session %s has no uploaded CSV; upload first", sessionID)
		case s.TargetColumn == "":
			return fmt.Errorf("session %s has no target column selected; select columns first", sessionID)
		case len(s.ProcessedOpinions) == 0:
			log.Printf("🔄 [%s] processing opinions (%d rows)", s.Name, len(s.CSVRows))
			if err := d.stages.ProcessOpinions(ctx, sessionID); err != nil {
				return err
			}
		case len(s.Embeddings) == 0:
			log.Printf("🔄 [%s] embedding %d opinions", s.Name, len(s.ProcessedOpinions))
			if err := d.stages.EmbedOpinions(ctx, sessionID); err != nil {
				return err
			}
		case len(s.ReducedEmbeddings) == 0:
			log.Printf("🔄 [%s] reducing %d vectors", s.Name, len(s.Embeddings))
			if err := d.stages.Reduce(ctx, sessionID, d.cfg.UMAP); err != nil {
				return err
			}
		case len(s.Clusters) == 0:
			k := d.cfg.K
			if k > len(s.ReducedEmbeddings) {
				k = len(s.ReducedEmbeddings)
			}
			log.Printf("🔄 [%s] clustering into %d clusters", s.Name, k)
			if err := d.stages.Cluster(ctx, sessionID, k); err != nil {
				return err
			}
		default:
			log.Printf("✅ [%s] pipeline complete", s.Name)
			return nil
		}
	}
}
