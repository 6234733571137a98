package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/broadlistening/opinionmap/internal/llm"
	"github.com/broadlistening/opinionmap/internal/worker"
)

// EmbeddingCache is the durable embeddings_cache collection, keyed by a
// hash of the source text.
type EmbeddingCache interface {
	CacheGet(ctx context.Context, textHash string) ([]float32, bool, error)
	CachePut(ctx context.Context, textHash string, vector []float32) error
}

// HashText returns the cache key for a text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbedStage runs the batch embedding stage with a durable cache in front
// of the embedder. Only cache misses are sent to the embedder; output
// order always matches input order.
type EmbedStage struct {
	embedder llm.Embedder
	cache    EmbeddingCache
}

// NewEmbedStage creates the embedding stage. cache may be nil to disable
// caching.
func NewEmbedStage(embedder llm.Embedder, cache EmbeddingCache) *EmbedStage {
	return &EmbedStage{embedder: embedder, cache: cache}
}

// StageFunc returns the compute function for the embedding stage.
func (s *EmbedStage) StageFunc() worker.StageFunc {
	return func(ctx context.Context, p worker.Payload) (worker.Result, error) {
		payload, ok := p.(EmbedPayload)
		if !ok {
			return nil, &worker.StageError{Kind: worker.ErrKindContract, Message: "embedding: unexpected payload type"}
		}
		if len(payload.Texts) == 0 {
			return nil, &worker.StageError{Kind: worker.ErrKindInput, Message: "embedding batch is empty"}
		}

		vectors := make([][]float32, len(payload.Texts))
		var missTexts []string
		var missIdx []int

		for i, text := range payload.Texts {
			if s.cache == nil {
				missTexts = append(missTexts, text)
				missIdx = append(missIdx, i)
				continue
			}
			cached, ok, err := s.cache.CacheGet(ctx, HashText(text))
			if err != nil {
				// A broken cache must not fail the stage
				log.Printf("⚠️  Embedding cache read failed: %v", err)
			}
			if ok {
				vectors[i] = cached
				continue
			}
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}

		if len(missTexts) > 0 {
			fresh, _, err := s.embedder.EmbedBatch(ctx, missTexts)
			if err != nil {
				return nil, fmt.Errorf("embedder: %w", err)
			}
			if len(fresh) != len(missTexts) {
				return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missTexts))
			}
			for j, vec := range fresh {
				vectors[missIdx[j]] = vec
				if s.cache != nil {
					if err := s.cache.CachePut(ctx, HashText(missTexts[j]), vec); err != nil {
						log.Printf("⚠️  Embedding cache write failed: %v", err)
					}
				}
			}
		}

		dim := 0
		for _, vec := range vectors {
			if len(vec) == 0 {
				return nil, fmt.Errorf("embedder returned an empty vector")
			}
			if dim == 0 {
				dim = len(vec)
			} else if len(vec) != dim {
				return nil, fmt.Errorf("inconsistent embedding dimensions: %d and %d", dim, len(vec))
			}
		}

		return EmbedResult{Vectors: vectors, Dim: dim}, nil
	}
}
