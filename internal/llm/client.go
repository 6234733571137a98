// Package llm provides the language-model capability used by the opinion
// normalization stage, and the embedder used by the embedding stage.
package llm

import "context"

// Availability describes whether the configured language model can serve
// prompts right now.
type Availability string

const (
	AvailabilityAvailable    Availability = "available"
	AvailabilityDownloadable Availability = "downloadable"
	AvailabilityUnavailable  Availability = "unavailable"
	AvailabilityNotSupported Availability = "not-supported"
)

// PromptOptions carries the optional knobs for one prompt call.
type PromptOptions struct {
	// System is prepended as a system instruction.
	System string
	// SchemaJSON, when set, asks the model to reply with JSON matching
	// this schema. The caller validates the reply; the model is only
	// instructed.
	SchemaJSON string
}

// LanguageModel is the opaque capability: given text, return text (or
// structured-JSON-shaped text), or fail.
type LanguageModel interface {
	Availability(ctx context.Context) Availability
	Prompt(ctx context.Context, text string, opts *PromptOptions) (string, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error)
	Dimension() int
}
