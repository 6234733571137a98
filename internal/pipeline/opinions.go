package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/broadlistening/opinionmap/internal/llm"
	"github.com/broadlistening/opinionmap/internal/worker"
)

// opinionSchemaJSON is the shape the model must reply with: each source
// row may normalize into one or more separate opinions.
const opinionSchemaJSON = `{
	"type": "object",
	"properties": {
		"opinions": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		}
	},
	"required": ["opinions"]
}`

const normalizeSystem = "You normalize raw citizen opinions for analysis. " +
	"Rewrite the opinion in polite form, remove any personally identifying " +
	"information, and split it into separate opinions when it contains more " +
	"than one distinct point."

// OpinionNormalizer runs the language-model-backed normalization stage.
type OpinionNormalizer struct {
	model llm.LanguageModel

	availOnce sync.Once
	avail     llm.Availability
}

// NewOpinionNormalizer creates the normalization stage.
func NewOpinionNormalizer(model llm.LanguageModel) *OpinionNormalizer {
	return &OpinionNormalizer{model: model}
}

// available checks the model once per process. A batch of rows hits the
// same endpoint; re-pinging it per row buys nothing.
func (n *OpinionNormalizer) available(ctx context.Context) llm.Availability {
	n.availOnce.Do(func() {
		n.avail = n.model.Availability(ctx)
	})
	return n.avail
}

// StageFunc returns the compute function for the opinionProcessor stage.
func (n *OpinionNormalizer) StageFunc() worker.StageFunc {
	return func(ctx context.Context, p worker.Payload) (worker.Result, error) {
		payload, ok := p.(NormalizePayload)
		if !ok {
			return nil, &worker.StageError{Kind: worker.ErrKindContract, Message: "opinionProcessor: unexpected payload type"}
		}
		if strings.TrimSpace(payload.Text) == "" {
			return nil, &worker.StageError{Kind: worker.ErrKindInput, Message: "opinion text is empty"}
		}
		if avail := n.available(ctx); avail != llm.AvailabilityAvailable {
			return nil, fmt.Errorf("language model is %s", avail)
		}

		reply, err := n.model.Prompt(ctx, payload.Text, &llm.PromptOptions{
			System:     normalizeSystem,
			SchemaJSON: opinionSchemaJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("language model: %w", err)
		}

		opinions, err := decodeOpinions(reply)
		if err != nil {
			return nil, err
		}
		return NormalizeResult{Opinions: opinions}, nil
	}
}

// decodeOpinions parses and schema-checks a model reply. A non-JSON reply
// where JSON was required is a stage error, not a silently accepted string.
func decodeOpinions(reply string) ([]string, error) {
	cleaned := stripCodeFence(reply)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(opinionSchemaJSON),
		gojsonschema.NewStringLoader(cleaned),
	)
	if err != nil {
		return nil, fmt.Errorf("model reply is not valid JSON: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("model reply does not match schema: %s", strings.Join(details, "; "))
	}

	var parsed struct {
		Opinions []string `json:"opinions"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model reply: %w", err)
	}

	out := make([]string, 0, len(parsed.Opinions))
	for _, op := range parsed.Opinions {
		if s := strings.TrimSpace(op); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model reply contained no opinions")
	}
	return out, nil
}

// stripCodeFence removes a markdown code fence wrapper if the model added
// one despite the JSON-only instruction.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
