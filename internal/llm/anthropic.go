package llm

import (
	"context"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicModel implements LanguageModel against the Anthropic API.
type AnthropicModel struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicModel creates an Anthropic-backed language model.
func NewAnthropicModel(apiKey, modelName string) *AnthropicModel {
	return &AnthropicModel{
		client: anthropic.NewClient(apiKey),
		model:  modelName,
	}
}

// Availability probes the API with a minimal request. Auth or network
// failures map to unavailable.
func (m *AnthropicModel) Availability(ctx context.Context) Availability {
	_, err := m.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model: anthropic.Model(m.model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent("ping")},
		}},
		MaxTokens: 1,
	})
	if err != nil {
		return AvailabilityUnavailable
	}
	return AvailabilityAvailable
}

// Prompt sends one user message and returns the concatenated text blocks.
func (m *AnthropicModel) Prompt(ctx context.Context, text string, opts *PromptOptions) (string, error) {
	req := anthropic.MessagesRequest{
		Model: anthropic.Model(m.model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(text)},
		}},
		MaxTokens: 4096,
	}

	system := ""
	if opts != nil {
		system = opts.System
	}
	if opts != nil && opts.SchemaJSON != "" {
		schemaNote := "Respond only with JSON matching this schema, no prose:\n" + opts.SchemaJSON
		if system != "" {
			system += "\n\n" + schemaNote
		} else {
			system = schemaNote
		}
	}
	if system != "" {
		req.MultiSystem = []anthropic.MessageSystemPart{{
			Type: "text",
			Text: system,
		}}
	}

	resp, err := m.client.CreateMessages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("messages request failed: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			out += *block.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("empty response from model %s", m.model)
	}
	return out, nil
}
