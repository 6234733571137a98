package llm

import (
	"context"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIModel implements LanguageModel against any OpenAI-compatible chat
// endpoint. With a local base URL (LM Studio, Ollama) this is the
// on-device capability; with the default base URL it talks to OpenAI.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel creates a client. baseURL may be empty for the hosted API.
func NewOpenAIModel(apiKey, modelName, baseURL string) *OpenAIModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(config),
		model:  modelName,
	}
}

// Availability pings the models endpoint. A reachable endpoint is
// available; anything else is unavailable (an OpenAI-compatible server
// has no separate "downloadable" state to report).
func (m *OpenAIModel) Availability(ctx context.Context) Availability {
	if _, err := m.client.ListModels(ctx); err != nil {
		return AvailabilityUnavailable
	}
	return AvailabilityAvailable
}

// Prompt sends one user message and returns the assistant text.
func (m *OpenAIModel) Prompt(ctx context.Context, text string, opts *PromptOptions) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)

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
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from model %s", m.model)
	}
	return resp.Choices[0].Message.Content, nil
}
