package llm

import (
	"fmt"
	"os"
)

// NewLanguageModelFromEnv builds the configured language model.
// Environment variables win over the persisted config so a shell override
// never requires editing config.json.
//
// Providers:
//   - "local" (default): any OpenAI-compatible server on this machine
//     (LM Studio, Ollama). This is the on-device path.
//   - "openai": hosted OpenAI API.
//   - "anthropic": hosted Anthropic API.
func NewLanguageModelFromEnv(provider, apiKey, modelName, baseURL string) (LanguageModel, string, error) {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		provider = v
	}
	if provider == "" {
		provider = "local"
	}

	switch provider {
	case "local":
		if v := os.Getenv("LOCAL_LLM_BASE_URL"); v != "" {
			baseURL = v
		}
		if baseURL == "" {
			baseURL = "http://localhost:1234/v1"
		}
		if v := os.Getenv("LOCAL_LLM_MODEL"); v != "" {
			modelName = v
		}
		if modelName == "" {
			modelName = "local-model"
		}
		// Local servers ignore the API key but the SDK requires one
		if apiKey == "" {
			apiKey = "local"
		}
		return NewOpenAIModel(apiKey, modelName, baseURL), modelName, nil

	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			apiKey = v
		}
		if apiKey == "" {
			return nil, "", fmt.Errorf("OPENAI_API_KEY not set")
		}
		if v := os.Getenv("OPENAI_MODEL"); v != "" {
			modelName = v
		}
		if modelName == "" {
			modelName = "gpt-4o-mini"
		}
		if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
			baseURL = v
		}
		return NewOpenAIModel(apiKey, modelName, baseURL), modelName, nil

	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			apiKey = v
		}
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
			modelName = v
		}
		if modelName == "" {
			modelName = "claude-3-5-haiku-20241022"
		}
		return NewAnthropicModel(apiKey, modelName), modelName, nil

	default:
		return nil, "", fmt.Errorf("unknown LLM provider: %s", provider)
	}
}

// NewEmbedderFromEnv builds the configured embedder. With no endpoint
// configured it falls back to a no-op embedder so offline commands keep
// working.
func NewEmbedderFromEnv(apiKey, model, baseURL string, dimension int) Embedder {
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		baseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		model = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		apiKey = v
	}

	if baseURL == "" && apiKey == "" {
		if dimension == 0 {
			dimension = 384
		}
		return NewNoOpEmbedder(dimension)
	}
	return NewHTTPEmbedder(apiKey, model, baseURL, dimension)
}
