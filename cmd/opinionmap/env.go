package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/broadlistening/opinionmap/internal/config"
	"github.com/broadlistening/opinionmap/internal/llm"
	"github.com/broadlistening/opinionmap/internal/pipeline"
	"github.com/broadlistening/opinionmap/internal/search"
	"github.com/broadlistening/opinionmap/internal/session"
	"github.com/broadlistening/opinionmap/internal/store"
	"github.com/broadlistening/opinionmap/internal/worker"
)

type runtimeEnv struct {
	DataDir  string
	DB       *store.DB
	Sessions *session.Store
	Runtime  *worker.Runtime
	Stages   *pipeline.Stages
	Index    *search.OpinionIndex
	Config   *config.Config
}

func (r *runtimeEnv) Close() {
	if r.Index != nil {
		if err := r.Index.Close(); err != nil {
			log.Printf("⚠️  Failed to close opinion index: %v", err)
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			log.Printf("⚠️  Failed to close database: %v", err)
		}
	}
}

func prepareRuntimeEnv(ctx context.Context, dataDirFlag string) (*runtimeEnv, error) {
	// Determine data directory
	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = os.Getenv("OPINIONMAP_DATA_DIR")
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".opinionmap")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Load user configuration
	userConfig := loadUserConfig()

	// Populate environment variables from config.
	// We allow config to override environment if explicitly set: if the user
	// persisted a provider choice, it takes precedence over stale shell vars.
	if userConfig.LLMProvider != "" {
		os.Setenv("LLM_PROVIDER", userConfig.LLMProvider)
	}
	if userConfig.APIKey != "" {
		switch userConfig.LLMProvider {
		case "openai":
			os.Setenv("OPENAI_API_KEY", userConfig.APIKey)
			if userConfig.Model != "" {
				os.Setenv("OPENAI_MODEL", userConfig.Model)
			}
			if userConfig.BaseURL != "" {
				os.Setenv("OPENAI_BASE_URL", userConfig.BaseURL)
			}
		case "anthropic":
			os.Setenv("ANTHROPIC_API_KEY", userConfig.APIKey)
			if userConfig.Model != "" {
				os.Setenv("ANTHROPIC_MODEL", userConfig.Model)
			}
		case "local", "":
			if userConfig.BaseURL != "" {
				os.Setenv("LOCAL_LLM_BASE_URL", userConfig.BaseURL)
			}
			if userConfig.Model != "" {
				os.Setenv("LOCAL_LLM_MODEL", userConfig.Model)
			}
		}
	}

	// Durable store
	dbPath := filepath.Join(absDataDir, "opinionmap.db")
	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Session store, hydrated from disk
	sessions := session.NewStore(db)
	if err := sessions.FetchSessions(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	// Language model and embedder
	model, modelName, err := llm.NewLanguageModelFromEnv(
		userConfig.LLMProvider, userConfig.APIKey, userConfig.Model, userConfig.BaseURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("🤖 Language model: %s", modelName)

	embedder := llm.NewEmbedderFromEnv(
		userConfig.EmbeddingKey, userConfig.EmbeddingModel,
		userConfig.EmbeddingBaseURL, userConfig.EmbeddingDim)
	log.Printf("📊 Embedding dimension: %d", embedder.Dimension())

	// Stage runtime
	timeout := time.Duration(userConfig.DispatchTimeout) * time.Second
	runtime := worker.NewRuntime(timeout)
	pipeline.RegisterStages(runtime,
		pipeline.NewOpinionNormalizer(model),
		pipeline.NewEmbedStage(embedder, db))

	// Full-text opinion index
	index, err := search.NewOpinionIndex(dbPath)
	if err != nil {
		log.Printf("⚠️  Failed to open opinion index: %v (search will be disabled)", err)
		index = nil
	}

	required := userConfig.RequiredColumns
	if len(required) == 0 {
		required = pipeline.DefaultRequiredColumns
	}

	stages := pipeline.NewStages(sessions, runtime, db, required)

	return &runtimeEnv{
		DataDir:  absDataDir,
		DB:       db,
		Sessions: sessions,
		Runtime:  runtime,
		Stages:   stages,
		Index:    index,
		Config:   userConfig,
	}, nil
}

// loadUserConfig loads the persisted configuration, falling back to an empty
// config so the CLI still works before any setup.
func loadUserConfig() *config.Config {
	cfgManager, err := config.NewManager()
	if err != nil {
		log.Printf("⚠️  Failed to initialize config manager: %v", err)
		return &config.Config{}
	}

	userConfig, err := cfgManager.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load user config: %v", err)
		return &config.Config{}
	}
	if cfgManager.Exists() {
		log.Printf("User config loaded from: %s", cfgManager.GetConfigPath())
	}
	return userConfig
}
