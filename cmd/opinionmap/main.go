package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/broadlistening/opinionmap/internal/config"
	"github.com/broadlistening/opinionmap/internal/intake"
	"github.com/broadlistening/opinionmap/internal/pipeline"
	"github.com/broadlistening/opinionmap/internal/search"
	"github.com/broadlistening/opinionmap/internal/session"
)

const usage = `opinionmap - cluster citizen opinions from CSV responses

Usage: opinionmap <command> [flags]

Session commands:
  sessions              List all sessions
  create   -name        Create a new session
  select   -id          Select the current session
  delete   -id          Delete a session
  status   [-id]        Show pipeline progress for a session

Pipeline commands:
  upload   -file [-id]  Upload and validate a CSV file
  columns  -target [-attrs a,b] [-id]
                        Select the opinion column and attribute columns
  process  [-id]        Normalize opinions with the language model
  embed    [-id]        Embed processed opinions
  reduce   [-id]        Reduce embeddings to 2D with UMAP
  cluster  -k [-id]     Cluster reduced embeddings with k-means
  run      [-id] [-k]   Run all remaining stages in order

Other commands:
  search   -query [-id] Full-text search over processed opinions
  export   -out [-id]   Export opinions, points and clusters as JSON
  watch    -dir         Watch a directory and ingest dropped CSV files
  config                Persist provider settings

Common flags:
  -data                 Data directory (default: ~/.opinionmap)
`

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx := context.Background()

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	if err := runCommand(ctx, cmd, rest); err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func runCommand(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "sessions":
		return cmdSessions(ctx, args)
	case "create":
		return cmdCreate(ctx, args)
	case "select":
		return cmdSelect(ctx, args)
	case "delete":
		return cmdDelete(ctx, args)
	case "status":
		return cmdStatus(ctx, args)
	case "upload":
		return cmdUpload(ctx, args)
	case "columns":
		return cmdColumns(ctx, args)
	case "process":
		return cmdProcess(ctx, args)
	case "embed":
		return cmdEmbed(ctx, args)
	case "reduce":
		return cmdReduce(ctx, args)
	case "cluster":
		return cmdCluster(ctx, args)
	case "run":
		return cmdRun(ctx, args)
	case "search":
		return cmdSearch(ctx, args)
	case "export":
		return cmdExport(ctx, args)
	case "watch":
		return cmdWatch(ctx, args)
	case "config":
		return cmdConfig(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// resolveSessionID returns the explicit id when given, otherwise the
// currently selected session.
func resolveSessionID(env *runtimeEnv, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if current := env.Sessions.CurrentSessionID(); current != "" {
		return current, nil
	}
	return "", fmt.Errorf("no session selected; pass -id or run 'opinionmap select'")
}

func cmdSessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessions := env.Sessions.Sessions()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, s := range sessions {
		steps := session.Progress(s)
		fmt.Printf("%s  %-24s  %d/%d steps  created %s\n",
			s.ID, s.Name, session.CompletedSteps(steps), len(steps),
			s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func cmdCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	name := fs.String("name", "", "Session name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.Sessions.CreateSession(ctx, *name)
	if err != nil {
		return err
	}
	fmt.Printf("created session %s (%s)\n", s.ID, s.Name)
	return nil
}

func cmdSelect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	s, err := env.Sessions.LoadSession(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("selected session %s (%s)\n", s.ID, s.Name)
	return nil
}

func cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.Sessions.DeleteSession(ctx, *id); err != nil {
		return err
	}
	if env.Index != nil {
		if err := env.Index.DeleteSession(*id); err != nil {
			log.Printf("⚠️  Failed to remove session from index: %v", err)
		}
	}
	fmt.Printf("deleted session %s\n", *id)
	return nil
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}
	s, err := env.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("session %s (%s)\n", s.ID, s.Name)
	if s.TargetColumn != "" {
		fmt.Printf("target column: %s\n", s.TargetColumn)
	}
	if len(s.AttributeColumns) > 0 {
		fmt.Printf("attribute columns: %s\n", strings.Join(s.AttributeColumns, ", "))
	}
	steps := session.Progress(s)
	for _, step := range steps {
		mark := " "
		if step.Done {
			mark = "x"
		}
		fmt.Printf("  [%s] %s\n", mark, step.Name)
	}
	fmt.Printf("%.0f%% complete\n", session.Ratio(steps)*100)

	if notice := env.Sessions.Notice(); notice != nil {
		fmt.Printf("%s: %s\n", notice.Kind, notice.Message)
	}
	return nil
}

func cmdUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	file := fs.String("file", "", "Path to the CSV file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read CSV file: %w", err)
	}

	report, err := env.Stages.Upload(ctx, sessionID, string(data))
	if err != nil {
		return err
	}
	printValidation(report)
	if !report.Valid {
		return fmt.Errorf("CSV validation failed")
	}
	return nil
}

func printValidation(report pipeline.ValidationResult) {
	if report.Valid {
		fmt.Printf("✅ valid CSV: %d rows, %d columns (%s)\n",
			report.Stats.RowCount, report.Stats.ColumnCount,
			strings.Join(report.Stats.Columns, ", "))
	} else {
		fmt.Printf("❌ invalid CSV: %d rows, %d columns\n",
			report.Stats.RowCount, report.Stats.ColumnCount)
	}
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	for _, w := range report.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func cmdColumns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("columns", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	target := fs.String("target", "", "Column holding opinion text")
	attrs := fs.String("attrs", "", "Comma-separated attribute columns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("-target is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}

	var attributes []string
	for _, a := range strings.Split(*attrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			attributes = append(attributes, a)
		}
	}

	if err := env.Stages.SelectColumns(ctx, sessionID, *target, attributes); err != nil {
		return err
	}
	fmt.Printf("target column set to %q\n", *target)
	return nil
}

func cmdProcess(ctx context.Context, args []string) error {
	return runStage(ctx, args, "process", func(ctx context.Context, env *runtimeEnv, sessionID string) error {
		if err := env.Stages.ProcessOpinions(ctx, sessionID); err != nil {
			return err
		}
		return reindexSession(ctx, env, sessionID)
	})
}

func cmdEmbed(ctx context.Context, args []string) error {
	return runStage(ctx, args, "embed", func(ctx context.Context, env *runtimeEnv, sessionID string) error {
		return env.Stages.EmbedOpinions(ctx, sessionID)
	})
}

func cmdReduce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reduce", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	neighbors := fs.Int("neighbors", 0, "UMAP n_neighbors (default 15)")
	minDist := fs.Float64("min-dist", 0, "UMAP min_dist (default 0.1)")
	epochs := fs.Int("epochs", 0, "UMAP epochs (default 200)")
	seed := fs.Int64("seed", 0, "Random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}

	params := pipeline.UMAPParams{
		NNeighbors: *neighbors,
		MinDist:    *minDist,
		NEpochs:    *epochs,
		Seed:       *seed,
	}
	if err := env.Stages.Reduce(ctx, sessionID, params); err != nil {
		return err
	}
	fmt.Println("reduction complete")
	return nil
}

func cmdCluster(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cluster", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	k := fs.Int("k", 5, "Number of clusters")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}

	if err := env.Stages.Cluster(ctx, sessionID, *k); err != nil {
		return err
	}
	if err := reindexSession(ctx, env, sessionID); err != nil {
		return err
	}
	fmt.Printf("clustered into %d clusters\n", *k)
	return nil
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	k := fs.Int("k", 5, "Number of clusters")
	seed := fs.Int64("seed", 0, "Random seed for UMAP")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}

	driver := pipeline.NewDriver(env.Stages, env.Sessions, pipeline.DriverConfig{
		UMAP: pipeline.UMAPParams{Seed: *seed},
		K:    *k,
	})
	if err := driver.Run(ctx, sessionID); err != nil {
		return err
	}
	return reindexSession(ctx, env, sessionID)
}

// runStage handles the shared flag plumbing for single-stage commands.
func runStage(ctx context.Context, args []string, name string, fn func(context.Context, *runtimeEnv, string) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}
	if err := fn(ctx, env, sessionID); err != nil {
		return err
	}
	fmt.Printf("%s complete\n", name)
	return nil
}

// reindexSession refreshes the full-text index from the session's processed
// opinions and cluster labels.
func reindexSession(ctx context.Context, env *runtimeEnv, sessionID string) error {
	if env.Index == nil {
		return nil
	}
	s, err := env.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(s.ProcessedOpinions) == 0 {
		return nil
	}
	return env.Index.IndexSession(sessionID, s.ProcessedOpinions, s.Clusters)
}

func cmdSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Limit to one session (default: all)")
	query := fs.String("query", "", "Search query")
	limit := fs.Int("limit", 10, "Maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	if env.Index == nil {
		return fmt.Errorf("opinion index unavailable")
	}

	hits, err := env.Index.Search(*query, *id, *limit)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, hit := range hits {
		cluster := "-"
		if hit.Cluster >= 0 {
			cluster = fmt.Sprintf("%d", hit.Cluster)
		}
		fmt.Printf("%.3f  session=%s row=%d cluster=%s  %s\n",
			hit.Score, hit.SessionID, hit.Row, cluster, search.Snippet(hit.Text, 80))
	}
	return nil
}

// exportDocument is the JSON shape written by the export command.
type exportDocument struct {
	SessionID string          `json:"sessionId"`
	Name      string          `json:"name"`
	Opinions  []exportOpinion `json:"opinions"`
}

type exportOpinion struct {
	Text    string    `json:"text"`
	Point   []float32 `json:"point,omitempty"`
	Cluster *int      `json:"cluster,omitempty"`
}

func cmdExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	id := fs.String("id", "", "Session id (default: current)")
	out := fs.String("out", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, err := resolveSessionID(env, *id)
	if err != nil {
		return err
	}
	s, err := env.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(s.ProcessedOpinions) == 0 {
		return fmt.Errorf("session has no processed opinions to export")
	}

	doc := exportDocument{SessionID: s.ID, Name: s.Name}
	for i, text := range s.ProcessedOpinions {
		op := exportOpinion{Text: text}
		if i < len(s.ReducedEmbeddings) {
			op.Point = s.ReducedEmbeddings[i]
		}
		if i < len(s.Clusters) {
			cluster := s.Clusters[i]
			op.Cluster = &cluster
		}
		doc.Opinions = append(doc.Opinions, op)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	if *out == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	fmt.Printf("exported %d opinions to %s\n", len(doc.Opinions), *out)
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory")
	dir := fs.String("dir", "", "Directory to watch for CSV drops")
	k := fs.Int("k", 5, "Number of clusters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := pipeline.NewDriver(env.Stages, env.Sessions, pipeline.DriverConfig{K: *k})

	watcher, err := intake.NewDropWatcher(*dir)
	if err != nil {
		return err
	}
	watcher.OnCSV(func(paths []string) {
		for _, path := range paths {
			if err := ingestCSV(ctx, env, driver, path); err != nil {
				log.Printf("❌ Failed to ingest %s: %v", path, err)
			}
		}
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	<-ctx.Done()
	log.Println("shutting down watcher")
	return nil
}

// ingestCSV creates a session for a dropped file and runs the full pipeline
// when the required opinion column is present.
func ingestCSV(ctx context.Context, env *runtimeEnv, driver *pipeline.Driver, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CSV file: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s, err := env.Sessions.CreateSession(ctx, name)
	if err != nil {
		return err
	}
	log.Printf("📥 Ingesting %s into session %s", path, s.ID)

	report, err := env.Stages.Upload(ctx, s.ID, string(data))
	if err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("CSV validation failed: %s", strings.Join(report.Errors, "; "))
	}

	// The first required column is the opinion column by convention
	target := pipeline.DefaultRequiredColumns[0]
	if len(env.Config.RequiredColumns) > 0 {
		target = env.Config.RequiredColumns[0]
	}
	if err := env.Stages.SelectColumns(ctx, s.ID, target, nil); err != nil {
		return err
	}

	if err := driver.Run(ctx, s.ID); err != nil {
		return err
	}
	return reindexSession(ctx, env, s.ID)
}

func cmdConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	provider := fs.String("provider", "", "LLM provider: local, openai or anthropic")
	apiKey := fs.String("api-key", "", "API key for the provider")
	model := fs.String("model", "", "Chat model name")
	baseURL := fs.String("base-url", "", "API base URL override")
	embeddingKey := fs.String("embedding-key", "", "API key for embeddings")
	embeddingModel := fs.String("embedding-model", "", "Embedding model name")
	embeddingURL := fs.String("embedding-url", "", "Embeddings endpoint override")
	embeddingDim := fs.Int("embedding-dim", 0, "Expected embedding dimension")
	show := fs.Bool("show", false, "Print the current configuration path and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	manager, err := config.NewManager()
	if err != nil {
		return err
	}

	if *show {
		fmt.Println(manager.GetConfigPath())
		return nil
	}

	cfg, err := manager.Load()
	if err != nil {
		return err
	}

	if *provider != "" {
		cfg.LLMProvider = *provider
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *embeddingKey != "" {
		cfg.EmbeddingKey = *embeddingKey
	}
	if *embeddingModel != "" {
		cfg.EmbeddingModel = *embeddingModel
	}
	if *embeddingURL != "" {
		cfg.EmbeddingBaseURL = *embeddingURL
	}
	if *embeddingDim != 0 {
		cfg.EmbeddingDim = *embeddingDim
	}

	if err := manager.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("saved configuration to %s\n", manager.GetConfigPath())
	return nil
}
