package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qiyuan-ai/agentchat/internal/config"
	"github.com/qiyuan-ai/agentchat/internal/ingest"
	"github.com/qiyuan-ai/agentchat/internal/keyword"
	"github.com/qiyuan-ai/agentchat/internal/knowledge"
	"github.com/qiyuan-ai/agentchat/internal/log"
	"github.com/qiyuan-ai/agentchat/internal/orchestrator"
	"github.com/qiyuan-ai/agentchat/internal/retrieval"
	"github.com/qiyuan-ai/agentchat/internal/tools"
)

// app holds the wired components shared by the commands. Construction is
// eager: a misconfigured store fails at startup, not mid-turn.
type app struct {
	cfg    *config.Config
	logger log.Logger

	g        *genkit.Genkit
	pool     *pgxpool.Pool
	kwDB     *sql.DB
	vectors  *knowledge.Index
	keywords *keyword.Index // nil when the lexical index is disabled

	retriever *retrieval.Retriever
	writer    *ingest.Writer
	registry  *tools.Registry
}

// newApp loads configuration and wires every component.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := log.New(log.Config{Level: logLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	g, aiEmbedder, err := initGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pool, err := knowledge.NewPool(ctx, knowledge.PoolConfig{
		URL:      cfg.PostgresURL,
		MaxConns: cfg.PostgresMaxConns,
	}, logger.With("component", "pool"))
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		g:      g,
		pool:   pool,
	}

	a.vectors = knowledge.NewIndex(pool, cfg.EmbeddingDim, logger.With("component", "knowledge"))

	if cfg.KeywordEnabled() {
		kwDB, err := keyword.Open(cfg.KeywordIndexPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		a.kwDB = kwDB
		if err := keyword.Migrate(kwDB); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate keyword index: %w", err)
		}
		a.keywords = keyword.NewIndex(kwDB, logger.With("component", "keyword"))
	}

	embedder := knowledge.NewEmbedder(aiEmbedder, cfg.EmbeddingDim)

	// A nil *keyword.Index must stay a nil interface downstream.
	var kwSearch retrieval.KeywordIndex
	var kwStore ingest.KeywordStore
	if a.keywords != nil {
		kwSearch = a.keywords
		kwStore = a.keywords
	}

	a.retriever = retrieval.New(embedder, a.vectors, kwSearch, retrieval.Config{
		VectorWeight:  cfg.VectorWeight,
		KeywordWeight: cfg.KeywordWeight,
		SearchSummary: cfg.SearchSummary,
	}, logger.With("component", "retrieval"))

	a.writer = ingest.NewWriter(embedder, a.vectors, kwStore, ingest.Config{
		BatchSize:   cfg.BatchSize,
		MemoryLimit: cfg.MemoryLimitBytes(),
	}, logger.With("component", "ingest"))

	a.registry = tools.NewRegistry()
	knowledgeTool, err := tools.NewKnowledgeTool(a.retriever, logger.With("component", "tools"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create knowledge tool: %w", err)
	}
	if err := a.registry.Register(knowledgeTool); err != nil {
		a.Close()
		return nil, fmt.Errorf("register knowledge tool: %w", err)
	}

	return a, nil
}

// logLevel maps the configured level name onto slog. Unknown names fall
// back to info.
func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// orchestrator builds the turn state machine over the wired registry.
// collectionID and topK become the knowledge tool's deployment defaults.
func (a *app) orchestrator(emitter tools.Emitter, collectionID string, topK int) *orchestrator.Orchestrator {
	gen := orchestrator.NewGenkitGenerator(
		a.g,
		tools.Advertise(a.g, a.registry),
		orchestrator.GeneratorConfig{
			ModelName: a.cfg.FullModelName(),
			RateRPS:   a.cfg.ModelRateRPS,
		},
		a.logger.With("component", "generator"),
	)

	kcfg := tools.KnowledgeConfig{CollectionID: collectionID, TopK: topK}
	return orchestrator.New(gen, a.registry, emitter, orchestrator.Config{
		MaxRounds:   a.cfg.MaxRounds,
		ToolTimeout: a.cfg.ToolTimeout,
		ToolDefaults: map[string]map[string]any{
			tools.KnowledgeRetrievalName: kcfg.Defaults(),
		},
	}, a.logger.With("component", "orchestrator"))
}

// Close releases store handles. Safe on a partially constructed app.
func (a *app) Close() {
	if a.kwDB != nil {
		if err := a.kwDB.Close(); err != nil {
			a.logger.Warn("close keyword index", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// initGenkit initializes Genkit for the configured provider and returns
// the embedder registered by that provider.
func initGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, nil, errors.New("initialize genkit with ollama provider")
		}
		// Ollama has no auto-discovery; models register explicitly.
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		return g, ollama.Embedder(g, cfg.OllamaHost), nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initialize genkit with gemini provider")
		}
		return g, googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel), nil
	}
}
