package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"text2tasks/internal/config"
	"text2tasks/internal/db"
	"text2tasks/internal/engine"
	"text2tasks/internal/migrate"
	"text2tasks/internal/provider"
	"text2tasks/internal/provider/anthropic"
	"text2tasks/internal/provider/local"
	"text2tasks/internal/provider/openai"
)

// App is an opened workspace: database migrated, engine loaded.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// Open opens the workspace database, applies migrations, builds providers from
// cfg and loads the engine. A nil cfg reads the workspace config file, falling
// back to defaults.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	if err := configureProviders(eng, cfg, logger); err != nil {
		conn.Close()
		return nil, err
	}
	if err := eng.Load(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: eng, Logger: logger}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// configureProviders swaps the engine's local providers for remote ones when
// the config asks for them and a key is available. Without a key the local
// provider stays and a warning is logged.
func configureProviders(eng *engine.Engine, cfg *config.Config, logger *slog.Logger) error {
	key := cfg.APIKey()
	var oa *openai.Client
	openAIClient := func() (*openai.Client, error) {
		if oa != nil {
			return oa, nil
		}
		c, err := openai.New(openai.Config{
			APIKey:            key,
			BaseURL:           cfg.Provider.BaseURL,
			EmbeddingModel:    cfg.Provider.EmbeddingModel,
			ChatModel:         cfg.Provider.ChatModel,
			Dimensions:        cfg.Retrieval.Dimension,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		})
		oa = c
		return c, err
	}

	switch cfg.Provider.Embedding {
	case config.ProviderOpenAI:
		if key == "" {
			logger.Warn("no API key, using local embeddings", "env", cfg.Provider.APIKeyEnv)
			break
		}
		c, err := openAIClient()
		if err != nil {
			return err
		}
		eng.Embedder = c
	default:
		eng.Embedder = local.NewEmbedder(cfg.Retrieval.Dimension)
	}

	var llm interface {
		provider.Extractor
		provider.Answerer
	}
	switch cfg.Provider.LLM {
	case config.ProviderOpenAI:
		if key == "" {
			logger.Warn("no API key, using local extraction", "env", cfg.Provider.APIKeyEnv)
			break
		}
		c, err := openAIClient()
		if err != nil {
			return err
		}
		llm = c
	case config.ProviderAnthropic:
		if key == "" {
			logger.Warn("no API key, using local extraction", "env", cfg.Provider.APIKeyEnv)
			break
		}
		c, err := anthropic.New(anthropic.Config{APIKey: key, Model: cfg.Provider.AnthropicModel, MaxRetries: 2})
		if err != nil {
			return err
		}
		llm = c
	}
	if llm != nil {
		eng.Extractor = llm
		eng.Answerer = llm
	}
	return nil
}

// NewLogger builds a slog logger. Format "auto" picks text when w is a
// terminal and JSON otherwise.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "", "auto":
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}
