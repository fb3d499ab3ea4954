package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"text2tasks/internal/config"
	"text2tasks/internal/engine"
	"text2tasks/internal/provider/anthropic"
	"text2tasks/internal/provider/local"
	"text2tasks/internal/provider/openai"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "auto")
	require.NoError(t, err)
	logger.Debug("hello", "k", 1)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "non-terminal writers get JSON")
	assert.Equal(t, "hello", line["msg"])

	buf.Reset()
	logger, err = NewLogger(&buf, "warn", "text")
	require.NoError(t, err)
	logger.Info("dropped")
	assert.Empty(t, buf.String())

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestOpenWithDefaults(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(ctx, dir, nil, nil)
	require.NoError(t, err)
	_, err = a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Title: "persisted"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(ctx, dir, nil, nil)
	require.NoError(t, err)
	defer b.Close()
	list, err := b.Engine.ListTasks(ctx, engine.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.IsType(t, &local.Embedder{}, b.Engine.Embedder)
}

func TestProviderSelection(t *testing.T) {
	t.Setenv("T2T_TEST_KEY", "")
	cfg := config.Default()
	cfg.Provider.Embedding = config.ProviderOpenAI
	cfg.Provider.LLM = config.ProviderAnthropic
	cfg.Provider.APIKeyEnv = "T2T_TEST_KEY"

	eng := engine.New(nil, cfg)
	require.NoError(t, configureProviders(eng, cfg, discard()))
	assert.IsType(t, &local.Embedder{}, eng.Embedder, "missing key keeps local")
	assert.IsType(t, local.Extractor{}, eng.Extractor)

	t.Setenv("T2T_TEST_KEY", "sk-x")
	require.NoError(t, configureProviders(eng, cfg, discard()))
	assert.IsType(t, &openai.Client{}, eng.Embedder)
	assert.IsType(t, &anthropic.Client{}, eng.Extractor)
	assert.IsType(t, &anthropic.Client{}, eng.Answerer)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
