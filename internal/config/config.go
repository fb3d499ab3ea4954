package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	yamlName = "text2tasks.yml"
	tomlName = "text2tasks.toml"
)

// Provider names.
const (
	ProviderLocal     = "local"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config models text2tasks.yml (or text2tasks.toml).
type Config struct {
	Retrieval Retrieval `yaml:"retrieval" toml:"retrieval" json:"retrieval"`
	Provider  Provider  `yaml:"provider" toml:"provider" json:"provider"`
	Server    Server    `yaml:"server" toml:"server" json:"server"`
	Log       Log       `yaml:"log" toml:"log" json:"log"`
	Webhooks  []Webhook `yaml:"webhooks" toml:"webhooks" json:"webhooks"`
}

type Retrieval struct {
	Dimension     int     `yaml:"dimension" toml:"dimension" json:"dimension"`
	TopK          int     `yaml:"top_k" toml:"top_k" json:"top_k"`
	MaxChars      int     `yaml:"max_chars" toml:"max_chars" json:"max_chars"`
	MinSimilarity float64 `yaml:"min_similarity" toml:"min_similarity" json:"min_similarity"`
}

type Provider struct {
	Embedding         string  `yaml:"embedding" toml:"embedding" json:"embedding"`
	LLM               string  `yaml:"llm" toml:"llm" json:"llm"`
	BaseURL           string  `yaml:"base_url" toml:"base_url" json:"base_url"`
	EmbeddingModel    string  `yaml:"embedding_model" toml:"embedding_model" json:"embedding_model"`
	ChatModel         string  `yaml:"chat_model" toml:"chat_model" json:"chat_model"`
	AnthropicModel    string  `yaml:"anthropic_model" toml:"anthropic_model" json:"anthropic_model"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env" json:"api_key_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`
}

type Server struct {
	Addr     string `yaml:"addr" toml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" toml:"base_path" json:"base_path"`
}

type Log struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

type Webhook struct {
	URL            string   `yaml:"url" toml:"url" json:"url"`
	Events         []string `yaml:"events" toml:"events" json:"events"`
	Secret         string   `yaml:"secret" toml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds"`
}

// Active reports whether the webhook should receive deliveries. Unset means enabled.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Subscribed reports whether the webhook wants evtType. An empty list or "*"
// subscribes to everything.
func (w Webhook) Subscribed(evtType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	return slices.Contains(w.Events, "*") || slices.Contains(w.Events, evtType)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills zero values. Dimension depends on the embedding provider.
func (c *Config) applyDefaults() {
	if c.Provider.Embedding == "" {
		c.Provider.Embedding = ProviderLocal
	}
	if c.Provider.LLM == "" {
		c.Provider.LLM = ProviderLocal
	}
	if c.Retrieval.Dimension == 0 {
		if c.Provider.Embedding == ProviderOpenAI {
			c.Retrieval.Dimension = 1536
		} else {
			c.Retrieval.Dimension = 256
		}
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 6
	}
	if c.Retrieval.MaxChars == 0 {
		c.Retrieval.MaxChars = 6000
	}
	if c.Retrieval.MinSimilarity == 0 {
		c.Retrieval.MinSimilarity = 0.1
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if c.Provider.EmbeddingModel == "" {
		c.Provider.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Provider.ChatModel == "" {
		c.Provider.ChatModel = "gpt-4o-mini"
	}
	if c.Provider.AnthropicModel == "" {
		c.Provider.AnthropicModel = "claude-3-5-haiku-latest"
	}
	if c.Provider.APIKeyEnv == "" {
		switch c.Provider.LLM {
		case ProviderAnthropic:
			c.Provider.APIKeyEnv = "ANTHROPIC_API_KEY"
		default:
			c.Provider.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v1"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Retrieval.Dimension <= 0 {
		return fmt.Errorf("config.retrieval.dimension must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("config.retrieval.top_k must be positive")
	}
	if c.Retrieval.MaxChars <= 0 {
		return fmt.Errorf("config.retrieval.max_chars must be positive")
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("config.retrieval.min_similarity must be within [-1, 1]")
	}
	switch c.Provider.Embedding {
	case ProviderLocal, ProviderOpenAI:
	default:
		return fmt.Errorf("config.provider.embedding must be local or openai, got %q", c.Provider.Embedding)
	}
	switch c.Provider.LLM {
	case ProviderLocal, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("config.provider.llm must be local, openai or anthropic, got %q", c.Provider.LLM)
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("config.provider.requests_per_second must not be negative")
	}
	if c.Provider.Embedding == ProviderOpenAI || c.Provider.LLM == ProviderOpenAI {
		if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
			return fmt.Errorf("config.provider.base_url: %w", err)
		}
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be auto, text or json")
	}
	for i, wh := range c.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url is invalid", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range wh.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// APIKey resolves the provider key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Provider.APIKeyEnv)
}

// Path returns the config file path for a workspace. The YAML file wins when
// both exist; when neither exists the YAML path is returned.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, yamlName)
	if _, err := os.Stat(yml); err == nil {
		return yml
	}
	tml := filepath.Join(workspace, tomlName)
	if _, err := os.Stat(tml); err == nil {
		return tml
	}
	return yml
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config %s not found; create one with t2t init", path)
		}
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns the default config if no file exists.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads config from path, choosing the decoder by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `retrieval:
  dimension: 256
  top_k: 6
  max_chars: 6000
  min_similarity: 0.1

provider:
  # local needs no network. openai and anthropic read the key from api_key_env.
  embedding: local
  llm: local
  base_url: https://api.openai.com/v1
  embedding_model: text-embedding-3-small
  chat_model: gpt-4o-mini
  anthropic_model: claude-3-5-haiku-latest
  api_key_env: OPENAI_API_KEY
  requests_per_second: 2

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: auto

webhooks: []
`

// MarshalTOML renders cfg as TOML for text2tasks.toml.
func MarshalTOML(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
