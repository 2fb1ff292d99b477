package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"docqa/internal/domain"
)

// Chunk store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreQdrant = "qdrant"
)

// DefaultModels is the model enumeration offered when none is configured.
var DefaultModels = []string{
	"mixtral-8x7b",
	"snowflake-arctic",
	"mistral-large",
	"llama3-8b",
	"llama3-70b",
	"reka-flash",
	"mistral-7b",
	"llama2-70b-chat",
	"gemma-7b",
}

// MemoryStoreConfig points the in-memory keyword store at a YAML chunk dump.
type MemoryStoreConfig struct {
	Path string `yaml:"path"`
}

// SQLiteStoreConfig configures the SQL keyword store.
type SQLiteStoreConfig struct {
	Path       string `yaml:"path"`
	Table      string `yaml:"table"`
	MaxRetries int    `yaml:"max_retries"`
}

// EmbedderConfig configures the OpenAI-compatible embeddings endpoint used to
// vectorize queries for semantic search.
type EmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries"`
}

// QdrantConfig contains connection details for a Qdrant collection holding
// the chunk corpus.
type QdrantConfig struct {
	URL         string         `yaml:"url"`
	APIKeyEnv   string         `yaml:"api_key_env"`
	Collection  string         `yaml:"collection"`
	TimeoutSecs int            `yaml:"timeout_secs"`
	MaxRetries  int            `yaml:"max_retries"`
	Embedder    EmbedderConfig `yaml:"embedder"`
}

// ChunkStoreConfig selects and configures the chunk search backend.
type ChunkStoreConfig struct {
	Type   string             `yaml:"type"`
	Memory *MemoryStoreConfig `yaml:"memory,omitempty"`
	SQLite *SQLiteStoreConfig `yaml:"sqlite,omitempty"`
	Qdrant *QdrantConfig      `yaml:"qdrant,omitempty"`
}

// CompleterConfig configures the OpenAI-compatible chat completion backend.
type CompleterConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	TimeoutSecs int      `yaml:"timeout_secs"`
	MaxTokens   int      `yaml:"max_tokens"`
	// Temperature is optional; when omitted the request carries 0.
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// PipelineConfig holds query pipeline settings.
type PipelineConfig struct {
	DefaultModel          string `yaml:"default_model"`
	MaxEvidenceChunks     int    `yaml:"max_evidence_chunks"`
	CategoryFilterDefault string `yaml:"category_filter_default"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	ChunkStore ChunkStoreConfig `yaml:"chunk_store"`
	Completer  CompleterConfig  `yaml:"completer"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Models     []string         `yaml:"models"`
	Log        LogConfig        `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/docqa/config.yaml.
// If neither exists, it writes defaults to ~/.config/docqa/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects configurations the application cannot assemble.
func (c *AppConfig) Validate() error {
	switch c.ChunkStore.Type {
	case StoreMemory:
	case StoreSQLite:
		if c.ChunkStore.SQLite == nil || c.ChunkStore.SQLite.Path == "" {
			return errors.New("chunk_store.sqlite.path is required")
		}
	case StoreQdrant:
		if c.ChunkStore.Qdrant == nil || c.ChunkStore.Qdrant.URL == "" {
			return errors.New("chunk_store.qdrant.url is required")
		}
		if c.ChunkStore.Qdrant.Collection == "" {
			return errors.New("chunk_store.qdrant.collection is required")
		}
	default:
		return fmt.Errorf("unknown chunk store: %s", c.ChunkStore.Type)
	}
	if c.Pipeline.MaxEvidenceChunks <= 0 {
		return errors.New("pipeline.max_evidence_chunks must be positive")
	}
	if len(c.Models) > 0 && !slices.Contains(c.Models, c.Pipeline.DefaultModel) {
		return fmt.Errorf("pipeline.default_model %q is not one of models", c.Pipeline.DefaultModel)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docqa", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		ChunkStore: ChunkStoreConfig{Type: StoreMemory, Memory: &MemoryStoreConfig{Path: "chunks.yaml"}},
		Completer:  CompleterConfig{},
		Pipeline:   PipelineConfig{},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.ChunkStore.Type == "" {
		cfg.ChunkStore.Type = StoreMemory
	}
	if s := cfg.ChunkStore.SQLite; s != nil {
		if s.Table == "" {
			s.Table = "docs_chunks_table"
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = 3
		}
	}
	if q := cfg.ChunkStore.Qdrant; q != nil {
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
		if q.MaxRetries == 0 {
			q.MaxRetries = 3
		}
		if q.Embedder.BaseURL == "" {
			q.Embedder.BaseURL = "https://api.openai.com/v1"
		}
		if q.Embedder.APIKeyEnv == "" {
			q.Embedder.APIKeyEnv = "OPENAI_API_KEY"
		}
		if q.Embedder.Model == "" {
			q.Embedder.Model = "text-embedding-3-small"
		}
		if q.Embedder.TimeoutSecs == 0 {
			q.Embedder.TimeoutSecs = 30
		}
		if q.Embedder.MaxRetries == 0 {
			q.Embedder.MaxRetries = 5
		}
	}
	if cfg.Completer.BaseURL == "" {
		cfg.Completer.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Completer.APIKeyEnv == "" {
		cfg.Completer.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Completer.TimeoutSecs == 0 {
		cfg.Completer.TimeoutSecs = 60
	}
	if len(cfg.Models) == 0 {
		cfg.Models = slices.Clone(DefaultModels)
	}
	if cfg.Pipeline.DefaultModel == "" {
		cfg.Pipeline.DefaultModel = cfg.Models[0]
	}
	if cfg.Pipeline.MaxEvidenceChunks == 0 {
		cfg.Pipeline.MaxEvidenceChunks = domain.DefaultMaxEvidenceChunks
	}
	if cfg.Pipeline.CategoryFilterDefault == "" {
		cfg.Pipeline.CategoryFilterDefault = domain.AllCategories
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
