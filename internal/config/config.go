// Package config provides configuration loading and structs for the prodvec
// server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// IngestOnStart starts a background ingestion run when the server boots.
	IngestOnStart bool `yaml:"ingest_on_start"`
}

// StorageConfig holds paths for the product database, the store snapshot and
// the ingestion checkpoint.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	SnapshotPath   string `yaml:"snapshot_path"` // base path; .index and .json are appended
	CheckpointPath string `yaml:"checkpoint_path"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // "onnx" or "hash"
	ModelPath   string `yaml:"model_path"`
	LibraryPath string `yaml:"library_path"`
	OutputName  string `yaml:"output_name"`
	Dimensions  int    `yaml:"dimensions"`
	MaxTokens   int    `yaml:"max_tokens"`
	MinTerms    int    `yaml:"min_terms"`
	CacheSize   int    `yaml:"cache_size"`
}

// VectorConfig holds HNSW parameters.
type VectorConfig struct {
	MaxElements    int `yaml:"max_elements"`
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// IngestConfig holds ingestion driver settings.
type IngestConfig struct {
	// File, when set, is streamed directly instead of paging the product database.
	File            string        `yaml:"file"`
	PageSize        int           `yaml:"page_size"`
	BatchSize       int           `yaml:"batch_size"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	SaveEvery       int           `yaml:"save_every"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	SourceTag       string        `yaml:"source_tag"`
}

// WatchConfig holds export drop directory settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, applies defaults and
// expands paths.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	for _, p := range []*string{
		&cfg.Storage.DatabasePath,
		&cfg.Storage.SnapshotPath,
		&cfg.Storage.CheckpointPath,
		&cfg.Embedding.ModelPath,
		&cfg.Embedding.LibraryPath,
		&cfg.Ingest.File,
	} {
		*p = expandPath(*p, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate rejects values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "", ProviderONNX, ProviderHash:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Embedding.Dimensions < 0 || c.Vector.MaxElements < 0 {
		return fmt.Errorf("dimensions and max_elements must not be negative")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
