package config

import "time"

// Embedding providers.
const (
	ProviderONNX = "onnx"
	ProviderHash = "hash"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/prodvec/data/db/products.db"
	}
	if cfg.Storage.SnapshotPath == "" {
		cfg.Storage.SnapshotPath = "/usr/local/var/prodvec/data/index/products"
	}
	if cfg.Storage.CheckpointPath == "" {
		cfg.Storage.CheckpointPath = "/usr/local/var/prodvec/data/ingest.checkpoint.json"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = ProviderONNX
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/prodvec/data/models/all-MiniLM-L6-v2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.MinTerms == 0 {
		cfg.Embedding.MinTerms = 1
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}

	if cfg.Vector.MaxElements == 0 {
		cfg.Vector.MaxElements = 10000
	}
	if cfg.Vector.M == 0 {
		cfg.Vector.M = 16
	}
	if cfg.Vector.EfConstruction == 0 {
		cfg.Vector.EfConstruction = 200
	}
	if cfg.Vector.EfSearch == 0 {
		cfg.Vector.EfSearch = 50
	}

	if cfg.Ingest.PageSize == 0 {
		cfg.Ingest.PageSize = 5000
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 25
	}
	if cfg.Ingest.CheckpointEvery == 0 {
		cfg.Ingest.CheckpointEvery = 1000
	}
	if cfg.Ingest.SaveEvery == 0 {
		cfg.Ingest.SaveEvery = 10000
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryDelay == 0 {
		cfg.Ingest.RetryDelay = 2 * time.Second
	}
	if cfg.Ingest.SourceTag == "" {
		cfg.Ingest.SourceTag = "amazon"
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".csv", ".tsv", ".xlsx"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 2 * time.Second
	}
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
