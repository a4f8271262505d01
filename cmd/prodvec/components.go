package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/config"
	"github.com/hyperjump/prodvec/internal/embedding"
	"github.com/hyperjump/prodvec/internal/importer"
	"github.com/hyperjump/prodvec/internal/ingest"
	"github.com/hyperjump/prodvec/internal/source"
	"github.com/hyperjump/prodvec/internal/storage"
	"github.com/hyperjump/prodvec/internal/vectorstore"
)

// Components holds initialized services.
type Components struct {
	Storage     storage.Storage
	Embedder    embedding.Embedder
	Store       *vectorstore.Store
	Importer    *importer.Importer
	Checkpoints *ingest.CheckpointManager
	Driver      *ingest.Driver

	fileSource *source.FileSource
}

// Close releases storage, the export file and the embedding model.
func (c *Components) Close() {
	if c.fileSource != nil {
		_ = c.fileSource.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

// newEmbedder builds the configured provider. A model that fails to load is
// fatal for the caller; there is no silent fallback.
func newEmbedder(cfg *config.EmbeddingConfig) (embedding.Embedder, error) {
	var base embedding.Embedder
	switch cfg.Provider {
	case config.ProviderHash:
		base = embedding.NewHashEmbedder(cfg.Dimensions, cfg.MinTerms)
	default:
		onnx, err := embedding.NewONNXEmbedder(embedding.ONNXConfig{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.LibraryPath,
			Dimensions:  cfg.Dimensions,
			MaxTokens:   cfg.MaxTokens,
			MinTerms:    cfg.MinTerms,
			OutputName:  cfg.OutputName,
		})
		if err != nil {
			return nil, fmt.Errorf("load embedding model %s: %w", cfg.ModelPath, err)
		}
		base = onnx
	}
	if cfg.CacheSize > 0 {
		return embedding.NewCachedEmbedder(base, cfg.CacheSize), nil
	}
	return base, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	st, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = st

	embedder, err := newEmbedder(&cfg.Embedding)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Embedder = embedder
	logger.Info("Embedding provider ready",
		zap.String("provider", cfg.Embedding.Provider),
		zap.Int("dimensions", embedder.Dimensions()))

	c.Store = vectorstore.New(embedder, vectorstore.Options{
		Dimension:      embedder.Dimensions(),
		MaxElements:    cfg.Vector.MaxElements,
		M:              cfg.Vector.M,
		EfConstruction: cfg.Vector.EfConstruction,
		EfSearch:       cfg.Vector.EfSearch,
	}, logger.Named("vectorstore"))

	c.Importer = importer.NewImporter(st, cfg.Watch.Extensions, importer.WithLogger(logger.Named("importer")))

	var rows ingest.RowSource = st
	if cfg.Ingest.File != "" {
		fs, err := source.NewFileSource(cfg.Ingest.File)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.fileSource = fs
		rows = fs
		logger.Info("Ingesting directly from export file", zap.String("path", cfg.Ingest.File))
	}

	c.Checkpoints = ingest.NewCheckpointManager(cfg.Storage.CheckpointPath, logger.Named("checkpoint"))
	c.Driver = ingest.NewDriver(c.Store, rows, c.Checkpoints, ingest.Options{
		PageSize:        cfg.Ingest.PageSize,
		BatchSize:       cfg.Ingest.BatchSize,
		CheckpointEvery: cfg.Ingest.CheckpointEvery,
		SaveEvery:       cfg.Ingest.SaveEvery,
		MaxRetries:      cfg.Ingest.MaxRetries,
		RetryDelay:      cfg.Ingest.RetryDelay,
		SavePath:        cfg.Storage.SnapshotPath,
		SourceTag:       cfg.Ingest.SourceTag,
	}, logger.Named("ingest"))
	return c, nil
}

// restoreSnapshot loads the saved store so search works before any new
// ingestion. A missing snapshot is not an error.
func (c *Components) restoreSnapshot(path string, logger *zap.Logger) bool {
	if !vectorstore.SnapshotExists(path) {
		logger.Info("No saved index, store starts empty", zap.String("path", path))
		return false
	}
	if !c.Store.Load(path) {
		logger.Warn("Saved index could not be loaded", zap.String("path", path))
		return false
	}
	logger.Info("Saved index loaded", zap.String("path", path), zap.Int("documents", c.Store.Len()))
	return true
}
