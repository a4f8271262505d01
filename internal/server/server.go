// Package server provides the HTTP API for prodvec.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/config"
	"github.com/hyperjump/prodvec/internal/importer"
	"github.com/hyperjump/prodvec/internal/ingest"
	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/storage"
	"github.com/hyperjump/prodvec/internal/vectorstore"
	"github.com/hyperjump/prodvec/pkg/utils"
)

// VectorStore is the part of the vector store the API serves.
type VectorStore interface {
	SimilaritySearch(ctx context.Context, query string, k int) []models.SearchResult
	IsSearchable() bool
	AddDocuments(ctx context.Context, docs []models.Document) (int, error)
	Save(path string) bool
	Reset() error
	Stats() vectorstore.Stats
}

// Ingester runs background ingestion.
type Ingester interface {
	Start(ctx context.Context) error
	Status() ingest.Status
}

// Importer loads export files into product storage.
type Importer interface {
	ImportFile(ctx context.Context, path string) (importer.Result, error)
	ImportDirectory(ctx context.Context, dir string) ([]importer.Result, error)
}

// WatchService manages export drop directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, scan bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the prodvec API.
type Server struct {
	store    VectorStore
	ingester Ingester
	importer Importer
	storage  storage.Storage
	watch    WatchService
	cfg      *config.Config
	logger   *zap.Logger

	configPath string
	configMu   sync.Mutex

	// ctx outlives requests; background ingestion runs under it.
	ctx    context.Context
	cancel context.CancelFunc

	router *chi.Mux
	server *http.Server
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithIngester enables the ingestion trigger and status.
func WithIngester(in Ingester) Option { return func(s *Server) { s.ingester = in } }

// WithImporter enables the import endpoint.
func WithImporter(im Importer) Option { return func(s *Server) { s.importer = im } }

// WithStorage enables product lookups and product counts.
func WithStorage(st storage.Storage) Option { return func(s *Server) { s.storage = st } }

// WithWatcher enables the watch directory endpoints. When configPath is set,
// directory changes are written back to the config file.
func WithWatcher(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server over store. cfg may be nil, in which case
// defaults are used.
func NewServer(store VectorStore, cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	if cfg == nil {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:  store,
		cfg:    cfg,
		logger: utils.OrNop(logger),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	timeout := s.cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearch)
		r.Get("/status", s.handleStatus)
		r.Get("/products/{id}", s.handleGetProduct)
		r.Get("/imports", s.handleListImports)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/documents", s.handleAddDocuments)
			r.Post("/save", s.handleSave)
			r.Post("/reset", s.handleReset)
			r.Post("/ingest", s.handleIngest)
			r.Post("/import", s.handleImport)
		})

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// StartIngestion starts a background ingestion run under the server's
// lifetime context.
func (s *Server) StartIngestion() error {
	if s.ingester == nil {
		return fmt.Errorf("ingestion not configured")
	}
	return s.ingester.Start(s.ctx)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop cancels background work and gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
