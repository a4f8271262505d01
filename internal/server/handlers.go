package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/config"
	"github.com/hyperjump/prodvec/internal/ingest"
	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/storage"
	"github.com/hyperjump/prodvec/internal/vectorstore"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.store.IsSearchable() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("k", query.K))

	start := time.Now()
	results := s.store.SimilaritySearch(r.Context(), query.Query, query.K)
	s.respondJSON(w, http.StatusOK, models.NewSearchResponse(query.Query, results, time.Since(start).Milliseconds()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	resp := map[string]interface{}{
		"searchable": stats.Searchable,
		"store":      stats,
	}
	if s.ingester != nil {
		resp["ingestion"] = s.ingester.Status()
	}
	if s.storage != nil {
		count, err := s.storage.CountProducts(r.Context())
		if err != nil {
			s.logger.Error("status: count products failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["products"] = count
	}

	st := s.cfg.Storage
	resp["config"] = map[string]interface{}{
		"embedding_provider": s.cfg.Embedding.Provider,
		"database_path":      st.DatabasePath,
		"snapshot_path":      st.SnapshotPath,
		"checkpoint_path":    st.CheckpointPath,
	}
	diskBytes, err := storage.DiskUsageBytes(
		st.DatabasePath,
		vectorstore.IndexPath(st.SnapshotPath),
		vectorstore.MetaPath(st.SnapshotPath),
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "product storage not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	row, err := s.storage.GetProduct(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, row)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "product storage not enabled")
		return
	}
	imports, err := s.storage.ListImports(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if imports == nil {
		imports = []storage.ImportRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"imports": imports})
}

type addDocumentsRequest struct {
	Documents []models.Document `json:"documents"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		s.respondError(w, http.StatusBadRequest, "documents are required")
		return
	}
	added, err := s.store.AddDocuments(r.Context(), req.Documents)
	resp := map[string]interface{}{
		"requested": len(req.Documents),
		"added":     added,
	}
	if err != nil {
		s.logger.Warn("add documents finished with errors", zap.Int("added", added), zap.Error(err))
		if added == 0 {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

type saveRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	path := req.Path
	if path == "" {
		path = s.cfg.Storage.SnapshotPath
	}
	if !s.store.IsSearchable() {
		s.respondError(w, http.StatusConflict, "store is empty, nothing to save")
		return
	}
	if !s.store.Save(path) {
		s.respondError(w, http.StatusInternalServerError, "save failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": path})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.ingester != nil && s.ingester.Status().State == ingest.StateRunning {
		s.respondError(w, http.StatusConflict, "ingestion is running")
		return
	}
	if err := s.store.Reset(); err != nil {
		s.logger.Error("reset failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Vector store reset")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		s.respondError(w, http.StatusNotImplemented, "ingestion not enabled")
		return
	}
	err := s.StartIngestion()
	if errors.Is(err, ingest.ErrAlreadyRunning) {
		s.respondJSON(w, http.StatusConflict, s.ingester.Status())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, s.ingester.Status())
}

type importRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		s.respondError(w, http.StatusNotImplemented, "import not enabled")
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		s.respondError(w, http.StatusNotFound, "path not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if info.IsDir() {
		results, err := s.importer.ImportDirectory(r.Context(), abs)
		if err != nil {
			s.logger.Error("import directory failed", zap.String("path", abs), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
		return
	}
	res, err := s.importer.ImportFile(r.Context(), abs)
	if err != nil {
		s.logger.Error("import file failed", zap.String("path", abs), zap.Error(err))
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Scan *bool  `json:"scan,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	scan := true
	if req.Scan != nil {
		scan = *req.Scan
	}
	if err := s.watch.AddDirectory(abs, scan); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.cfg.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.cfg); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
