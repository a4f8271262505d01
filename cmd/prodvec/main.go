// Package main is the prodvec CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/internal/cli"
	"github.com/hyperjump/prodvec/internal/config"
	"github.com/hyperjump/prodvec/internal/ingest"
	"github.com/hyperjump/prodvec/internal/models"
	"github.com/hyperjump/prodvec/internal/server"
	"github.com/hyperjump/prodvec/internal/storage"
	"github.com/hyperjump/prodvec/internal/vectorstore"
	"github.com/hyperjump/prodvec/internal/watcher"
	"github.com/hyperjump/prodvec/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/prodvec/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default and a
// config.yaml exists in the current directory, that file is used instead so
// that running from a project checkout picks up the local config.
// It returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			local := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(local); err == nil {
				cfg, err := config.Load(local)
				if err != nil {
					return nil, "", err
				}
				return cfg, local, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch cmd := os.Args[1]; cmd {
	case "server":
		runServer(os.Args[2:])
	case "ingest":
		runIngest(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "search":
		runSearch(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("prodvec version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config and builds the logger; debug from flags overrides config.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved))
	return cfg, resolved, logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	ingestNow := fs.Bool("ingest", false, "start an ingestion run once the server is up")
	_ = fs.Parse(args)

	cfg, resolved, logger := setup(*configPath, *debug)
	defer func() { _ = logger.Sync() }()
	logger.Info("config loaded", zap.String("config_path", resolved))

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()
	components.restoreSnapshot(cfg.Storage.SnapshotPath, logger)

	ctx, stop := signalContext()
	defer stop()

	opts := []server.Option{
		server.WithIngester(components.Driver),
		server.WithImporter(components.Importer),
		server.WithStorage(components.Storage),
	}
	if len(cfg.Watch.Directories) > 0 {
		w := watcher.New(cfg.Watch.Directories, components.Importer.Accepts,
			func(ctx context.Context, path string) {
				if _, err := components.Importer.ImportFile(ctx, path); err != nil {
					logger.Warn("Import of dropped export failed", zap.String("path", path), zap.Error(err))
				}
			},
			watcher.WithLogger(logger.Named("watcher")),
			watcher.WithDebounce(cfg.Watch.Debounce),
			watcher.WithRecursive(cfg.Watch.RecursiveOrDefault()),
		)
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer w.Stop()
		go w.ScanExisting()
		opts = append(opts, server.WithWatcher(w, resolved))
	}

	srv := server.NewServer(components.Store, cfg, logger, opts...)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()
	if *ingestNow || cfg.Server.IngestOnStart {
		if err := srv.StartIngestion(); err != nil {
			logger.Warn("Ingestion not started", zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)

	// A cancelled run saves the store and checkpoints the position it covers
	// before it returns. Saving again afterwards keeps that position.
	components.Driver.Wait()
	if components.Store.IsSearchable() && !components.Store.Save(cfg.Storage.SnapshotPath) {
		logger.Warn("Saving index on shutdown failed", zap.String("path", cfg.Storage.SnapshotPath))
	}
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	file := fs.String("file", "", "stream this CSV/TSV/XLSX export instead of the product database")
	fresh := fs.Bool("fresh", false, "discard the checkpoint and saved index and start from row 0")
	_ = fs.Parse(args)

	cfg, _, logger := setup(*configPath, *debug)
	defer func() { _ = logger.Sync() }()
	if *file != "" {
		abs, err := filepath.Abs(*file)
		if err != nil {
			fatalf("Invalid file: %v", err)
		}
		cfg.Ingest.File = abs
	}
	if *fresh {
		if err := ingest.NewCheckpointManager(cfg.Storage.CheckpointPath, logger).Clear(); err != nil {
			fatalf("Failed to clear checkpoint: %v", err)
		}
		if err := vectorstore.RemoveSnapshot(cfg.Storage.SnapshotPath); err != nil {
			fatalf("Failed to remove saved index: %v", err)
		}
	}

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()
	res, err := components.Driver.Run(ctx)
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Ingestion interrupted; run again to resume from the checkpoint.")
		os.Exit(130)
	default:
		fatalf("Ingestion failed: %v", err)
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("Usage: prodvec import [flags] <file-or-directory>...")
	}

	cfg, _, logger := setup(*configPath, *debug)
	defer func() { _ = logger.Sync() }()
	cfg.Embedding.Provider = config.ProviderHash // importing never embeds
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, stop := signalContext()
	defer stop()
	for _, path := range fs.Args() {
		info, err := os.Stat(path)
		if err != nil {
			fatalf("Failed to stat %s: %v", path, err)
		}
		if info.IsDir() {
			results, err := components.Importer.ImportDirectory(ctx, path)
			for _, r := range results {
				printImport(r.Path, r.Rows, r.Inserted, r.Unchanged)
			}
			if err != nil {
				fatalf("Import failed: %v", err)
			}
			continue
		}
		r, err := components.Importer.ImportFile(ctx, path)
		if err != nil {
			fatalf("Import of %s failed: %v", path, err)
		}
		printImport(r.Path, r.Rows, r.Inserted, r.Unchanged)
	}
	if n, err := components.Storage.CountProducts(ctx); err == nil {
		fmt.Printf("products in database: %d\n", n)
	}
}

func printImport(path string, rows, inserted int, unchanged bool) {
	if unchanged {
		fmt.Printf("%s: unchanged since last import\n", path)
		return
	}
	fmt.Printf("%s: %d rows, %d new products\n", path, rows, inserted)
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: prodvec search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  prodvec search wireless earbuds with long battery
  prodvec search -k 5 "usb c charger"
  prodvec search --output json "standing desk"
  prodvec search --server "" "usb c charger"   # load the saved index directly
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word
// queries work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves flags that appear after the query to the front so
// flag.Parse sees them; the flag package stops at the first positional.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = load the saved index directly)")
	k := fs.Int("k", 10, "number of results")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(args))

	query := models.SearchQuery{Query: buildSearchQuery(fs.Args()), K: *k}
	if err := query.Validate(); err != nil {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, &query)
		if err != nil {
			fatalf("Search failed: %v", err)
		}
	} else {
		response = searchDirect(*configPath, &query)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func searchDirect(configPath string, query *models.SearchQuery) *models.SearchResponse {
	cfg, _, logger := setup(configPath, false)
	defer func() { _ = logger.Sync() }()
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()
	if !components.restoreSnapshot(cfg.Storage.SnapshotPath, logger) {
		fatalf("No usable saved index at %s; run 'prodvec ingest' first", cfg.Storage.SnapshotPath)
	}
	start := time.Now()
	results := components.Store.SimilaritySearch(context.Background(), query.Query, query.K)
	return models.NewSearchResponse(query.Query, results, time.Since(start).Milliseconds())
}

// errInitializing is returned when the server has no searchable index yet.
var errInitializing = errors.New("server is still initializing (no searchable index yet)")

func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, errInitializing
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Searchable     bool               `json:"searchable"`
	Store          *vectorstore.Stats `json:"store,omitempty"`
	Ingestion      *ingest.Status     `json:"ingestion,omitempty"`
	Checkpoint     *ingest.Checkpoint `json:"checkpoint,omitempty"`
	Products       *int64             `json:"products,omitempty"`
	DiskUsageBytes *int64             `json:"disk_usage_bytes,omitempty"`
	SnapshotSaved  *bool              `json:"snapshot_saved,omitempty"`
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read files directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	var status *statusResponse
	if *serverURL != "" {
		s, err := statusViaHTTP(*serverURL)
		if err != nil {
			fatalf("Status failed: %v", err)
		}
		status = s
	} else {
		status = statusDirect(*configPath)
	}

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	if format == cli.OutputJSON {
		if err := cli.WriteJSON(os.Stdout, status); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}
	writeStatusText(os.Stdout, status)
}

// statusDirect reads the database, checkpoint and snapshot files without
// loading the embedding model.
func statusDirect(configPath string) *statusResponse {
	cfg, _, logger := setup(configPath, false)
	defer func() { _ = logger.Sync() }()

	status := &statusResponse{}
	saved := vectorstore.SnapshotExists(cfg.Storage.SnapshotPath)
	status.SnapshotSaved = &saved
	if cp, ok := ingest.NewCheckpointManager(cfg.Storage.CheckpointPath, logger).Load(); ok {
		status.Checkpoint = &cp
	}
	st, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if n, err := st.CountProducts(context.Background()); err == nil {
		status.Products = &n
	}
	if n, err := storage.DiskUsageBytes(cfg.Storage.DatabasePath,
		vectorstore.IndexPath(cfg.Storage.SnapshotPath),
		vectorstore.MetaPath(cfg.Storage.SnapshotPath)); err == nil {
		status.DiskUsageBytes = &n
	}
	return status
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func writeStatusText(w io.Writer, s *statusResponse) {
	fmt.Fprintf(w, "searchable:         %t\n", s.Searchable)
	if s.Store != nil {
		fmt.Fprintf(w, "documents:          %d   # vectors in the index\n", s.Store.Documents)
		fmt.Fprintf(w, "capacity:           %d\n", s.Store.Capacity)
		fmt.Fprintf(w, "dimension:          %d\n", s.Store.Dimension)
	}
	if s.Products != nil {
		fmt.Fprintf(w, "products:           %d   # rows in the product database\n", *s.Products)
	}
	if s.SnapshotSaved != nil {
		fmt.Fprintf(w, "snapshot_saved:     %t\n", *s.SnapshotSaved)
	}
	if s.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d\n", *s.DiskUsageBytes)
	}
	if s.Ingestion != nil {
		fmt.Fprintf(w, "\n# ingestion\nstate:              %s\n", s.Ingestion.State)
		fmt.Fprintf(w, "offset:             %d\nprocessed:          %d\n", s.Ingestion.Result.Offset, s.Ingestion.Result.Processed)
		if s.Ingestion.Error != "" {
			fmt.Fprintf(w, "error:              %s\n", s.Ingestion.Error)
		}
	}
	if s.Checkpoint != nil {
		fmt.Fprintf(w, "\n# checkpoint\noffset:             %d\nprocessed:          %d\nstatus:             %s\n",
			s.Checkpoint.Offset, s.Checkpoint.Processed, s.Checkpoint.Status)
	}
}

func runWatch(args []string) {
	if len(args) < 1 {
		fatalf("Usage: prodvec watch <add|remove|list> [--server URL] [path]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(args[1:])

	var (
		req  *http.Request
		err  error
		want = http.StatusOK
	)
	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fatalf("Usage: prodvec watch %s <path>", sub)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if sub == "add" {
			body, _ := json.Marshal(map[string]interface{}{"path": path, "scan": true})
			req, err = http.NewRequest(http.MethodPost, *serverURL+"/api/v1/watch/directories", bytes.NewReader(body))
			want = http.StatusCreated
		} else {
			req, err = http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		}
	case "list":
		req, err = http.NewRequest(http.MethodGet, *serverURL+"/api/v1/watch/directories", nil)
	default:
		fatalf("Unknown watch subcommand: %s", sub)
	}
	if err != nil {
		fatalf("Request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		fatalf("%s failed (%d): %s", sub, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if sub != "list" {
		fmt.Printf("%s: %s\n", sub, fs.Arg(0))
		return
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("Parse failed: %v", err)
	}
	for _, d := range out.Directories {
		fmt.Println(d)
	}
}

func printUsage() {
	fmt.Println(`prodvec - semantic search over product exports

Usage:
  prodvec server [flags]             Start the HTTP server
  prodvec ingest [flags]             Embed products into the vector index (resumable)
  prodvec import [flags] <path>...   Import CSV/TSV/XLSX exports into the product database
  prodvec search [flags] <query>     Search products
  prodvec status [flags]             Show index, ingestion and storage status
  prodvec watch <add|remove|list>    Manage export drop directories
  prodvec version                    Show version
  prodvec help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/prodvec/config.yaml)
  --debug            Enable debug logging
  --ingest           Start an ingestion run once the server is up

Ingest Flags:
  --config string    Config file path
  --file string      Stream this export directly instead of the product database
  --fresh            Discard checkpoint and saved index, start from row 0

Search Flags:
  --server string    Server URL (default: http://localhost:8080); "" loads the saved index directly
  --k int            Number of results (default: 10, max 100)
  --output string    text, compact, or json

Status Flags:
  --server string    Server URL; "" reads the database and checkpoint directly
  --output string    text or json

Examples:
  prodvec import ~/exports/amazon.csv
  prodvec ingest
  prodvec server --ingest
  prodvec search "noise cancelling headphones"
  prodvec status --output json
  prodvec watch add ~/exports`)
}
