// Package watcher watches drop directories for product export files and hands
// each settled file to a handler, typically the importer.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/prodvec/pkg/utils"
)

const defaultDebounce = 400 * time.Millisecond

// Handler is called once a file has stopped changing for the debounce period.
type Handler func(ctx context.Context, path string)

// Watcher watches export directories and calls a Handler for accepted files.
type Watcher struct {
	dirs      []string
	accept    func(path string) bool
	handle    Handler
	recursive bool
	debounce  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	ctx     context.Context
	pending map[string]*time.Timer
	watched map[string][]string // root -> directories added to fsw
	done    chan struct{}
	stop    sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = utils.OrNop(l) }
}

// WithDebounce sets how long a file must be quiet before it is handled.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRecursive controls whether subdirectories are watched too.
func WithRecursive(on bool) Option {
	return func(w *Watcher) { w.recursive = on }
}

// New creates a watcher over dirs. accept filters paths (nil accepts every
// file); handle receives settled files.
func New(dirs []string, accept func(path string) bool, handle Handler, opts ...Option) *Watcher {
	if accept == nil {
		accept = func(string) bool { return true }
	}
	w := &Watcher{
		dirs:      append([]string(nil), dirs...),
		accept:    accept,
		handle:    handle,
		recursive: true,
		debounce:  defaultDebounce,
		logger:    zap.NewNop(),
		pending:   make(map[string]*time.Timer),
		watched:   make(map[string][]string),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. Missing directories are created. The watcher runs
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.ctx = ctx
	for _, dir := range w.dirs {
		if err := w.watchLocked(dir); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
	}
	w.logger.Info("Watching export directories",
		zap.Strings("dirs", w.dirs),
		zap.Duration("debounce", w.debounce))
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.onEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) onEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !w.covers(path) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.addSubdirectory(path)
			return
		}
		if w.wanted(path) {
			w.schedule(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// Imported rows stay in storage; only a pending import is dropped.
		w.cancel(path)
	}
}

// wanted skips hidden files, editor lock files and partial downloads.
func (w *Watcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".tmp", ".part", ".crdownload":
		return false
	}
	return w.accept(path)
}

func (w *Watcher) addSubdirectory(dir string) {
	w.mu.Lock()
	if w.fsw == nil || !w.recursive {
		w.mu.Unlock()
		return
	}
	root := w.rootOf(dir)
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", zap.String("path", p), zap.Error(err))
			return nil
		}
		w.watched[root] = append(w.watched[root], p)
		return nil
	})
	w.mu.Unlock()

	// Files copied in with the directory produce no events of their own.
	w.scan(dir)
}

func (w *Watcher) rootOf(path string) string {
	for root := range w.watched {
		if inDir(root, path) {
			return root
		}
	}
	return path
}

func (w *Watcher) covers(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root := range w.watched {
		if inDir(root, path) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		ctx := w.ctx
		w.mu.Unlock()
		w.dispatch(ctx, path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil || w.handle == nil {
		return
	}
	w.logger.Debug("Export file settled", zap.String("path", path))
	w.handle(ctx, path)
}

// AddDirectory starts watching dir. When scan is set the files already in it
// are handled right away.
func (w *Watcher) AddDirectory(dir string, scan bool) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return nil
	}
	if _, ok := w.watched[abs]; ok {
		w.mu.Unlock()
		return nil
	}
	if err := w.watchLocked(abs); err != nil {
		w.mu.Unlock()
		return err
	}
	w.dirs = append(w.dirs, abs)
	w.mu.Unlock()

	w.logger.Info("Export directory added", zap.String("path", abs))
	if scan {
		go w.scan(abs)
	}
	return nil
}

func (w *Watcher) watchLocked(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var added []string
	if !w.recursive {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		added = append(added, dir)
	} else {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				return err
			}
			added = append(added, p)
			return nil
		})
		if err != nil {
			return err
		}
	}
	w.watched[dir] = added
	return nil
}

// RemoveDirectory stops watching dir. Rows already imported from it stay.
func (w *Watcher) RemoveDirectory(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	paths, ok := w.watched[abs]
	if !ok || w.fsw == nil {
		return nil
	}
	for _, p := range paths {
		_ = w.fsw.Remove(p)
	}
	delete(w.watched, abs)
	for i, d := range w.dirs {
		if filepath.Clean(d) == abs {
			w.dirs = append(w.dirs[:i], w.dirs[i+1:]...)
			break
		}
	}
	w.logger.Info("Export directory removed", zap.String("path", abs))
	return nil
}

// Directories returns the watched root directories.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.dirs...)
}

// ScanExisting handles every accepted file already present in the watched
// directories. Call it after Start to pick up exports dropped while the
// process was down.
func (w *Watcher) ScanExisting() {
	for _, dir := range w.Directories() {
		w.scan(dir)
	}
}

func (w *Watcher) scan(dir string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && (!w.recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.wanted(p) {
			w.dispatch(ctx, p)
		}
		return nil
	})
}

// Stop stops watching and drops pending files. A stopped Watcher cannot be
// started again.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	if fsw != nil {
		_ = fsw.Close()
	}
	w.stop.Do(func() { close(w.done) })
}
