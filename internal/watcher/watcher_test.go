package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(_ context.Context, path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func (r *recorder) waitFor(t *testing.T, suffix string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range r.seen() {
			if strings.HasSuffix(p, suffix) {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s was not handled, got %v", suffix, r.seen())
}

func csvOnly(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_AddRemoveDirectories(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(nil, csvOnly, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || filepath.Clean(dirs[0]) != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}
	if err := w.RemoveDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 0 {
		t.Errorf("after remove: %v", w.Directories())
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]string{dir}, csvOnly, rec.handle, WithDebounce(150*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "export.csv")
	for i := 0; i < 5; i++ {
		writeFile(t, path, strings.Repeat("product_id,title\n", i+1))
		time.Sleep(20 * time.Millisecond)
	}
	rec.waitFor(t, "export.csv")
	time.Sleep(300 * time.Millisecond)
	if n := len(rec.seen()); n != 1 {
		t.Errorf("expected one settled call, got %d", n)
	}
}

func TestWatcher_SkipsUnwantedFiles(t *testing.T) {
	w := New(nil, csvOnly, nil)
	tests := []struct {
		path string
		want bool
	}{
		{"/drop/products.csv", true},
		{"/drop/PRODUCTS.CSV", true},
		{"/drop/products.xlsx", false},
		{"/drop/.products.csv", false},
		{"/drop/~$products.csv", false},
		{"/drop/products.csv.part", false},
		{"/drop/products.tmp", false},
	}
	for _, tt := range tests {
		if got := w.wanted(tt.path); got != tt.want {
			t.Errorf("wanted(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir, path string
		want      bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.csv", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, tt.path); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func TestWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.csv"), "product_id\n1\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	writeFile(t, filepath.Join(dir, ".hidden", "b.csv"), "product_id\n2\n")

	rec := &recorder{}
	w := New([]string{dir}, csvOnly, rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.ScanExisting()

	got := rec.seen()
	if len(got) != 1 || !strings.HasSuffix(got[0], "a.csv") {
		t.Errorf("expected only a.csv, got %v", got)
	}
}

func TestWatcher_StartCreatesMissingDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "drop", "exports")
	w := New([]string{root}, csvOnly, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]string{dir}, csvOnly, rec.handle, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "2026", "q3", "amazon.csv"), "product_id\nB01\n")
	writeFile(t, filepath.Join(dir, "2026", "q3", "skip.json"), "{}")
	rec.waitFor(t, "amazon.csv")
	for _, p := range rec.seen() {
		if strings.HasSuffix(p, "skip.json") {
			t.Errorf("skip.json should not be handled")
		}
	}
}

func TestWatcher_StopsWithContext(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]string{dir}, csvOnly, rec.handle, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "late.csv"), "product_id\n1\n")
	time.Sleep(200 * time.Millisecond)
	if got := rec.seen(); len(got) != 0 {
		t.Errorf("stopped watcher handled %v", got)
	}
}
