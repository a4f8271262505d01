package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "products.db")
	index := filepath.Join(dir, "snap", "products.index")
	meta := filepath.Join(dir, "snap", "products.json")
	for path, size := range map[string]int{db: 5, index: 2, meta: 1} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		paths []string
		want  int64
	}{
		{"single file", []string{db}, 5},
		{"directory", []string{filepath.Join(dir, "snap")}, 3},
		{"snapshot pair", []string{db, index, meta}, 8},
		{"missing skipped", []string{db, filepath.Join(dir, "nope.index")}, 5},
		{"empty skipped", []string{"", db}, 5},
		{"duplicates once", []string{db, db, filepath.Join(dir, ".", "products.db")}, 5},
		{"nothing", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiskUsageBytes(tt.paths...)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d bytes, want %d", got, tt.want)
			}
		})
	}
}
