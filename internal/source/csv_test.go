package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeExport(t *testing.T, name string, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("\ufeffasin,title,brand,about_product\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "P%04d,\"Item %d, deluxe\",Acme,\"Says \"\"hi\"\"\"\n", i, i)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpen_CSV(t *testing.T) {
	path := writeExport(t, "products.csv", 3)
	it, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var ids []string
	for {
		row, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, row.ProductID)
		if row.Description != `Says "hi"` {
			t.Errorf("Description=%q", row.Description)
		}
	}
	if strings.Join(ids, ",") != "P0000,P0001,P0002" {
		t.Errorf("ids=%v", ids)
	}
}

func TestOpen_Errors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	_ = os.WriteFile(empty, nil, 0644)
	noID := filepath.Join(dir, "noid.csv")
	_ = os.WriteFile(noID, []byte("title,price\nWidget,1\n"), 0644)

	for _, p := range []string{empty, noID, filepath.Join(dir, "products.json"), filepath.Join(dir, "missing.csv")} {
		if _, err := Open(p); err == nil {
			t.Errorf("Open(%s) should fail", filepath.Base(p))
		}
	}
}

func TestSupported(t *testing.T) {
	for path, want := range map[string]bool{
		"a.csv": true, "b.XLSX": true, "c.tsv": true, "d.pdf": false, "e": false,
	} {
		if got := Supported(path); got != want {
			t.Errorf("Supported(%q)=%v", path, got)
		}
	}
}

func TestFileSource_Paging(t *testing.T) {
	src, err := NewFileSource(writeExport(t, "products.csv", 25))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	ctx := context.Background()

	var all []string
	offset := 0
	for {
		page, err := src.FetchPage(ctx, offset, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			all = append(all, r.ProductID)
		}
		offset += len(page)
	}
	if len(all) != 25 || all[0] != "P0000" || all[24] != "P0024" {
		t.Fatalf("got %d rows: %v", len(all), all)
	}

	// Rewind and jump ahead reopen the file.
	page, err := src.FetchPage(ctx, 5, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ProductID != "P0005" {
		t.Errorf("rewind page = %+v", page)
	}
	page, _ = src.FetchPage(ctx, 20, 100)
	if len(page) != 5 || page[0].ProductID != "P0020" {
		t.Errorf("jump page = %d rows", len(page))
	}
	page, err = src.FetchPage(ctx, 100, 10)
	if err != nil || len(page) != 0 {
		t.Errorf("past end: %v %v", page, err)
	}
}

func TestFileSource_Invalid(t *testing.T) {
	if _, err := NewFileSource(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("missing file should fail")
	}
	src, _ := NewFileSource(writeExport(t, "p.csv", 1))
	if _, err := src.FetchPage(context.Background(), -1, 10); err == nil {
		t.Error("negative offset should fail")
	}
}
