package assetcache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsure_CacheMiss_DownloadsAndStoresUnderURLPath(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/assets/abc123/scene.blend" {
			t.Errorf("unexpected request path %s", r.URL.Path)
		}
		w.Write([]byte("blend-file-bytes"))
	}))
	defer srv.Close()

	root := t.TempDir()
	cache := New(root)

	path, err := cache.Ensure(srv.URL + "/assets/abc123/scene.blend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantPath := filepath.Join(root, "assets", "abc123", "scene.blend")
	if path != wantPath {
		t.Fatalf("expected path %q, got %q", wantPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected downloaded file to exist: %v", err)
	}
	if string(data) != "blend-file-bytes" {
		t.Fatalf("unexpected file contents %q", data)
	}
	if requests != 1 {
		t.Fatalf("expected exactly 1 download request, got %d", requests)
	}
}

func TestEnsure_CacheHit_SkipsDownload(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("fresh-bytes"))
	}))
	defer srv.Close()

	root := t.TempDir()
	cache := New(root)

	existingPath := filepath.Join(root, "assets", "abc123", "scene.blend")
	if err := os.MkdirAll(filepath.Dir(existingPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(existingPath, []byte("already-cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := cache.Ensure(srv.URL + "/assets/abc123/scene.blend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != existingPath {
		t.Fatalf("expected existing path %q, got %q", existingPath, path)
	}
	if requests != 0 {
		t.Fatal("expected no download request on cache hit")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "already-cached" {
		t.Fatal("expected cached file to remain untouched")
	}
}

func TestEnsure_EmptyURL_ReturnsError(t *testing.T) {
	cache := New(t.TempDir())
	if _, err := cache.Ensure(""); err == nil {
		t.Fatal("expected error for empty asset URL")
	}
}

func TestEnsure_DownloadFailureStatus_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := New(t.TempDir())
	if _, err := cache.Ensure(srv.URL + "/assets/missing.blend"); err == nil {
		t.Fatal("expected error for non-200 download response")
	}
}

func TestEnsure_CorruptedCacheEntry_Redownloads(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("original-bytes"))
	}))
	defer srv.Close()

	root := t.TempDir()
	cache := New(root)

	path, err := cache.Ensure(srv.URL + "/assets/abc123/scene.blend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 download request after first Ensure, got %d", requests)
	}

	// Simulate on-disk corruption: the manifest still records the digest
	// of "original-bytes".
	if err := os.WriteFile(path, []byte("corrupted!!"), 0o644); err != nil {
		t.Fatal(err)
	}

	path2, err := cache.Ensure(srv.URL + "/assets/abc123/scene.blend")
	if err != nil {
		t.Fatalf("unexpected error on redownload: %v", err)
	}
	if path2 != path {
		t.Fatalf("expected same path, got %q", path2)
	}
	if requests != 2 {
		t.Fatalf("expected a second download request after corruption, got %d", requests)
	}
	data, _ := os.ReadFile(path2)
	if string(data) != "original-bytes" {
		t.Fatalf("expected corrected contents after redownload, got %q", data)
	}
}
