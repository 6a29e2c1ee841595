package vod

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"vodserve/internal/browse"
)

// writeArtifacts mimics what a real pipeline launch eventually produces.
func writeArtifacts(scratch string, start int) {
	_ = os.WriteFile(filepath.Join(scratch, manifestName), []byte("<MPD/>"), 0o644)
	_ = os.WriteFile(filepath.Join(scratch, "init-stream0.m4s"), []byte("init"), 0o644)
	for n := start; n < start+12; n++ {
		name := fmt.Sprintf("chunk-stream0-%d.m4s", n)
		_ = os.WriteFile(filepath.Join(scratch, name), []byte("chunk"), 0o644)
	}
}

func newTestServer(t *testing.T, l *fakeLauncher) (*chi.Mux, string) {
	t.Helper()
	root := t.TempDir()
	log := quietLogger()
	reg := NewRegistry(root, time.Hour, DefaultSessionOptions(), DefaultTranscodingConfig(), l, log, nil)
	t.Cleanup(reg.Close)
	h := NewHandler(reg, log, nil, 5*time.Millisecond, 3)

	r := chi.NewRouter()
	r.Get("/*", h.Routes(browse.NewHandler(root, log)))
	return r, root
}

func TestHandler_manifest(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, root := newTestServer(t, l)
	touchFile(t, filepath.Join(root, "movie.mp4"))

	req := httptest.NewRequest(http.MethodGet, "/movie.mpd", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != manifestContentType {
		t.Errorf("content type = %q, want %q", ct, manifestContentType)
	}
	if got := l.launchCount(); got != 1 {
		t.Errorf("manifest request should launch the pipeline once, got %d", got)
	}
}

func TestHandler_manifest_missingSource(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, _ := newTestServer(t, l)

	req := httptest.NewRequest(http.MethodGet, "/nothing.mpd", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_manifest_pollBudgetExhausted(t *testing.T) {
	// Launcher that never produces the manifest.
	l := &fakeLauncher{}
	r, root := newTestServer(t, l)
	touchFile(t, filepath.Join(root, "movie.mp4"))

	start := time.Now()
	req := httptest.NewRequest(http.MethodGet, "/movie.mpd", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after poll budget, got %d", rec.Code)
	}
	// Two retries at 5ms: not-available must not be an immediate answer.
	if elapsed < 10*time.Millisecond {
		t.Errorf("poll budget returned too quickly: %v", elapsed)
	}
}

func TestHandler_initSegment(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, root := newTestServer(t, l)
	touchFile(t, filepath.Join(root, "movie.mp4"))

	// The player fetches the manifest first, creating the session.
	req := httptest.NewRequest(http.MethodGet, "/movie.mpd", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/init-stream0.m4s", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != segmentContentType {
		t.Errorf("content type = %q, want %q", ct, segmentContentType)
	}
}

func TestHandler_mediaSegment(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, root := newTestServer(t, l)
	touchFile(t, filepath.Join(root, "movie.mp4"))

	req := httptest.NewRequest(http.MethodGet, "/movie.mpd", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/chunk-stream0-3.m4s", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "chunk" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_mediaSegment_noSession(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, _ := newTestServer(t, l)

	req := httptest.NewRequest(http.MethodGet, "/chunk-stream0-3.m4s", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for chunk without session, got %d", rec.Code)
	}
}

func TestHandler_mediaSegment_seekServedFromNewWindow(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, root := newTestServer(t, l)
	touchFile(t, filepath.Join(root, "movie.mp4"))

	req := httptest.NewRequest(http.MethodGet, "/movie.mpd", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	// 40 is outside the retention band; the fake relaunch drops chunks 38..49.
	req = httptest.NewRequest(http.MethodGet, "/chunk-stream0-40.m4s", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after seek, got %d", rec.Code)
	}
	if got := l.lastLaunch().start; got != 38 {
		t.Errorf("seek request should relaunch at 38, got %d", got)
	}
}

func TestHandler_malformedChunkName_fallsThrough(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, _ := newTestServer(t, l)

	req := httptest.NewRequest(http.MethodGet, "/chunk-stream0-abc.m4s", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Not a recognizable artifact; the browse fallback finds no such file.
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if got := l.launchCount(); got != 0 {
		t.Errorf("malformed chunk name must not touch the registry, launches %d", got)
	}
}

func TestHandler_pathTraversal_rejected(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, _ := newTestServer(t, l)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../secrets.mpd"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for traversal, got %d", rec.Code)
	}
	if got := l.launchCount(); got != 0 {
		t.Errorf("traversal must be rejected before any launch, got %d", got)
	}
}

func TestHandler_plainFile_fallsThroughToBrowse(t *testing.T) {
	l := &fakeLauncher{onLaunch: writeArtifacts}
	r, root := newTestServer(t, l)
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/notes.txt", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}
