package vod

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vodserve/internal/platform/metrics"
)

// probeExtensions is the fixed priority order used to resolve a logical
// source name to a file on disk. The first existing candidate wins.
var probeExtensions = []string{"mp4", "mkv", "avi", "mov", "webm", "flv", "ts", "m2ts", "wmv", "mpeg", "mpg"}

// Registry is the process-wide map from stream id to active session. It is
// the single entry point for get-or-create and for periodic idle eviction.
//
// One registry-wide mutex serializes all registry and session mutation.
// While a request holds it, state transitions of unrelated streams block
// too; that is a deliberate simplicity tradeoff, not an optimization.
type Registry struct {
	mu       sync.Mutex
	sessions map[StreamID]*Session

	mediaRoot   string
	idleTimeout time.Duration
	opts        SessionOptions
	cfg         TranscodingConfig
	launcher    Launcher
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// NewRegistry returns an empty registry. Sessions resolve sources under
// mediaRoot and are evicted once idle longer than idleTimeout. Metrics may
// be nil to disable metric recording (e.g. in tests).
func NewRegistry(mediaRoot string, idleTimeout time.Duration, opts SessionOptions, cfg TranscodingConfig, launcher Launcher, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions:    make(map[StreamID]*Session),
		mediaRoot:   mediaRoot,
		idleTimeout: idleTimeout,
		opts:        opts,
		cfg:         cfg,
		launcher:    launcher,
		log:         log,
		metrics:     m,
	}
}

// InitStream gets or creates the session for the given slash-separated,
// sanitized stream path and ensures its pipeline is running from the start
// of the source. It returns the manifest path the caller should poll.
func (r *Registry) InitStream(streamPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getOrCreateLocked(streamPath)
	if err != nil {
		return "", err
	}
	if err := s.initStream(); err != nil {
		return "", err
	}
	return s.manifestPath(), nil
}

// RequestSegment routes a media-segment request to the session serving
// artifacts for dir and returns the path to poll for the chunk.
func (r *Registry) RequestSegment(dir string, n int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessionForDirLocked(dir)
	if !ok {
		return "", fmt.Errorf("%w: no session for %q", ErrSourceNotFound, dir)
	}
	if err := s.requestSegment(n); err != nil {
		return "", err
	}
	return s.scratchDir, nil
}

// ArtifactDir returns the scratch directory of the session serving artifacts
// for dir, refreshing its last-accessed time. Used for init-segment requests,
// which never touch the segment window.
func (r *Registry) ArtifactDir(dir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessionForDirLocked(dir)
	if !ok {
		return "", fmt.Errorf("%w: no session for %q", ErrSourceNotFound, dir)
	}
	s.lastAccessed = time.Now()
	return s.scratchDir, nil
}

// ActiveSessionCount returns the number of live sessions. Used for metrics.
func (r *Registry) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupIdle evicts every session idle longer than the registry's timeout,
// terminating its subprocess best-effort and releasing its scratch
// directory. It returns the number of sessions evicted.
func (r *Registry) CleanupIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, s := range r.sessions {
		if now.Sub(s.lastAccessed) <= r.idleTimeout {
			continue
		}
		r.log.Info("evicting idle session",
			slog.String("stream_id", string(id)),
			slog.Duration("idle", now.Sub(s.lastAccessed)))
		s.teardown()
		delete(r.sessions, id)
		evicted++
		if r.metrics != nil {
			r.metrics.IncSessionsEvicted()
		}
	}
	return evicted
}

// Sweep runs the idle-eviction pass on a fixed period until ctx is done.
// Meant to run as a background goroutine for the life of the process.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.CleanupIdle()
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down every session. Called on server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.teardown()
		delete(r.sessions, id)
	}
}

// getOrCreateLocked returns the session for streamPath, creating it after
// resolving the logical source by extension probing. The stream id is the
// path with its extension stripped. Always refreshes last-accessed.
// Caller must hold r.mu.
func (r *Registry) getOrCreateLocked(streamPath string) (*Session, error) {
	id := StreamID(strings.TrimSuffix(streamPath, path.Ext(streamPath)))

	if s, ok := r.sessions[id]; ok {
		s.lastAccessed = time.Now()
		return s, nil
	}

	source, err := r.resolveSource(string(id))
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "vodserve-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	s := newSession(id, source, scratch, r.opts, r.cfg, r.launcher, r.log, r.metrics)
	r.sessions[id] = s
	if r.metrics != nil {
		r.metrics.IncSessionsStarted()
	}
	r.log.Info("session created",
		slog.String("stream_id", string(id)),
		slog.String("source", source),
		slog.String("scratch", scratch))
	return s, nil
}

// resolveSource probes candidate extensions for the extension-stripped id
// and returns the first existing regular file.
func (r *Registry) resolveSource(id string) (string, error) {
	base := filepath.Join(r.mediaRoot, filepath.FromSlash(id))
	for _, ext := range probeExtensions {
		candidate := base + "." + ext
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s.*", ErrSourceNotFound, id)
}

// sessionForDirLocked finds the session whose source lives in the given
// slash-separated directory. DASH players request init and chunk files
// relative to the manifest URL, so the directory is all there is to go on;
// with several live sessions in one directory the most recently accessed
// wins. Caller must hold r.mu.
func (r *Registry) sessionForDirLocked(dir string) (*Session, bool) {
	var best *Session
	for id, s := range r.sessions {
		if path.Dir(string(id)) != dir {
			continue
		}
		if best == nil || s.lastAccessed.After(best.lastAccessed) {
			best = s
		}
	}
	return best, best != nil
}
