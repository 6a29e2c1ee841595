package vod

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"vodserve/internal/mediapath"
	"vodserve/internal/platform/metrics"
)

const (
	manifestContentType = "application/dash+xml"
	segmentContentType  = "video/iso.segment"
)

var (
	initSegmentRe  = regexp.MustCompile(`^init-stream(\d+)\.m4s$`)
	mediaSegmentRe = regexp.MustCompile(`^chunk-stream(\d+)-(\d+)\.m4s$`)
)

// Handler maps manifest and segment HTTP requests onto Registry operations
// and polls the filesystem for artifact readiness.
type Handler struct {
	reg          *Registry
	log          *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
	pollAttempts int

	// init collapses concurrent manifest requests for the same stream into
	// a single initStream call.
	init singleflight.Group
}

// NewHandler returns a Handler using the given Registry, logger, and optional
// Metrics. Artifact readiness is polled every pollInterval, at most
// pollAttempts times; exhausting the budget is reported as not found.
func NewHandler(reg *Registry, log *slog.Logger, m *metrics.Metrics, pollInterval time.Duration, pollAttempts int) *Handler {
	return &Handler{
		reg:          reg,
		log:          log,
		metrics:      m,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
	}
}

// Routes returns the handler for GET /*: streaming artifacts are recognized
// by name, everything else goes to fallback (the directory browser).
func (h *Handler) Routes(fallback http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel, err := mediapath.Clean(r.URL.Path)
		if err != nil {
			h.log.Debug("rejected path", slog.String("path", r.URL.Path))
			w.WriteHeader(http.StatusNotFound)
			return
		}

		base := path.Base(rel)
		switch {
		case strings.HasSuffix(base, ".mpd"):
			h.manifest(w, r, rel)
		case initSegmentRe.MatchString(base):
			h.initSegment(w, r, rel)
		case mediaSegmentRe.MatchString(base):
			h.mediaSegment(w, r, rel)
		default:
			fallback.ServeHTTP(w, r)
		}
	}
}

// manifest handles GET /{path}.mpd: initialize the stream (idempotent), then
// wait for the manifest file to appear.
func (h *Handler) manifest(w http.ResponseWriter, r *http.Request, rel string) {
	manifestPath, err, _ := h.init.Do(rel, func() (interface{}, error) {
		return h.reg.InitStream(rel)
	})
	if err != nil {
		h.writeError(w, rel, err)
		return
	}

	p := manifestPath.(string)
	if !h.waitForFile(p) {
		h.log.Info("manifest not available", slog.String("stream", rel))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", manifestContentType)
	http.ServeFile(w, r, p)
}

// initSegment handles GET /{dir}/init-stream{rep}.m4s. No segment-window
// update; the file either appears within the poll budget or it does not.
func (h *Handler) initSegment(w http.ResponseWriter, r *http.Request, rel string) {
	scratch, err := h.reg.ArtifactDir(path.Dir(rel))
	if err != nil {
		h.writeError(w, rel, err)
		return
	}

	p := filepath.Join(scratch, path.Base(rel))
	if !h.waitForFile(p) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	http.ServeFile(w, r, p)
}

// mediaSegment handles GET /{dir}/chunk-stream{rep}-{n}.m4s: feed the
// segment number to the session's window scheduler, then wait for the chunk.
func (h *Handler) mediaSegment(w http.ResponseWriter, r *http.Request, rel string) {
	base := path.Base(rel)
	m := mediaSegmentRe.FindStringSubmatch(base)
	n, err := strconv.Atoi(m[2])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	scratch, err := h.reg.RequestSegment(path.Dir(rel), n)
	if err != nil {
		h.writeError(w, rel, err)
		return
	}

	p := filepath.Join(scratch, base)
	if !h.waitForFile(p) {
		h.log.Debug("segment not available", slog.String("chunk", rel), slog.Int("segment", n))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	http.ServeFile(w, r, p)
}

// waitForFile polls for the file with a fixed interval and a bounded attempt
// count. Exhausting the bound is a normal "not yet available" outcome.
func (h *Handler) waitForFile(p string) bool {
	for i := 0; i < h.pollAttempts; i++ {
		if i > 0 {
			time.Sleep(h.pollInterval)
		}
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	if h.metrics != nil {
		h.metrics.IncPollTimeouts()
	}
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, rel string, err error) {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrInvalidSegment):
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.log.Error("stream request failed", slog.String("path", rel), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
