package vod

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vodserve/internal/platform/metrics"
)

// seekBackPad is how many segments before a seek target the pipeline is
// restarted at, preserving player look-back continuity across the jump.
const seekBackPad = 2

// Session is the per-source streaming state machine. It owns a scratch
// directory, the window of tracked segment descriptors, and at most one
// running packaging subprocess.
//
// All mutation is serialized through the owning Registry's lock; none of the
// methods below lock on their own.
type Session struct {
	id         StreamID
	sourcePath string
	scratchDir string

	proc         Process
	createdAt    time.Time
	lastAccessed time.Time

	segments map[int]*SegmentState
	current  int

	opts     SessionOptions
	cfg      TranscodingConfig
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func newSession(id StreamID, sourcePath, scratchDir string, opts SessionOptions, cfg TranscodingConfig, launcher Launcher, log *slog.Logger, m *metrics.Metrics) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		sourcePath:   sourcePath,
		scratchDir:   scratchDir,
		createdAt:    now,
		lastAccessed: now,
		segments:     make(map[int]*SegmentState),
		opts:         opts,
		cfg:          cfg,
		launcher:     launcher,
		log:          log,
		metrics:      m,
	}
}

// manifestPath is where the packaging pass writes the DASH manifest.
func (s *Session) manifestPath() string {
	return filepath.Join(s.scratchDir, manifestName)
}

// initStream launches the pipeline from the beginning of the source if no
// subprocess is running, pre-registering the initial prefetch window. It is
// idempotent; repeated manifest requests are no-ops once a process is live.
func (s *Session) initStream() error {
	s.lastAccessed = time.Now()
	if s.proc != nil {
		return nil
	}

	proc, _, err := s.launcher.Launch(s.sourcePath, s.scratchDir, 0, s.cfg)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncPipelineLaunches()
	}
	s.proc = proc

	now := time.Now()
	for i := 0; i < s.opts.InitialSegments; i++ {
		if _, ok := s.segments[i]; !ok {
			s.segments[i] = &SegmentState{Number: i, LastAccessed: now}
		}
	}
	s.log.Info("stream initialized",
		slog.String("stream_id", string(s.id)),
		slog.String("source", s.sourcePath),
		slog.Int("prefetch", s.opts.InitialSegments))
	return nil
}

// requestSegment classifies a segment request as sequential playback,
// forward extension, or seek, and updates the window accordingly. Only a
// jump outside the retention band [current-maxSegments, current+maxSegments]
// counts as a seek; a forward request inside the band is ordinary playback.
func (s *Session) requestSegment(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: segment %d", ErrInvalidSegment, n)
	}
	now := time.Now()
	s.lastAccessed = now

	lower := s.current - s.opts.MaxSegments
	if lower < 0 {
		lower = 0
	}
	if n > s.current+s.opts.MaxSegments || n < lower {
		if err := s.seekTo(n); err != nil {
			return err
		}
	} else if _, tracked := s.segments[n]; !tracked {
		for i := s.current; i <= n+s.opts.WindowSize; i++ {
			if _, ok := s.segments[i]; !ok {
				s.segments[i] = &SegmentState{Number: i, LastAccessed: now}
			}
		}
		if n > s.current {
			s.current = n
			s.evictStaleSegments()
			if err := s.ensureWindow(); err != nil {
				return err
			}
		}
	}

	if st, ok := s.segments[n]; ok {
		st.LastAccessed = now
	}
	return nil
}

// seekTo clears the tracked window, repopulates it around the target, and
// restarts the pipeline a little before it.
func (s *Session) seekTo(n int) error {
	start := n - seekBackPad
	if start < 0 {
		start = 0
	}
	s.log.Info("seek",
		slog.String("stream_id", string(s.id)),
		slog.Int("from", s.current),
		slog.Int("to", n),
		slog.Int("restart_at", start))
	if s.metrics != nil {
		s.metrics.IncSeeks()
	}

	s.current = n
	now := time.Now()
	s.segments = make(map[int]*SegmentState)
	for i := start; i <= n+s.opts.WindowSize; i++ {
		s.segments[i] = &SegmentState{Number: i, LastAccessed: now}
	}
	return s.restartAt(start)
}

// ensureWindow guarantees generation has been requested for every segment up
// to current+windowSize. If anything tracked at or below that target has not
// been part of the latest launch, the pipeline is restarted at the current
// segment and the whole lookahead is marked requested.
func (s *Session) ensureWindow() error {
	target := s.current + s.opts.WindowSize

	pending := false
	for num, st := range s.segments {
		if num <= target && !st.Generated {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}

	if err := s.restartAt(s.current); err != nil {
		return err
	}
	for i := s.current; i <= target; i++ {
		if st, ok := s.segments[i]; ok {
			st.Generated = true
		}
	}
	return nil
}

// evictStaleSegments drops every tracked segment behind the retention radius
// and best-effort deletes its on-disk artifacts.
func (s *Session) evictStaleSegments() {
	floor := s.current - s.opts.MaxSegments
	for num := range s.segments {
		if num < floor {
			delete(s.segments, num)
			s.removeArtifacts(num)
		}
	}
}

// removeArtifacts deletes the intermediate and packaged files for a segment
// number, ignoring files that were never produced.
func (s *Session) removeArtifacts(n int) {
	paths := []string{filepath.Join(s.scratchDir, segmentsDirName, fmt.Sprintf("segment%d.ts", n))}
	if chunks, err := filepath.Glob(filepath.Join(s.scratchDir, fmt.Sprintf("chunk-stream*-%d.m4s", n))); err == nil {
		paths = append(paths, chunks...)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove segment artifact",
				slog.String("stream_id", string(s.id)),
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
	}
}

// restartAt terminates the running subprocess synchronously, relaunches the
// pipeline at segment n, and resets every tracked segment's generated flag;
// artifacts from the previous launch are now stale or gone.
func (s *Session) restartAt(n int) error {
	s.stopProcess(true)

	proc, _, err := s.launcher.Launch(s.sourcePath, s.scratchDir, n, s.cfg)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncPipelineLaunches()
	}
	s.proc = proc

	for _, st := range s.segments {
		st.Generated = false
	}
	return nil
}

// stopProcess terminates the current subprocess if any. When sync is true the
// exit is awaited, guaranteeing no two pipeline instances write the scratch
// directory concurrently; otherwise the exit status is collected in the
// background. Kill and wait failures are logged and swallowed.
func (s *Session) stopProcess(sync bool) {
	if s.proc == nil {
		return
	}
	proc := s.proc
	s.proc = nil

	if err := proc.Kill(); err != nil {
		s.log.Warn("kill pipeline", slog.String("stream_id", string(s.id)), slog.String("error", err.Error()))
	}
	if sync {
		if err := proc.Wait(); err != nil {
			s.log.Debug("pipeline exit", slog.String("stream_id", string(s.id)), slog.String("error", err.Error()))
		}
		return
	}
	go func() {
		_ = proc.Wait()
	}()
}

// teardown releases everything the session owns: the subprocess (best-effort,
// non-blocking) and the scratch directory.
func (s *Session) teardown() {
	s.stopProcess(false)
	if err := os.RemoveAll(s.scratchDir); err != nil {
		s.log.Warn("remove scratch dir",
			slog.String("stream_id", string(s.id)),
			slog.String("path", s.scratchDir),
			slog.String("error", err.Error()))
	}
}
