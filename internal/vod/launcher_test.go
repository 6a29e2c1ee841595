package vod

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeProcess records termination calls in place of a real ffmpeg process.
type fakeProcess struct {
	mu     sync.Mutex
	killed bool
	waited bool
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waited = true
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type launchRecord struct {
	source  string
	scratch string
	start   int
}

// fakeLauncher stands in for the ffmpeg pipeline. onLaunch, when set, can
// drop artifact files into the scratch directory the way a real launch would.
type fakeLauncher struct {
	mu       sync.Mutex
	launches []launchRecord
	procs    []*fakeProcess
	err      error
	onLaunch func(scratchDir string, start int)
}

func (l *fakeLauncher) Launch(sourcePath, scratchDir string, startSegment int, cfg TranscodingConfig) (Process, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, "", l.err
	}
	l.launches = append(l.launches, launchRecord{source: sourcePath, scratch: scratchDir, start: startSegment})
	p := &fakeProcess{}
	l.procs = append(l.procs, p)
	if l.onLaunch != nil {
		l.onLaunch(scratchDir, startSegment)
	}
	return p, filepath.Join(scratchDir, manifestName), nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) lastLaunch() launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[len(l.launches)-1]
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// touchFile creates an empty file, failing the test on error.
func touchFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}
