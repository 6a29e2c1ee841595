package vod

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Process is the handle of a running packaging subprocess. The session that
// received it owns its termination.
type Process interface {
	Kill() error
	Wait() error
}

// Launcher starts the two-stage transcode pipeline for a session.
// Implementations must not tie the subprocess lifetime to any request
// context; an abandoned client never cancels generation.
type Launcher interface {
	// Launch re-encodes sourcePath into fixed-duration segments starting at
	// startSegment, then spawns the long-running packaging pass. It returns
	// the live packaging process and the manifest path it will produce.
	Launch(sourcePath, scratchDir string, startSegment int, cfg TranscodingConfig) (Process, string, error)
}

const (
	segmentsDirName  = "segments"
	filelistName     = "filelist.txt"
	manifestName     = "playlist.mpd"
	initSegTemplate  = "init-stream$RepresentationID$.m4s"
	mediaSegTemplate = "chunk-stream$RepresentationID$-$Number%d$.m4s"
)

var segmentFileRe = regexp.MustCompile(`^segment(\d+)\.ts$`)

// FFmpegLauncher shells out to ffmpeg for both pipeline stages.
type FFmpegLauncher struct {
	// Path is the ffmpeg binary; "ffmpeg" resolves via PATH.
	Path string
	Log  *slog.Logger
}

// NewFFmpegLauncher returns a launcher using the given ffmpeg binary and logger.
func NewFFmpegLauncher(path string, log *slog.Logger) *FFmpegLauncher {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegLauncher{Path: path, Log: log}
}

// Launch implements Launcher. The segmentation pass runs to completion before
// the packaging pass is spawned; a non-zero segmentation exit fails the whole
// launch and no process handle is produced.
func (l *FFmpegLauncher) Launch(sourcePath, scratchDir string, startSegment int, cfg TranscodingConfig) (Process, string, error) {
	segDir := filepath.Join(scratchDir, segmentsDirName)
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create segment dir: %w", err)
	}

	segArgs := segmentArgs(sourcePath, segDir, startSegment, cfg)
	seg := exec.Command(l.Path, segArgs...)
	var stderr bytes.Buffer
	seg.Stderr = &stderr
	l.Log.Debug("segmentation pass", slog.String("source", sourcePath), slog.Int("start_segment", startSegment))
	if err := seg.Run(); err != nil {
		return nil, "", fmt.Errorf("%w: segmentation: %v: %s", ErrPipelineFailed, err, tail(stderr.String()))
	}

	if err := writeFilelist(scratchDir, segDir); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrPipelineFailed, err)
	}

	pkg := exec.Command(l.Path, packageArgs()...)
	pkg.Dir = scratchDir
	if err := pkg.Start(); err != nil {
		return nil, "", fmt.Errorf("%w: packaging: %v", ErrPipelineFailed, err)
	}
	l.Log.Debug("packaging pass started", slog.String("scratch", scratchDir), slog.Int("pid", pkg.Process.Pid))

	return &ffmpegProcess{cmd: pkg}, filepath.Join(scratchDir, manifestName), nil
}

// segmentArgs builds the stage-1 argument list: re-encode the source into
// fixed-duration MPEG-TS segments, optionally seeking to the start offset.
func segmentArgs(sourcePath, segDir string, startSegment int, cfg TranscodingConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y"}
	if startSegment > 0 {
		args = append(args, "-ss", strconv.Itoa(startSegment*cfg.SegmentSeconds))
	}
	args = append(args,
		"-i", sourcePath,
		"-c:v", cfg.VideoCodec,
		"-crf", strconv.Itoa(cfg.Quality),
		"-c:a", cfg.AudioCodec,
		"-b:a", cfg.AudioBitrate,
		"-bf", "0",
		"-g", strconv.Itoa(cfg.KeyframeInterval),
		"-ar", strconv.Itoa(cfg.AudioSampleRate),
		"-f", "segment",
		"-segment_time", strconv.Itoa(cfg.SegmentSeconds),
		"-segment_start_number", strconv.Itoa(startSegment),
		"-reset_timestamps", "1",
		filepath.Join(segDir, "segment%d.ts"),
	)
	return args
}

// packageArgs builds the stage-2 argument list: losslessly concatenate the
// listed segments into a fragmented DASH output with one adaptation set per
// media type. Paths are relative; the command runs with the scratch directory
// as its working directory.
func packageArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", filelistName,
		"-c", "copy",
		"-f", "dash",
		"-use_template", "1",
		"-use_timeline", "0",
		"-init_seg_name", initSegTemplate,
		"-media_seg_name", mediaSegTemplate,
		"-adaptation_sets", "id=0,streams=v id=1,streams=a",
		manifestName,
	}
}

// writeFilelist writes the concat manifest listing the stage-1 outputs in
// ascending segment-number order.
func writeFilelist(scratchDir, segDir string) error {
	entries, err := os.ReadDir(segDir)
	if err != nil {
		return fmt.Errorf("read segment dir: %w", err)
	}

	numbers := make([]int, 0, len(entries))
	for _, e := range entries {
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return fmt.Errorf("segmentation produced no segments in %s", segDir)
	}
	sort.Ints(numbers)

	var b strings.Builder
	for _, n := range numbers {
		fmt.Fprintf(&b, "file '%s/segment%d.ts'\n", segmentsDirName, n)
	}
	return os.WriteFile(filepath.Join(scratchDir, filelistName), []byte(b.String()), 0o644)
}

// tail returns the last few lines of ffmpeg stderr for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 4 {
		lines = lines[len(lines)-4:]
	}
	return strings.Join(lines, "; ")
}

// ffmpegProcess wraps the packaging exec.Cmd as a Process.
type ffmpegProcess struct {
	cmd *exec.Cmd
}

func (p *ffmpegProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ffmpegProcess) Wait() error {
	return p.cmd.Wait()
}
