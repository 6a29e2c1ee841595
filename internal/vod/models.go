package vod

import (
	"errors"
	"time"
)

// StreamID uniquely identifies a streaming session. It is the requested
// source path relative to the media root, with the file extension stripped,
// so manifest and segment requests for the same logical source resolve to
// the same session.
type StreamID string

// SegmentState tracks one segment index inside a session's window.
type SegmentState struct {
	Number       int
	LastAccessed time.Time

	// Generated means generation was requested for this index in the most
	// recent pipeline launch, not that the file exists on disk yet. The
	// delivery layer polls the filesystem for actual readiness.
	Generated bool
}

// TranscodingConfig carries the encoder parameters handed to the pipeline.
type TranscodingConfig struct {
	VideoCodec       string // e.g. "libx264"
	AudioCodec       string // e.g. "aac"
	Quality          int    // CRF value; lower is higher fidelity
	AudioBitrate     string // e.g. "128k"
	KeyframeInterval int    // frames between forced keyframes
	AudioSampleRate  int    // fixed resample rate in Hz
	SegmentSeconds   int    // duration of each segment
}

// DefaultTranscodingConfig returns the encoder parameters used when nothing
// overrides them.
func DefaultTranscodingConfig() TranscodingConfig {
	return TranscodingConfig{
		VideoCodec:       "libx264",
		AudioCodec:       "aac",
		Quality:          23,
		AudioBitrate:     "128k",
		KeyframeInterval: 48,
		AudioSampleRate:  48000,
		SegmentSeconds:   2,
	}
}

// SessionOptions sizes a session's segment window.
type SessionOptions struct {
	// WindowSize is how far ahead of the current segment generation is kept.
	WindowSize int
	// MaxSegments is the retention radius around the current segment; a
	// request outside it is classified as a seek.
	MaxSegments int
	// InitialSegments is how many entries are pre-registered when a stream
	// is initialized.
	InitialSegments int
}

// DefaultSessionOptions returns the window sizing used when nothing
// overrides it.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		WindowSize:      5,
		MaxSegments:     30,
		InitialSegments: 6,
	}
}

var (
	// ErrSourceNotFound is returned when no candidate source file exists for
	// a requested stream, or when an artifact request cannot be matched to a
	// live session.
	ErrSourceNotFound = errors.New("no matching source file")

	// ErrInvalidSegment is returned for malformed segment requests.
	ErrInvalidSegment = errors.New("invalid segment request")

	// ErrPipelineFailed is returned when the external transcode pipeline
	// cannot be launched. The session stays usable; a later request retries.
	ErrPipelineFailed = errors.New("transcode pipeline failed")
)
