// Package audio converts trainee and AI audio into the single canonical
// encoding Parley stores and serves.
//
// The canonical format is mono mp3 at 16 kHz. Conversion is delegated to the
// ffmpeg binary; [FFmpeg] pipes the input through stdin and reads the result
// from stdout so no temporary files are written.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CanonicalFormat is the file extension / encoding of transcoded audio.
const CanonicalFormat = "mp3"

// CanonicalContentType is the MIME type of transcoded audio.
const CanonicalContentType = "audio/mpeg"

// ErrConversion marks malformed input or missing tooling.
var ErrConversion = errors.New("audio: conversion failed")

// Transcoder converts arbitrary encoded audio to [CanonicalFormat].
//
// Implementations must be safe for concurrent use.
type Transcoder interface {
	ToCanonical(ctx context.Context, data []byte) ([]byte, error)
}

// FFmpeg is a [Transcoder] that shells out to ffmpeg.
type FFmpeg struct {
	binary     string
	sampleRate int
	bitrate    string
}

// FFmpegOption configures an [FFmpeg] transcoder.
type FFmpegOption func(*FFmpeg)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.binary = path
		}
	}
}

// WithSampleRate sets the output sample rate. Defaults to 16000.
func WithSampleRate(hz int) FFmpegOption {
	return func(f *FFmpeg) {
		if hz > 0 {
			f.sampleRate = hz
		}
	}
}

// WithBitrate sets the output bitrate, e.g. "48k". Defaults to "32k".
func WithBitrate(b string) FFmpegOption {
	return func(f *FFmpeg) {
		if b != "" {
			f.bitrate = b
		}
	}
}

// NewFFmpeg returns an ffmpeg-backed transcoder.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{binary: "ffmpeg", sampleRate: 16000, bitrate: "32k"}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrConversion, f.binary, err)
	}
	return nil
}

func (f *FFmpeg) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-i", "pipe:0",
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(f.sampleRate),
		"-b:a", f.bitrate,
		"-f", CanonicalFormat,
		"pipe:1",
	}
}

// ToCanonical implements [Transcoder].
func (f *FFmpeg) ToCanonical(ctx context.Context, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrConversion)
	}

	cmd := exec.CommandContext(ctx, f.binary, f.args()...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrConversion, msg)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: no output produced", ErrConversion)
	}
	return stdout.Bytes(), nil
}

var _ Transcoder = (*FFmpeg)(nil)
