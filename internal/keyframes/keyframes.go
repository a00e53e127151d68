// Package keyframes extracts single still frames from a video stream at
// sparse timestamps. Seeking happens before the ffmpeg input so remote
// streams are range-read around each target instead of downloaded whole.
package keyframes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"brandsight.systems/adscope/pkg/ffmpeg"
)

// ErrExtractionFailed means the media cannot be decoded at all (corrupt or
// inaccessible). A single out-of-range timestamp is never a batch failure;
// those are clamped to the last available frame.
var ErrExtractionFailed = errors.New("keyframes: media cannot be decoded")

// Frame is one extracted still. TimestampMS is the timestamp that was
// requested, not the (possibly clamped) position actually decoded —
// downstream narrative-arc reasoning keys off the requested ordering.
type Frame struct {
	TimestampMS int64
	Image       []byte // JPEG bytes
}

type Extractor struct {
	// MaxWidth caps frame width; 0 means keep source resolution.
	MaxWidth int
	// Quality is JPEG quality 1-31, lower is better. Defaults to 2.
	Quality int
}

// endClampMarginMS is how far before the reported end we seek when clamping,
// so the decoder still has a frame to return.
const endClampMarginMS = 100

// Extract decodes exactly one frame at or immediately after each requested
// timestamp, in input order. Timestamps beyond the end of the stream are
// clamped to the last available frame rather than failing the batch.
func (e *Extractor) Extract(ctx context.Context, streamURL string, timestamps []int64) ([]Frame, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	probe, err := ffmpeg.Probe(ctx, streamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: probe: %v", ErrExtractionFailed, err)
	}

	durationMS := int64(probe.Duration * 1000)
	plan := clampTimestamps(timestamps, durationMS)

	dir, err := os.MkdirTemp("", "adscope-frames-")
	if err != nil {
		return nil, fmt.Errorf("keyframes: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	frames := make([]Frame, 0, len(plan))
	for i, seekMS := range plan {
		out := filepath.Join(dir, fmt.Sprintf("frame-%03d.jpg", i))
		if err := e.extractOne(ctx, streamURL, out, seekMS); err != nil {
			return nil, fmt.Errorf("%w: frame at %dms: %v", ErrExtractionFailed, seekMS, err)
		}

		img, err := os.ReadFile(out)
		if err != nil {
			return nil, fmt.Errorf("keyframes: read frame: %w", err)
		}
		frames = append(frames, Frame{
			TimestampMS: timestamps[i],
			Image:       img,
		})
	}

	return frames, nil
}

func (e *Extractor) extractOne(ctx context.Context, streamURL, out string, seekMS int64) error {
	quality := e.Quality
	if quality == 0 {
		quality = 2
	}

	opts := []ffmpeg.Option{
		ffmpeg.LogLevel("error"),
		ffmpeg.Seek(time.Duration(seekMS) * time.Millisecond),
		ffmpeg.Frames(1),
		ffmpeg.Quality(quality),
		ffmpeg.NoAudio,
	}
	if e.MaxWidth > 0 {
		opts = append(opts, ffmpeg.ScaleWidth(e.MaxWidth))
	}

	result := ffmpeg.RunCapture(ctx, streamURL, out, opts...)
	if result.Err != nil {
		return result.Err
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("no frame produced")
	}
	return nil
}

// clampTimestamps maps each requested timestamp to the position that will
// actually be decoded, preserving input order. Requests past the end of the
// stream clamp to just before the last frame; negative requests clamp to 0.
// An unknown duration (0) leaves requests untouched.
func clampTimestamps(requested []int64, durationMS int64) []int64 {
	lastFrameMS := durationMS - endClampMarginMS
	if lastFrameMS < 0 {
		lastFrameMS = 0
	}

	out := make([]int64, len(requested))
	for i, ts := range requested {
		switch {
		case ts < 0:
			out[i] = 0
		case durationMS > 0 && ts > lastFrameMS:
			out[i] = lastFrameMS
		default:
			out[i] = ts
		}
	}
	return out
}
