// Package media repackages captured streams into their final container.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/live-dvr/telemetry"
)

// Remuxer copies audio/video streams into another container without re-encoding.
type Remuxer interface {
	Remux(ctx context.Context, input, output, format string) error
}

// FFmpeg remuxes with the ffmpeg binary.
type FFmpeg struct {
	// Path is the ffmpeg executable; defaults to "ffmpeg".
	Path string
	// LogLevel is passed to -loglevel; defaults to "error".
	LogLevel string
}

// Muxer maps a container extension to its ffmpeg muxer name.
func Muxer(ext string) string {
	switch ext {
	case "mkv":
		return "matroska"
	case "ts":
		return "mpegts"
	case "m4a":
		return "ipod"
	default:
		return ext
	}
}

// Remux writes output in the container named by the format extension, copying every stream from input. The input is
// left in place; callers delete it once the output is confirmed. A failed run
// removes any partial output.
func (f *FFmpeg) Remux(ctx context.Context, input, output, format string) error {
	ctx, span := telemetry.StartSpan(ctx, "media", "ffmpeg.remux")
	defer span.End()

	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	lvl := f.LogLevel
	if lvl == "" {
		lvl = "error"
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", lvl,
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-f", Muxer(format),
	}
	if format == "mp4" || format == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, output)

	start := time.Now()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	telemetry.ObserveRemux(time.Since(start), err)
	if err != nil {
		_ = os.Remove(output)
		telemetry.RecordError(span, err)
		slog.Warn("remux failed", slog.String("component", "remux"), slog.String("input", input),
			slog.Any("err", err), slog.String("out", strings.TrimSpace(string(out))))
		return fmt.Errorf("ffmpeg remux %s: %w", input, err)
	}
	return nil
}
