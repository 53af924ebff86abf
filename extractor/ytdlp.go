package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/telemetry"
)

// YtDlp runs the yt-dlp binary.
type YtDlp struct {
	// Path is the yt-dlp executable; defaults to "yt-dlp".
	Path string
	// StopGrace is how long a cancelled download may take to finalize before it is killed.
	StopGrace time.Duration
	// Verbose keeps yt-dlp progress output (logged at debug).
	Verbose bool
}

func (y *YtDlp) bin() string {
	if y.Path != "" {
		return y.Path
	}
	return "yt-dlp"
}

func (y *YtDlp) grace() time.Duration {
	if y.StopGrace > 0 {
		return y.StopGrace
	}
	return 30 * time.Second
}

// ExitError carries yt-dlp's exit status and the tail of its stderr.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return "yt-dlp: " + e.Err.Error()
	}
	return fmt.Sprintf("yt-dlp: %v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Probe asks yt-dlp for the channel's metadata without downloading. A channel
// that is offline is reported as Live=false with a nil error.
func (y *YtDlp) Probe(ctx context.Context, ch config.ChannelConfig) (Probe, error) {
	ctx, span := telemetry.StartSpan(ctx, "extractor", "ytdlp.probe", telemetry.ChannelAttr(ch.Name))
	defer span.End()

	args := []string{"-J", "--skip-download", "--no-warnings", "--no-playlist"}
	args = append(args, ch.ExtractorArgs...)
	args = append(args, ch.URL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.bin(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		xerr := &ExitError{Err: err, Stderr: lastLines(stderr.String(), 5)}
		if ClassifyProbeError(xerr) == ProbeNotLive {
			return Probe{}, nil
		}
		telemetry.RecordError(span, xerr)
		return Probe{}, xerr
	}

	var info Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return Probe{}, fmt.Errorf("decode yt-dlp metadata for %s: %w", ch.Name, err)
	}
	if info.Type == "playlist" || !info.IsLive {
		return Probe{}, nil
	}
	return NewProbe(ch, &info), nil
}

// Download captures the live stream to req.Output. Cancelling ctx sends yt-dlp
// an interrupt so it finalizes what it has; it is killed after StopGrace.
// A cancelled download returns an error wrapping context.Canceled.
func (y *YtDlp) Download(ctx context.Context, p Probe, req Request) error {
	format := req.Quality
	if format == "" {
		format = "bestvideo+bestaudio/best"
	}
	args := []string{
		"--hls-use-mpegts",
		"--wait-for-video", "2-5",
		"--no-warnings",
		"-f", format,
		// yt-dlp expands % sequences in output templates
		"-o", strings.ReplaceAll(req.Output, "%", "%%"),
	}
	if !y.Verbose {
		args = append(args, "--no-progress")
	}
	args = append(args, req.Args...)
	args = append(args, p.URL)

	cmd := exec.CommandContext(ctx, y.bin(), args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = y.grace()
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("yt-dlp stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	logger := slog.Default().With(slog.String("component", "ytdlp"), slog.String("output", req.Output))
	tail := make([]string, 0, 8)
	sc := bufio.NewScanner(stderr)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		logger.Debug("yt-dlp", slog.String("line", line))
		if len(tail) == cap(tail) {
			tail = append(tail[:0], tail[1:]...)
		}
		tail = append(tail, line)
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return fmt.Errorf("download stopped: %w", ctx.Err())
	}
	if err != nil {
		return &ExitError{Err: err, Stderr: strings.Join(tail, "\n")}
	}
	return nil
}

// scanLinesCR splits on \n or \r; yt-dlp redraws progress with carriage returns.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// IsStopped reports whether err came from a cancelled download.
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
