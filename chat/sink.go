package chat

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-dvr/telemetry"
)

const lineTimeLayout = "2006-01-02 15:04:05"

// Sink is a chat transcript file. Writes are serialized and each line is
// written straight to the file.
type Sink struct {
	mu       sync.Mutex
	f        *os.File
	start    time.Time
	platform string
	closed   bool
}

// OpenSink creates (or appends to) the transcript at path.
func OpenSink(path, platform string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chat sink: %w", err)
	}
	return &Sink{f: f, start: time.Now(), platform: strings.ToLower(platform)}, nil
}

// Start is when the sink was opened; elapsed times are relative to it.
func (s *Sink) Start() time.Time { return s.start }

// Write appends "author: message" stamped with at.
func (s *Sink) Write(at time.Time, author, message string) error {
	return s.WriteLine(at, author+": "+message)
}

// WriteLine appends a free-form event line stamped with at.
func (s *Sink) WriteLine(at time.Time, text string) error {
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	elapsed := int64(at.Sub(s.start) / time.Second)
	line := fmt.Sprintf("[%s][%d] %s\n", at.UTC().Format(lineTimeLayout), elapsed, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if _, err := s.f.WriteString(line); err != nil {
		return fmt.Errorf("write chat line: %w", err)
	}
	telemetry.ObserveChatLine(s.platform)
	return nil
}

// Close closes the file; later writes return os.ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
