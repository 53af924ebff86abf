package dvr

import (
	"context"
	"log/slog"

	"github.com/onnwee/live-dvr/telemetry"
)

// probeLimiter bounds how many liveness probes run at once.
type probeLimiter struct {
	slots chan struct{}
}

func newProbeLimiter(n int) *probeLimiter {
	if n <= 0 {
		n = 1
	}
	return &probeLimiter{slots: make(chan struct{}, n)}
}

// acquire blocks until a slot is available or ctx is canceled.
// Returns true if slot acquired, false if context canceled.
func (l *probeLimiter) acquire(ctx context.Context) bool {
	select {
	case l.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// release frees a slot taken by acquire.
func (l *probeLimiter) release() {
	select {
	case <-l.slots:
	default:
		slog.Warn("probe slot release called without corresponding acquire")
	}
}

// active returns the number of probes holding a slot.
func (l *probeLimiter) active() int { return len(l.slots) }

// limit returns the configured maximum.
func (l *probeLimiter) limit() int { return cap(l.slots) }

// report publishes slot usage to the probe concurrency gauges.
func (l *probeLimiter) report() { telemetry.SetProbeConcurrency(l.active(), l.limit()) }
