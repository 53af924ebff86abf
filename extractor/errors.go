package extractor

import (
	"strings"
)

// ProbeClass describes why a probe did not yield a live stream.
type ProbeClass int

const (
	// ProbeNotLive means the channel is simply offline; expected, not an error.
	ProbeNotLive ProbeClass = iota
	// ProbeRetryable means a transient failure; the next poll cycle tries again.
	ProbeRetryable
	// ProbeFatal means the channel cannot be captured as configured (auth, bad URL, removed).
	ProbeFatal
)

// String returns a human-readable name for the class.
func (c ProbeClass) String() string {
	switch c {
	case ProbeNotLive:
		return "not_live"
	case ProbeRetryable:
		return "retryable"
	case ProbeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var notLivePatterns = []string{
	"not currently live",
	"is offline",
	"not live",
	"no live stream",
	"live event will begin",
	"premieres in",
	"waiting for scheduled stream",
	"does not have a live",
	"the channel is not currently live",
}

var fatalPatterns = []string{
	"subscriber-only",
	"only available to subscribers",
	"must be logged into",
	"login required",
	"authentication required",
	"401",
	"403",
	"unauthorized",
	"access denied",
	"unsupported url",
	"invalid url",
	"malformed url",
	"drm protected",
	"404",
	"does not exist",
	"has been terminated",
	"account has been suspended",
}

// ClassifyProbeError classifies a probe failure. Server errors (5xx) are checked
// before the fatal patterns so "503" is never taken for a permanent failure;
// unmatched errors are retryable.
func ClassifyProbeError(err error) ProbeClass {
	if err == nil {
		return ProbeNotLive
	}
	lower := strings.ToLower(err.Error())

	for _, p := range notLivePatterns {
		if strings.Contains(lower, p) {
			return ProbeNotLive
		}
	}
	for _, p := range []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout"} {
		if strings.Contains(lower, p) {
			return ProbeRetryable
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ProbeFatal
		}
	}
	return ProbeRetryable
}
