package dvr

import "errors"

var (
	// ErrNotRunning is returned by admin calls made while the engine loop is not running.
	ErrNotRunning = errors.New("engine not running")
	// ErrUnknownChannel is returned for a channel name that is not configured.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrStillStopping is returned when the caller stops waiting before a
	// stopping capture has been finalized. The stop itself goes on.
	ErrStillStopping = errors.New("capture still stopping")
)
