package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnsupported is returned when no factory is registered for a platform.
var ErrUnsupported = errors.New("chat capture not supported for platform")

// Source identifies the stream whose chat is captured.
type Source struct {
	Platform string
	Channel  string
	URL      string
	// VideoID is the extractor's id for the live video (used by YouTube).
	VideoID string
}

// Capturer is a running chat capture.
type Capturer interface {
	// Stop ends the capture and waits for the writer to finish.
	Stop() error
}

// Factory connects to a platform's chat and starts writing to sink. The
// capture runs until Stop is called or ctx is done.
type Factory func(ctx context.Context, src Source, sink *Sink) (Capturer, error)

// Registry maps platform tags (case-insensitive) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs f for each tag, replacing earlier registrations.
func (r *Registry) Register(f Factory, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tag := range tags {
		r.factories[strings.ToLower(tag)] = f
	}
}

// Lookup returns the factory for platform.
func (r *Registry) Lookup(platform string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(platform)]
	return f, ok
}

// Supports reports whether platform has a factory.
func (r *Registry) Supports(platform string) bool {
	_, ok := r.Lookup(platform)
	return ok
}

// Start opens a sink at path and starts the platform's capturer. The returned
// Capturer closes the sink when stopped.
func (r *Registry) Start(ctx context.Context, src Source, path string) (Capturer, error) {
	f, ok := r.Lookup(src.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, src.Platform)
	}
	sink, err := OpenSink(path, src.Platform)
	if err != nil {
		return nil, err
	}
	c, err := f(ctx, src, sink)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("start %s chat for %s: %w", src.Platform, src.Channel, err)
	}
	return &handle{inner: c, sink: sink}, nil
}

type handle struct {
	once  sync.Once
	inner Capturer
	sink  *Sink
	err   error
}

func (h *handle) Stop() error {
	h.once.Do(func() {
		h.err = errors.Join(h.inner.Stop(), h.sink.Close())
	})
	return h.err
}
