package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/extractor"
)

// FakeExtractor is an in-memory extractor. Channels are offline until
// SetLive; downloads write a small file and block until Finish or ctx is
// cancelled.
type FakeExtractor struct {
	mu         sync.Mutex
	live       map[string]extractor.Probe
	probeErr   map[string]error
	gates      map[string]chan struct{}
	finish     map[string]chan error
	probeCalls map[string]int
	probeArgs  map[string][]string
	requests   []extractor.Request

	// Started receives each download's output path, if non-nil.
	Started chan string
	// StopDelay is how long a cancelled download takes to return.
	StopDelay time.Duration
	// RewriteOnStop makes a cancelled download write its output again
	// before returning, as yt-dlp does when it finalizes.
	RewriteOnStop bool
}

// NewFakeExtractor returns an extractor with every channel offline.
func NewFakeExtractor() *FakeExtractor {
	return &FakeExtractor{
		live:       map[string]extractor.Probe{},
		probeErr:   map[string]error{},
		gates:      map[string]chan struct{}{},
		finish:     map[string]chan error{},
		probeCalls: map[string]int{},
		probeArgs:  map[string][]string{},
		Started:    make(chan string, 16),
	}
}

// SetLive makes channel report live with title. The probe URL is the
// channel's URL unless url is set.
func (f *FakeExtractor) SetLive(channel, platform, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[channel] = extractor.Probe{Live: true, Platform: platform, Title: title, Info: &extractor.Info{ID: channel + "-id", Title: title}}
}

// SetOffline reverts SetLive.
func (f *FakeExtractor) SetOffline(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, channel)
}

// SetProbeError makes probes of channel fail.
func (f *FakeExtractor) SetProbeError(channel string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr[channel] = err
}

// Gate blocks probes of channel until the returned func is called.
func (f *FakeExtractor) Gate(channel string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[channel] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// ProbeCalls returns how many times channel was probed.
func (f *FakeExtractor) ProbeCalls(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls[channel]
}

// ProbeArgs returns the extractor args of channel's latest probe.
func (f *FakeExtractor) ProbeArgs(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.probeArgs[channel])
}

// Requests returns every download request so far.
func (f *FakeExtractor) Requests() []extractor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// Finish ends the download whose probe URL is url with err.
func (f *FakeExtractor) Finish(url string, err error) {
	f.finishChan(url) <- err
}

func (f *FakeExtractor) finishChan(url string) chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.finish[url]
	if !ok {
		ch = make(chan error, 1)
		f.finish[url] = ch
	}
	return ch
}

// Probe implements extractor.Extractor.
func (f *FakeExtractor) Probe(ctx context.Context, ch config.ChannelConfig) (extractor.Probe, error) {
	f.mu.Lock()
	f.probeCalls[ch.Name]++
	f.probeArgs[ch.Name] = slices.Clone(ch.ExtractorArgs)
	gate := f.gates[ch.Name]
	p, live := f.live[ch.Name]
	err := f.probeErr[ch.Name]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extractor.Probe{}, ctx.Err()
		}
	}
	if err != nil {
		return extractor.Probe{}, err
	}
	if !live {
		return extractor.Probe{}, nil
	}
	if p.Platform == "" {
		p.Platform = ch.Platform
	}
	if p.URL == "" {
		p.URL = ch.URL
	}
	return p, nil
}

// Download implements extractor.Extractor.
func (f *FakeExtractor) Download(ctx context.Context, p extractor.Probe, req extractor.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay, rewrite := f.StopDelay, f.RewriteOnStop
	f.mu.Unlock()
	if err := os.WriteFile(req.Output, []byte("data"), 0o644); err != nil {
		return err
	}
	if f.Started != nil {
		select {
		case f.Started <- req.Output:
		default:
		}
	}
	select {
	case <-ctx.Done():
		time.Sleep(delay)
		if rewrite {
			_ = os.WriteFile(req.Output, []byte("finalized"), 0o644)
		}
		return fmt.Errorf("download stopped: %w", ctx.Err())
	case err := <-f.finishChan(p.URL):
		return err
	}
}

// RemuxCall is one recorded FakeRemuxer invocation.
type RemuxCall struct {
	Input, Output, Format string
}

// FakeRemuxer copies input to output, or fails with Err.
type FakeRemuxer struct {
	mu    sync.Mutex
	calls []RemuxCall
	Err   error
}

// Remux implements media.Remuxer.
func (r *FakeRemuxer) Remux(_ context.Context, input, output, format string) error {
	r.mu.Lock()
	r.calls = append(r.calls, RemuxCall{Input: input, Output: output, Format: format})
	err := r.Err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	b, err := os.ReadFile(input)
	if err != nil {
		return errors.Join(errors.New("fake remux: read input"), err)
	}
	return os.WriteFile(output, b, 0o644)
}

// Calls returns the invocations so far.
func (r *FakeRemuxer) Calls() []RemuxCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemuxCall(nil), r.calls...)
}
