// Package dvr is the recording engine: it polls channels for liveness, runs a
// capture session per live channel, finalizes sessions, enforces retention and
// reconciles interrupted recordings at startup.
//
// All engine state is owned by the goroutine running Engine.Run. Probes and
// downloads run in their own goroutines and report back over channels; admin
// calls are executed on the loop as well.
package dvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/live-dvr/chat"
	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/extractor"
	"github.com/onnwee/live-dvr/media"
	"github.com/onnwee/live-dvr/telemetry"
)

// Store is the durable recording table.
type Store interface {
	Insert(ctx context.Context, r db.Recording) error
	Update(ctx context.Context, orig db.RecordingKey, r db.Recording) error
	Delete(ctx context.Context, key db.RecordingKey) error
	List(ctx context.Context) ([]db.Recording, error)
}

// Options wires an Engine.
type Options struct {
	Settings  *config.Settings
	Store     Store
	Extractor extractor.Extractor
	Remuxer   media.Remuxer
	// Chat may be nil to disable chat capture.
	Chat *chat.Registry
	// MaxConcurrentProbes bounds in-flight probes (default 4).
	MaxConcurrentProbes int
	// OnChannelsChanged is called on the loop after an admin call changes
	// the channel set, with a copy of the settings.
	OnChannelsChanged func(*config.Settings)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the recorder. Create with New and drive with Run.
type Engine struct {
	settings *config.Settings
	saveDir  string
	store    Store
	ex       extractor.Extractor
	remuxer  media.Remuxer
	chat     *chat.Registry
	onChange func(*config.Settings)
	now      func() time.Time
	logger   *slog.Logger

	reg     *Registry
	probing map[string]bool
	limiter *probeLimiter
	probeWG sync.WaitGroup
	// probeCtx is cancelled when the loop starts shutting down.
	probeCtx context.Context

	probes      chan probeResult
	completions chan *Session
	requests    chan request
	ticker      *time.Ticker

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

type probeResult struct {
	ch    config.ChannelConfig
	probe extractor.Probe
	err   error
}

type request struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// New returns an engine; the settings are copied.
func New(opts Options) *Engine {
	s := opts.Settings
	if s == nil {
		s = config.DefaultSettings()
	}
	s = s.Clone()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	probes := opts.MaxConcurrentProbes
	if probes <= 0 {
		probes = 4
	}
	return &Engine{
		settings:    s,
		saveDir:     s.SaveDir,
		store:       opts.Store,
		ex:          opts.Extractor,
		remuxer:     opts.Remuxer,
		chat:        opts.Chat,
		onChange:    opts.OnChannelsChanged,
		now:         now,
		logger:      slog.Default().With(slog.String("component", "engine")),
		reg:         &Registry{},
		probing:     map[string]bool{},
		limiter:     newProbeLimiter(probes),
		probes:      make(chan probeResult),
		completions: make(chan *Session),
		requests:    make(chan request),
		done:        make(chan struct{}),
	}
}

func (e *Engine) pollInterval() time.Duration {
	if e.settings.PollInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.settings.PollInterval) * time.Second
}

// Running reports whether the loop is accepting admin calls.
func (e *Engine) Running() bool { return e.running.Load() }

// Run recovers interrupted recordings, then polls and sweeps every poll
// interval until ctx is cancelled. On cancellation every session is stopped
// (waiting for remux) and Run returns nil. If the loop fails, every session is
// aborted, state is persisted best-effort and the error is returned. Run may
// be called once.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}
	defer close(e.done)

	if err := e.load(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	telemetry.SetRecordings(e.reg.Len())

	probeCtx, cancelProbes := context.WithCancel(ctx)
	defer cancelProbes()
	e.probeCtx = probeCtx

	e.ticker = time.NewTicker(e.pollInterval())
	defer e.ticker.Stop()
	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Info("engine started",
		slog.Int("channels", len(e.settings.Channels)),
		slog.Int("recordings", e.reg.Len()),
		slog.Int("max_concurrent_probes", e.limiter.limit()),
		slog.Duration("poll_interval", e.pollInterval()))
	e.limiter.report()

	if err := e.guard(func() { e.tick(probeCtx) }); err != nil {
		return e.fail(ctx, cancelProbes, err)
	}
	for {
		var step func()
		select {
		case <-ctx.Done():
			cancelProbes()
			e.running.Store(false)
			e.drainRequests()
			e.probeWG.Wait()
			e.shutdown(context.WithoutCancel(ctx))
			return nil
		case <-e.ticker.C:
			step = func() { e.tick(probeCtx) }
		case r := <-e.probes:
			step = func() { e.handleProbe(probeCtx, r) }
		case s := <-e.completions:
			step = func() { e.complete(ctx, s) }
		case req := <-e.requests:
			step = func() { req.reply <- req.fn(ctx) }
		}
		if err := e.guard(step); err != nil {
			return e.fail(ctx, cancelProbes, err)
		}
	}
}

// guard runs one loop step, turning a panic into an error.
func (e *Engine) guard(step func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine loop panic: %v", r)
			e.logger.Error("engine loop panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	step()
	return nil
}

// fail is the abrupt shutdown path.
func (e *Engine) fail(ctx context.Context, cancelProbes context.CancelFunc, cause error) error {
	cancelProbes()
	e.running.Store(false)
	e.drainRequests()
	e.probeWG.Wait()
	e.abortAll(context.WithoutCancel(ctx))
	return cause
}

// drainRequests fails admin calls that raced with shutdown.
func (e *Engine) drainRequests() {
	for {
		select {
		case req := <-e.requests:
			req.reply <- ErrNotRunning
		default:
			return
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.poll(ctx)
	e.sweep(ctx)
}

// poll starts a probe for every channel without an active session or a probe
// already in flight.
func (e *Engine) poll(ctx context.Context) {
	telemetry.ObservePollCycle()
	for _, name := range e.settings.ChannelNames() {
		if e.probing[name] || e.reg.ActiveFor(name) != nil {
			continue
		}
		e.probing[name] = true
		e.probeWG.Add(1)
		go e.runProbe(ctx, e.settings.Channels[name].Clone())
	}
}

func (e *Engine) runProbe(ctx context.Context, ch config.ChannelConfig) {
	defer e.probeWG.Done()
	if !e.limiter.acquire(ctx) {
		return
	}
	e.limiter.report()
	p, err := e.ex.Probe(ctx, ch)
	e.limiter.release()
	e.limiter.report()
	select {
	case e.probes <- probeResult{ch: ch, probe: p, err: err}:
	case <-ctx.Done():
	}
}

func (e *Engine) handleProbe(ctx context.Context, r probeResult) {
	delete(e.probing, r.ch.Name)
	logger := e.logger.With(slog.String("channel", r.ch.Name))
	if r.err != nil {
		class := extractor.ClassifyProbeError(r.err)
		telemetry.ObserveProbe("error")
		if class == extractor.ProbeFatal {
			logger.Error("probe failed", slog.String("class", class.String()), slog.Any("err", r.err))
		} else {
			logger.Warn("probe failed", slog.String("class", class.String()), slog.Any("err", r.err))
		}
		return
	}
	if !r.probe.Live {
		telemetry.ObserveProbe("offline")
		logger.Debug("channel offline")
		return
	}
	telemetry.ObserveProbe("live")
	ch, ok := e.settings.Channels[r.ch.Name]
	if !ok {
		logger.Info("channel removed while probing; not recording")
		return
	}
	if e.reg.ActiveFor(ch.Name) != nil {
		return
	}
	if _, err := e.startSession(ctx, ch, r.probe); err != nil {
		logger.Error("failed to start recording", slog.Any("err", err))
	}
}

// shutdown stops every session, waiting for each to finish, and persists
// the outcomes.
func (e *Engine) shutdown(ctx context.Context) {
	active := e.reg.Active()
	if len(active) > 0 {
		e.logger.Info("stopping active recordings", slog.Int("count", len(active)))
	}
	for _, ent := range active {
		s := ent.Session
		if ent.deleteOnStop {
			s.Abort()
			<-s.Done()
		} else {
			s.Stop()
		}
		e.settle(ctx, ent, s.result)
	}
	e.logger.Info("engine stopped")
}

// abortAll aborts every session without waiting and persists in-progress=false
// with paths unchanged.
func (e *Engine) abortAll(ctx context.Context) {
	for _, ent := range e.reg.Active() {
		ent.Session.Abort()
		e.settle(ctx, ent, outcome{Aborted: true})
	}
	e.logger.Warn("engine aborted")
}

// do runs fn on the loop and returns its error.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case e.requests <- req:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-e.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrNotRunning
		}
	}
}
