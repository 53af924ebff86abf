package dvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/onnwee/live-dvr/chat"
	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/extractor"
	"github.com/onnwee/live-dvr/telemetry"
)

const fileTimeLayout = "2006-01-02 15-04-05"

// Session drives one capture: the download goroutine, the optional chat
// capturer and the post-download remux.
type Session struct {
	ID      string
	rec     db.Recording
	probe   extractor.Probe
	started time.Time

	// remux settings captured when the session starts
	remux       bool
	remuxFormat string

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	chatMu sync.Mutex
	chat   chat.Capturer

	done   chan struct{}
	result outcome

	// settled is closed once the loop has applied the outcome
	settled    chan struct{}
	settleOnce sync.Once
}

// outcome is written by the worker before done is closed.
type outcome struct {
	File        string
	DownloadErr error
	RemuxErr    error
	Aborted     bool
}

// Record returns the recording as it was created.
func (s *Session) Record() db.Recording { return s.rec }

// Done is closed when the worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop cancels the capture, stops chat and waits for the worker to finish,
// remux included.
func (s *Session) Stop() {
	s.cancel()
	s.stopChat()
	<-s.done
}

// requestStop is Stop without the wait; the loop finalizes the session when
// its completion arrives.
func (s *Session) requestStop() {
	s.cancel()
	go s.stopChat()
}

// Abort cancels the capture and stops chat without waiting. The worker
// skips the remux.
func (s *Session) Abort() {
	s.aborted.Store(true)
	s.cancel()
	go s.stopChat()
}

func (s *Session) markSettled() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *Session) stopChat() {
	s.chatMu.Lock()
	c := s.chat
	s.chat = nil
	s.chatMu.Unlock()
	if c == nil {
		return
	}
	if err := c.Stop(); err != nil {
		slog.Warn("chat capture stop failed", slog.String("recording", s.rec.Key().String()), slog.Any("err", err))
	}
}

func (s *Session) outcomeName() string {
	switch {
	case s.result.Aborted:
		return "aborted"
	case s.result.DownloadErr == nil:
		return "finished"
	case extractor.IsStopped(s.result.DownloadErr):
		return "stopped"
	default:
		return "failed"
	}
}

// startSession creates the recording for a live probe, persists it and
// starts the download worker. A probe that is not live yields (nil, nil)
// and touches nothing.
func (e *Engine) startSession(ctx context.Context, ch config.ChannelConfig, p extractor.Probe) (*Session, error) {
	if !p.Live {
		return nil, nil
	}
	platform := p.Platform
	if platform == "" {
		platform = "generic"
	}
	ts := e.now().Unix()
	if last := e.reg.LatestTimestamp(platform, ch.Name); ts <= last {
		ts = last + 1
	}
	title := p.Title
	if title == "" {
		title = ch.Name
	}
	base := sanitizeFilename(fmt.Sprintf("%s - %s", time.Unix(ts, 0).Format(fileTimeLayout), title))
	rec := db.Recording{
		Platform:   platform,
		Channel:    ch.Name,
		Title:      title,
		Timestamp:  ts,
		URL:        p.URL,
		File:       path.Join(ch.Name, base+".ts"),
		InProgress: true,
	}
	if err := os.MkdirAll(e.abs(ch.Name), 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:          uuid.NewString(),
		probe:       p,
		started:     e.now(),
		remux:       e.settings.RemuxRecordings,
		remuxFormat: e.settings.RemuxFormat,
		cancel:      cancel,
		done:        make(chan struct{}),
		settled:     make(chan struct{}),
	}
	s.ctx = telemetry.WithCorrelation(sctx, s.ID)

	if ch.Chat && e.chat != nil && e.chat.Supports(platform) {
		chatFile := path.Join(ch.Name, base+".txt")
		src := chat.Source{Platform: platform, Channel: ch.Name, URL: p.URL}
		if p.Info != nil {
			src.VideoID = p.Info.ID
		}
		c, err := e.chat.Start(s.ctx, src, e.abs(chatFile))
		if err != nil {
			e.logger.Warn("chat capture not started", slog.String("channel", ch.Name), slog.Any("err", err))
		} else {
			s.chat = c
			rec.ChatFile = chatFile
		}
	}
	s.rec = rec

	if err := e.store.Insert(ctx, rec); err != nil {
		cancel()
		s.stopChat()
		if rec.ChatFile != "" {
			_ = os.Remove(e.abs(rec.ChatFile))
		}
		return nil, fmt.Errorf("insert recording %s: %w", rec.Key(), err)
	}
	e.reg.Add(&Entry{Rec: rec, Session: s})
	telemetry.SetRecordings(e.reg.Len())
	telemetry.ObserveSessionStart()

	req := extractor.Request{
		Output:  e.abs(rec.File),
		Quality: ch.Quality,
		Args:    slices.Clone(ch.ExtractorArgs),
	}
	go e.runSession(s, req)

	e.logger.Info("recording started",
		slog.String("channel", ch.Name),
		slog.String("platform", platform),
		slog.String("title", title),
		slog.String("file", rec.File),
		slog.Bool("chat", rec.ChatFile != ""),
		slog.String("session", s.ID))
	return s, nil
}

// runSession is the worker: download, stop chat, remux, then hand the
// session back to the loop.
func (e *Engine) runSession(s *Session, req extractor.Request) {
	logger := telemetry.LoggerWithCorr(s.ctx).With(slog.String("component", "session"), slog.String("recording", s.rec.Key().String()))
	ctx, span := telemetry.StartSpan(s.ctx, "dvr", "session", telemetry.ChannelAttr(s.rec.Channel), telemetry.RecordingAttr(s.rec.Key().String()))

	err := e.ex.Download(ctx, s.probe, req)
	switch {
	case err == nil:
		logger.Info("capture finished")
	case extractor.IsStopped(err):
		logger.Info("capture stopped")
	default:
		logger.Error("capture failed", slog.Any("err", err))
		telemetry.RecordError(span, err)
	}
	s.stopChat()

	res := outcome{DownloadErr: err, Aborted: s.aborted.Load()}
	if !res.Aborted && s.remux {
		// the session context is cancelled on stop; the remux must still run
		newFile, rerr := e.remuxFile(context.WithoutCancel(ctx), s.rec.File, s.remuxFormat)
		switch {
		case rerr != nil:
			res.RemuxErr = rerr
			logger.Error("remux failed, keeping original", slog.Any("err", rerr))
		case newFile != s.rec.File:
			res.File = newFile
		}
	}
	s.result = res
	span.End()
	telemetry.ObserveSessionEnd(s.outcomeName(), time.Since(s.started))
	close(s.done)

	select {
	case e.completions <- s:
	case <-e.done:
	}
}

// remuxFile converts rel into format and removes the source. It returns rel
// unchanged when the file already has the canonical extension.
func (e *Engine) remuxFile(ctx context.Context, rel, format string) (string, error) {
	ext := path.Ext(rel)
	if format == "" || strings.EqualFold(strings.TrimPrefix(ext, "."), format) {
		return rel, nil
	}
	if e.remuxer == nil {
		return rel, errors.New("no remuxer configured")
	}
	input := e.abs(rel)
	if _, err := os.Stat(input); errors.Is(err, os.ErrNotExist) {
		if _, perr := os.Stat(input + ".part"); perr == nil {
			input += ".part"
		} else {
			return rel, fmt.Errorf("nothing to remux at %s", rel)
		}
	}
	newRel := strings.TrimSuffix(rel, ext) + "." + format
	if err := e.remuxer.Remux(ctx, input, e.abs(newRel), format); err != nil {
		return rel, err
	}
	if err := os.Remove(input); err != nil {
		e.logger.Warn("failed to remove remux input", slog.String("path", input), slog.Any("err", err))
	}
	return newRel, nil
}

// complete applies a finished session's outcome on the loop.
func (e *Engine) complete(ctx context.Context, s *Session) {
	ent := e.reg.BySession(s)
	if ent == nil {
		// evicted while running; the extractor may have written files after
		// the eviction removed them
		e.removeFiles(s.rec)
		s.markSettled()
		return
	}
	e.settle(ctx, ent, s.result)
}

// settle finalizes ent with its session's outcome, or removes it when a
// delete was requested while the capture was stopping.
func (e *Engine) settle(ctx context.Context, ent *Entry, res outcome) {
	s := ent.Session
	if ent.deleteOnStop {
		ent.Session = nil
		e.remove(ctx, ent)
		e.logger.Info("recording deleted", slog.String("recording", ent.Rec.Key().String()))
	} else {
		e.finalize(ctx, ent, res)
	}
	if s != nil {
		s.markSettled()
	}
}

// finalize clears in-progress, applies the remuxed path and persists the row
// by its original key.
func (e *Engine) finalize(ctx context.Context, ent *Entry, res outcome) {
	orig := ent.Rec.Key()
	updated := ent.Rec
	updated.InProgress = false
	if res.File != "" {
		updated.File = res.File
	}
	if err := e.store.Update(ctx, orig, updated); err != nil {
		e.logger.Error("failed to persist finished recording", slog.String("recording", orig.String()), slog.Any("err", err))
	}
	ent.Rec = updated
	ent.Session = nil
}

var unsafeFilenameChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// sanitizeFilename makes name safe as a single path element on common
// filesystems. The result is at most 200 bytes.
func sanitizeFilename(name string) string {
	name = unsafeFilenameChars.Replace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	for len(name) > 200 {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" {
		name = "recording"
	}
	return name
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.saveDir, filepath.FromSlash(rel))
}
