package dvr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-dvr/chat"
	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/testutil"
)

type harness struct {
	e       *Engine
	ex      *testutil.FakeExtractor
	remuxer *testutil.FakeRemuxer
	store   *db.RecordingStore
	dir     string
	chats   *stubChats

	mu      sync.Mutex
	changed []*config.Settings
}

type harnessOpt func(*config.Settings)

func withChannel(name, url string) harnessOpt {
	return func(s *config.Settings) {
		s.Channels[name] = config.ChannelConfig{Name: name, URL: url}
	}
}

func withChatChannel(name, url string) harnessOpt {
	return func(s *config.Settings) {
		s.Channels[name] = config.ChannelConfig{Name: name, URL: url, Chat: true}
	}
}

func newHarness(t *testing.T, now func() time.Time, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		ex:      testutil.NewFakeExtractor(),
		remuxer: &testutil.FakeRemuxer{},
		store:   testutil.SetupTestStore(t),
		dir:     t.TempDir(),
		chats:   &stubChats{},
	}
	s := config.DefaultSettings()
	s.SaveDir = h.dir
	s.PollInterval = 3600
	for _, o := range opts {
		o(s)
	}
	reg := chat.NewRegistry()
	reg.Register(h.chats.factory, "alpha")
	h.e = New(Options{
		Settings:  s,
		Store:     h.store,
		Extractor: h.ex,
		Remuxer:   h.remuxer,
		Chat:      reg,
		Now:       now,
		OnChannelsChanged: func(s *config.Settings) {
			h.mu.Lock()
			h.changed = append(h.changed, s)
			h.mu.Unlock()
		},
	})
	return h
}

func fixedNow(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

// start runs the engine and returns a func that cancels it and returns Run's error.
func (h *harness) start(t *testing.T) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.e.Run(ctx) }()
	require.Eventually(t, h.e.Running, 5*time.Second, 5*time.Millisecond)
	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(10 * time.Second):
				t.Fatal("engine did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// pollNow runs a poll and sweep on the loop.
func (h *harness) pollNow(t *testing.T) {
	t.Helper()
	require.NoError(t, h.e.do(context.Background(), func(context.Context) error {
		h.e.tick(h.e.probeCtx)
		return nil
	}))
}

func (h *harness) session(t *testing.T, channel string) *Session {
	t.Helper()
	var s *Session
	require.NoError(t, h.e.do(context.Background(), func(context.Context) error {
		if ent := h.e.reg.ActiveFor(channel); ent != nil {
			s = ent.Session
		}
		return nil
	}))
	return s
}

func (h *harness) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case out := <-h.ex.Started:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("download did not start")
	}
	return ""
}

func (h *harness) rows(t *testing.T) []db.Recording {
	t.Helper()
	recs, err := h.store.List(context.Background())
	require.NoError(t, err)
	return recs
}

// seed stores a finished recording with a primary file of size bytes and
// an optional chat file, and returns it.
func (h *harness) seed(t *testing.T, channel string, ts int64, size int64, withChat bool) db.Recording {
	t.Helper()
	rec := db.Recording{
		Platform:  "twitch",
		Channel:   channel,
		Title:     "t",
		Timestamp: ts,
		URL:       "https://example.com/" + channel,
		File:      filepath.ToSlash(filepath.Join(channel, time.Unix(ts, 0).UTC().Format("20060102150405")+".mp4")),
	}
	writeSized(t, filepath.Join(h.dir, rec.File), size)
	if withChat {
		rec.ChatFile = rec.File[:len(rec.File)-4] + ".txt"
		writeSized(t, filepath.Join(h.dir, rec.ChatFile), 0)
	}
	require.NoError(t, h.store.Insert(context.Background(), rec))
	return rec
}

func writeSized(t *testing.T, path string, size int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type stubChats struct {
	mu      sync.Mutex
	started []chat.Source
	stopped int
}

type stubCapturer struct{ parent *stubChats }

func (c stubCapturer) Stop() error {
	c.parent.mu.Lock()
	c.parent.stopped++
	c.parent.mu.Unlock()
	return nil
}

func (s *stubChats) factory(_ context.Context, src chat.Source, sink *chat.Sink) (chat.Capturer, error) {
	s.mu.Lock()
	s.started = append(s.started, src)
	s.mu.Unlock()
	_ = sink.Write(time.Now(), "viewer", "hello")
	return stubCapturer{parent: s}, nil
}

func (s *stubChats) counts() (started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started), s.stopped
}

func intp(n int) *int { return &n }
