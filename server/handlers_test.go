package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/dvr"
	"github.com/onnwee/live-dvr/testutil"
)

// fakeEngine serves canned data and records mutations.
type fakeEngine struct {
	running  bool
	err      error
	channels map[string]config.ChannelConfig
	recs     []db.Recording
	settings *config.Settings

	put     []config.ChannelConfig
	deleted []db.RecordingKey
	// deleteErr is returned by successful deletes, after recording them.
	deleteErr error
}

func (f *fakeEngine) Running() bool { return f.running }

func (f *fakeEngine) Channels(context.Context) ([]config.ChannelConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []config.ChannelConfig
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (f *fakeEngine) Channel(_ context.Context, name string) (config.ChannelConfig, error) {
	if f.err != nil {
		return config.ChannelConfig{}, f.err
	}
	ch, ok := f.channels[name]
	if !ok {
		return ch, fmt.Errorf("%w: %s", dvr.ErrUnknownChannel, name)
	}
	return ch, nil
}

func (f *fakeEngine) PutChannel(_ context.Context, ch config.ChannelConfig) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	f.put = append(f.put, ch)
	return nil
}

func (f *fakeEngine) DeleteChannel(_ context.Context, name string) error {
	if _, ok := f.channels[name]; !ok {
		return dvr.ErrUnknownChannel
	}
	delete(f.channels, name)
	return nil
}

func (f *fakeEngine) Settings(context.Context) (*config.Settings, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.settings, nil
}

func (f *fakeEngine) Recordings(context.Context) ([]db.Recording, error) {
	return f.recs, f.err
}

func (f *fakeEngine) ChannelRecordings(_ context.Context, platform, channel string) ([]db.Recording, error) {
	var out []db.Recording
	for _, r := range f.recs {
		if r.Platform == platform && r.Channel == channel {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeEngine) Recording(_ context.Context, key db.RecordingKey) (db.Recording, error) {
	for _, r := range f.recs {
		if r.Key() == key {
			return r, nil
		}
	}
	return db.Recording{}, db.ErrNotFound
}

func (f *fakeEngine) DeleteRecording(_ context.Context, key db.RecordingKey) error {
	if _, err := f.Recording(context.Background(), key); err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	return f.deleteErr
}

func (f *fakeEngine) ActiveSessions(context.Context) ([]db.Recording, error) {
	var out []db.Recording
	for _, r := range f.recs {
		if r.InProgress {
			out = append(out, r)
		}
	}
	return out, f.err
}

func newFakeEngine() *fakeEngine {
	s := config.DefaultSettings()
	s.Channels["alpha"] = config.ChannelConfig{Name: "alpha", URL: "https://www.twitch.tv/alpha"}
	return &fakeEngine{
		running:  true,
		channels: map[string]config.ChannelConfig{"alpha": s.Channels["alpha"]},
		settings: s,
		recs: []db.Recording{
			{Platform: "twitch", Channel: "alpha", Title: "second", Timestamp: 200, File: "alpha/b.mp4", InProgress: true},
			{Platform: "twitch", Channel: "alpha", Title: "first", Timestamp: 100, File: "alpha/a.mp4"},
			{Platform: "youtube", Channel: "beta", Title: "other", Timestamp: 150, File: "beta/c.mp4"},
		},
	}
}

func newTestMux(t *testing.T, eng Engine) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	database, _ := testutil.SetupTestDB(t)
	return NewMux(database, eng)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRoutes(t *testing.T) {
	eng := newFakeEngine()
	mux := newTestMux(t, eng)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"readyz", http.MethodGet, "/readyz", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"status", http.MethodGet, "/api/status", "", http.StatusOK},
		{"settings", http.MethodGet, "/api/settings", "", http.StatusOK},
		{"channels", http.MethodGet, "/api/channels", "", http.StatusOK},
		{"channel", http.MethodGet, "/api/channels/alpha", "", http.StatusOK},
		{"unknown channel", http.MethodGet, "/api/channels/nope", "", http.StatusNotFound},
		{"recordings", http.MethodGet, "/api/recordings", "", http.StatusOK},
		{"channel recordings", http.MethodGet, "/api/recordings/twitch/alpha", "", http.StatusOK},
		{"recording", http.MethodGet, "/api/recordings/twitch/alpha/100", "", http.StatusOK},
		{"missing recording", http.MethodGet, "/api/recordings/twitch/alpha/999", "", http.StatusNotFound},
		{"bad timestamp", http.MethodGet, "/api/recordings/twitch/alpha/abc", "", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/channels", "", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, mux, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
		})
	}
}

func TestCorrelationIDReused(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Correlation-ID"))
}

func TestReadyzEngineStopped(t *testing.T) {
	eng := newFakeEngine()
	eng.running = false
	mux := newTestMux(t, eng)

	rr := do(t, mux, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, "engine", body["failed_check"])
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{dvr.ErrNotRunning, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", dvr.ErrUnknownChannel), http.StatusNotFound},
		{db.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: bad url", config.ErrInvalid), http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestEngineNotRunning(t *testing.T) {
	eng := newFakeEngine()
	eng.err = dvr.ErrNotRunning
	mux := newTestMux(t, eng)

	rr := do(t, mux, http.MethodGet, "/api/channels", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "not running")
}

func TestSettingsIsPartial(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())

	rr := do(t, mux, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "mp4", body["remuxFormat"])
	assert.Equal(t, []any{"alpha"}, body["channels"])
}

func TestRecordingsList(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())

	rr := do(t, mux, http.MethodGet, "/api/recordings?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []db.Recording
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, int64(200), recs[0].Timestamp)

	rr = do(t, mux, http.MethodGet, "/api/recordings/youtube/beta", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "other", recs[0].Title)

	rr = do(t, mux, http.MethodGet, "/api/recordings/kick/nobody", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestStatus(t *testing.T) {
	mux := newTestMux(t, newFakeEngine())

	rr := do(t, mux, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Running    bool           `json:"running"`
		Active     []db.Recording `json:"active"`
		Recordings int            `json:"recordings"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Running)
	assert.Equal(t, 3, body.Recordings)
	require.Len(t, body.Active, 1)
	assert.Equal(t, "second", body.Active[0].Title)
}

func TestPutChannel(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"create", "/api/channels/gamma", `{"url":"https://kick.com/gamma","getChat":true}`, http.StatusOK},
		{"matching name", "/api/channels/gamma", `{"name":"gamma","url":"https://kick.com/gamma"}`, http.StatusOK},
		{"name mismatch", "/api/channels/gamma", `{"name":"delta","url":"https://kick.com/gamma"}`, http.StatusBadRequest},
		{"invalid json", "/api/channels/gamma", `{"url":`, http.StatusBadRequest},
		{"unknown field", "/api/channels/gamma", `{"url":"https://kick.com/gamma","bogus":1}`, http.StatusBadRequest},
		{"missing url", "/api/channels/gamma", `{"getChat":true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			mux := newTestMux(t, eng)
			rr := do(t, mux, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.status == http.StatusOK {
				require.Len(t, eng.put, 1)
				assert.Equal(t, "gamma", eng.put[0].Name)
			} else {
				assert.Empty(t, eng.put)
			}
		})
	}
}

func TestDeleteEndpoints(t *testing.T) {
	eng := newFakeEngine()
	mux := newTestMux(t, eng)

	rr := do(t, mux, http.MethodDelete, "/api/recordings/twitch/alpha/100", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []db.RecordingKey{{Platform: "twitch", Channel: "alpha", Timestamp: 100}}, eng.deleted)

	rr = do(t, mux, http.MethodDelete, "/api/recordings/twitch/alpha/101", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, mux, http.MethodDelete, "/api/channels/alpha", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.NotContains(t, eng.channels, "alpha")

	rr = do(t, mux, http.MethodDelete, "/api/channels/alpha", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteOfStoppingCaptureIsAccepted(t *testing.T) {
	eng := newFakeEngine()
	eng.deleteErr = fmt.Errorf("%w: %w", dvr.ErrStillStopping, context.DeadlineExceeded)
	mux := newTestMux(t, eng)

	rr := do(t, mux, http.MethodDelete, "/api/recordings/twitch/alpha/100", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"status":"stopping"}`, rr.Body.String())
	assert.Len(t, eng.deleted, 1)
}

func TestAPIRequiresAuthWhenConfigured(t *testing.T) {
	eng := newFakeEngine()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("ADMIN_TOKEN", "s3cret")
	database, _ := testutil.SetupTestDB(t)
	mux := NewMux(database, eng)

	assert.Equal(t, http.StatusUnauthorized, do(t, mux, http.MethodGet, "/api/channels", "").Code)
	// health endpoints stay open
	assert.Equal(t, http.StatusOK, do(t, mux, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
