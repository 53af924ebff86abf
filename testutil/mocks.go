package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// MockTwitchServer fakes the two Twitch endpoints the Helix precheck talks
// to: the client-credentials token endpoint and /helix/streams.
type MockTwitchServer struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	expiresIn   int
	live        map[string]bool
	tokenCalls  atomic.Int32
	streamCalls atomic.Int32
}

// NewMockTwitchServer starts a mock that issues no token and reports every
// login offline until configured.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{live: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", m.serveToken)
	mux.HandleFunc("GET /helix/streams", m.serveStreams)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// MockOAuthTokenResponse sets the app access token handed out.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.expiresIn = accessToken, expiresIn
}

// MockLiveLogins marks logins as live; all others stay offline.
func (m *MockTwitchServer) MockLiveLogins(logins ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logins {
		m.live[l] = true
	}
}

// TokenCalls is how many times a token was requested.
func (m *MockTwitchServer) TokenCalls() int { return int(m.tokenCalls.Load()) }

// StreamCalls is how many /helix/streams requests were authorized.
func (m *MockTwitchServer) StreamCalls() int { return int(m.streamCalls.Load()) }

func (m *MockTwitchServer) serveToken(w http.ResponseWriter, _ *http.Request) {
	m.tokenCalls.Add(1)
	m.mu.Lock()
	token, exp := m.token, m.expiresIn
	m.mu.Unlock()
	if token == "" {
		http.Error(w, `{"message":"invalid client"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"access_token": token, "expires_in": exp, "token_type": "bearer"})
}

func (m *MockTwitchServer) serveStreams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	token := m.token
	login := r.URL.Query().Get("user_login")
	live := m.live[login]
	m.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, `{"message":"invalid oauth token"}`, http.StatusUnauthorized)
		return
	}
	m.streamCalls.Add(1)
	data := []map[string]string{}
	if live {
		data = append(data, map[string]string{"id": "1", "user_login": login, "type": "live", "title": "stream"})
	}
	writeJSON(w, map[string]any{"data": data})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
