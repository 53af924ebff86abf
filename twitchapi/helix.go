// Package twitchapi contains minimal helpers for the Twitch Helix API, used to
// check whether a channel is live before running the heavier extractor probe.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultBaseURL  = "https://api.twitch.tv"
	defaultTokenURL = "https://id.twitch.tv/oauth2/token"
)

var channelURLRe = regexp.MustCompile(`^https?://(www\.|m\.)?twitch\.tv/([\w_]+)`)

// LoginFromURL extracts the channel login from a twitch.tv channel URL.
func LoginFromURL(u string) (string, bool) {
	m := channelURLRe.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	login := strings.ToLower(m[2])
	if login == "videos" || login == "directory" {
		return "", false
	}
	return login, true
}

// HelixClient queries Helix with an app access token (client credentials).
type HelixClient struct {
	ClientID string
	// BaseURL overrides https://api.twitch.tv (tests).
	BaseURL    string
	HTTPClient *http.Client
}

// NewHelixClient returns a client whose HTTP transport fetches and refreshes
// the app token automatically. tokenURL may be empty for the production endpoint.
func NewHelixClient(ctx context.Context, clientID, clientSecret, tokenURL string) *HelixClient {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &HelixClient{ClientID: clientID, HTTPClient: cc.Client(ctx)}
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultBaseURL
}

// Stream is a live stream entry from /helix/streams.
type Stream struct {
	ID        string `json:"id"`
	UserLogin string `json:"user_login"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

// GetStream returns the live stream for login, or nil when the channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, errors.New("login empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/streams", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("helix streams: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("helix streams: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode helix streams: %w", err)
	}
	for i := range body.Data {
		if body.Data[i].Type == "live" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// IsLive reports whether the channel at login is currently streaming.
func (hc *HelixClient) IsLive(ctx context.Context, login string) (bool, error) {
	s, err := hc.GetStream(ctx, login)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}
