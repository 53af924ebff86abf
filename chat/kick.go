package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/net/websocket"
)

const (
	defaultKickAPI    = "https://kick.com"
	defaultKickPusher = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"
	kickOrigin        = "https://kick.com"
)

// KickOptions configures the Kick chat capturer.
type KickOptions struct {
	// APIBase overrides https://kick.com (tests).
	APIBase string
	// PusherURL overrides the Pusher websocket endpoint (tests).
	PusherURL  string
	HTTPClient *http.Client
}

type pusherEvent struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Channel string          `json:"channel,omitempty"`
}

type kickMessage struct {
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Sender    struct {
		Username string `json:"username"`
	} `json:"sender"`
}

type kickBan struct {
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

// NewKickFactory returns a Factory that resolves the channel's chatroom and
// subscribes to it over Pusher.
func NewKickFactory(opts KickOptions) Factory {
	if opts.APIBase == "" {
		opts.APIBase = defaultKickAPI
	}
	if opts.PusherURL == "" {
		opts.PusherURL = defaultKickPusher
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context, src Source, sink *Sink) (Capturer, error) {
		slug := kickSlug(src)
		roomID, err := kickChatroomID(ctx, opts, slug)
		if err != nil {
			return nil, err
		}
		cfg, err := websocket.NewConfig(opts.PusherURL, kickOrigin)
		if err != nil {
			return nil, fmt.Errorf("kick pusher config: %w", err)
		}
		ws, err := cfg.DialContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("kick pusher dial: %w", err)
		}
		sub, _ := json.Marshal(map[string]string{"auth": "", "channel": fmt.Sprintf("chatrooms.%d.v2", roomID)})
		if err := websocket.JSON.Send(ws, pusherEvent{Event: "pusher:subscribe", Data: sub}); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("kick subscribe: %w", err)
		}

		c := &kickCapturer{ws: ws, done: make(chan struct{})}
		r := &kickReader{
			ws:     ws,
			sink:   sink,
			logger: slog.Default().With(slog.String("component", "chat"), slog.String("platform", "kick"), slog.String("channel", slug)),
		}
		go func() {
			defer close(c.done)
			r.run()
		}()
		go func() {
			select {
			case <-ctx.Done():
				_ = c.Stop()
			case <-c.done:
			}
		}()
		return c, nil
	}
}

func kickSlug(src Source) string {
	if u, err := url.Parse(src.URL); err == nil {
		if p := strings.Split(strings.Trim(u.Path, "/"), "/"); p[0] != "" {
			return strings.ToLower(p[0])
		}
	}
	return strings.ToLower(src.Channel)
}

func kickChatroomID(ctx context.Context, opts KickOptions, slug string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(opts.APIBase, "/")+"/api/v2/channels/"+url.PathEscape(slug), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kick channel lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("kick channel lookup: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var body struct {
		Chatroom struct {
			ID int64 `json:"id"`
		} `json:"chatroom"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode kick channel: %w", err)
	}
	if body.Chatroom.ID == 0 {
		return 0, fmt.Errorf("kick channel %s has no chatroom", slug)
	}
	return body.Chatroom.ID, nil
}

type kickCapturer struct {
	ws   *websocket.Conn
	once sync.Once
	done chan struct{}
}

func (c *kickCapturer) Stop() error {
	var err error
	c.once.Do(func() { err = c.ws.Close() })
	<-c.done
	return err
}

type kickReader struct {
	ws     *websocket.Conn
	sink   *Sink
	logger *slog.Logger
}

func (r *kickReader) run() {
	for {
		var ev pusherEvent
		if err := websocket.JSON.Receive(r.ws, &ev); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.logger.Debug("kick chat closed", slog.Any("err", err))
			}
			return
		}
		r.handle(ev)
	}
}

func (r *kickReader) handle(ev pusherEvent) {
	switch ev.Event {
	case "pusher:ping":
		if err := websocket.JSON.Send(r.ws, pusherEvent{Event: "pusher:pong", Data: json.RawMessage("{}")}); err != nil {
			r.logger.Warn("kick pong failed", slog.Any("err", err))
		}
	case `App\Events\ChatMessageEvent`:
		var m kickMessage
		if err := decodePusherData(ev.Data, &m); err != nil {
			r.logger.Warn("bad kick chat message", slog.Any("err", err))
			return
		}
		at := time.Now()
		if m.CreatedAt != "" {
			if t, err := dateparse.ParseAny(m.CreatedAt); err == nil {
				at = t
			}
		}
		r.write(r.sink.Write(at, m.Sender.Username, m.Content))
	case `App\Events\MessageDeletedEvent`:
		r.write(r.sink.WriteLine(time.Now(), "<message deleted>"))
	case `App\Events\UserBannedEvent`:
		var b kickBan
		if err := decodePusherData(ev.Data, &b); err != nil {
			return
		}
		r.write(r.sink.WriteLine(time.Now(), "Purged user "+b.User.Username))
	case `App\Events\ChatroomClearEvent`:
		r.write(r.sink.WriteLine(time.Now(), "Purged chat"))
	}
}

func (r *kickReader) write(err error) {
	if err != nil {
		r.logger.Warn("chat write failed", slog.Any("err", err))
	}
}

// decodePusherData handles Pusher's habit of sending data as a JSON string
// holding JSON.
func decodePusherData(raw json.RawMessage, v any) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.Unmarshal([]byte(s), v)
	}
	return json.Unmarshal(raw, v)
}
