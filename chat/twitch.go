package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-dvr/twitchapi"
)

// TwitchOptions configures the Twitch IRC capturer.
type TwitchOptions struct {
	// IrcAddress overrides irc.chat.twitch.tv:6697 (tests).
	IrcAddress string
	// TLS is forced off when IrcAddress is set.
	TLS bool
}

// NewTwitchFactory returns a Factory that joins the channel's IRC room
// anonymously.
func NewTwitchFactory(opts TwitchOptions) Factory {
	return func(ctx context.Context, src Source, sink *Sink) (Capturer, error) {
		login, ok := twitchapi.LoginFromURL(src.URL)
		if !ok {
			login = strings.ToLower(src.Channel)
		}
		if login == "" {
			return nil, errors.New("twitch chat: no channel login")
		}

		client := twitch.NewAnonymousClient()
		if opts.IrcAddress != "" {
			client.IrcAddress = opts.IrcAddress
			client.TLS = opts.TLS
		}
		h := &twitchHandler{sink: sink, now: time.Now}
		client.OnPrivateMessage(h.onPrivate)
		client.OnUserNoticeMessage(h.onUserNotice)
		client.OnClearMessage(h.onClearMessage)
		client.OnClearChatMessage(h.onClearChat)
		client.Join(login)

		c := &twitchCapturer{client: client, done: make(chan struct{})}
		logger := slog.Default().With(slog.String("component", "chat"), slog.String("platform", "twitch"), slog.String("login", login))
		go func() {
			defer close(c.done)
			if err := client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
				logger.Error("twitch chat connect error", slog.Any("err", err))
			}
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

type twitchCapturer struct {
	client *twitch.Client
	done   chan struct{}
	once   sync.Once
}

// Stop disconnects and waits for Connect to return. Disconnect fails while the
// connection is still being established, so it is retried until it sticks.
func (c *twitchCapturer) Stop() error {
	c.once.Do(func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		deadline := time.After(10 * time.Second)
		for {
			err := c.client.Disconnect()
			if err == nil || !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
				break
			}
			select {
			case <-c.done:
				return
			case <-deadline:
				return
			case <-tick.C:
			}
		}
		<-c.done
	})
	return nil
}

type twitchHandler struct {
	sink *Sink
	now  func() time.Time
}

func (h *twitchHandler) at(t time.Time) time.Time {
	if t.IsZero() {
		return h.now()
	}
	return t
}

func (h *twitchHandler) write(err error) {
	if err != nil {
		slog.Warn("chat write failed", slog.String("platform", "twitch"), slog.Any("err", err))
	}
}

func displayName(u twitch.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

func (h *twitchHandler) onPrivate(m twitch.PrivateMessage) {
	h.write(h.sink.Write(h.at(m.Time), displayName(m.User), m.Message))
}

// onUserNotice logs subs, raids and similar events by their system text,
// followed by the attached user message if any.
func (h *twitchHandler) onUserNotice(m twitch.UserNoticeMessage) {
	at := h.at(m.Time)
	if m.SystemMsg != "" {
		h.write(h.sink.WriteLine(at, m.SystemMsg))
	}
	if m.Message != "" {
		h.write(h.sink.Write(at, displayName(m.User), m.Message))
	}
}

func (h *twitchHandler) onClearMessage(m twitch.ClearMessage) {
	h.write(h.sink.Write(h.now(), m.Login, "<message deleted>"))
}

func (h *twitchHandler) onClearChat(m twitch.ClearChatMessage) {
	at := h.at(m.Time)
	if m.TargetUsername == "" {
		h.write(h.sink.WriteLine(at, "Purged chat"))
		return
	}
	text := fmt.Sprintf("Purged user %s", m.TargetUsername)
	if m.BanDuration > 0 {
		text += fmt.Sprintf(" (%ds)", m.BanDuration)
	}
	h.write(h.sink.WriteLine(at, text))
}
