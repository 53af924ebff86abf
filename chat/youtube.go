package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// YouTubeOptions configures the YouTube live chat poller.
type YouTubeOptions struct {
	APIKey string
	// Endpoint overrides the Data API base URL (tests).
	Endpoint string
	// MinPoll bounds the server-suggested polling interval from below.
	MinPoll time.Duration
}

// NewYouTubeFactory returns a Factory that polls liveChatMessages for the
// source's video.
func NewYouTubeFactory(opts YouTubeOptions) Factory {
	return func(ctx context.Context, src Source, sink *Sink) (Capturer, error) {
		if opts.APIKey == "" {
			return nil, errors.New("youtube chat: YT_API_KEY not set")
		}
		videoID := src.VideoID
		if videoID == "" {
			videoID = youtubeVideoID(src.URL)
		}
		if videoID == "" {
			return nil, fmt.Errorf("youtube chat: no video id in %q", src.URL)
		}
		clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
		}
		svc, err := yt.NewService(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("youtube service: %w", err)
		}
		resp, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("youtube videos.list: %w", err)
		}
		if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil || resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
			return nil, fmt.Errorf("youtube chat: video %s has no active live chat", videoID)
		}

		pctx, cancel := context.WithCancel(ctx)
		c := &pollCapturer{cancel: cancel, done: make(chan struct{})}
		p := &youtubePoller{
			svc:     svc,
			chatID:  resp.Items[0].LiveStreamingDetails.ActiveLiveChatId,
			sink:    sink,
			minPoll: opts.MinPoll,
			logger:  slog.Default().With(slog.String("component", "chat"), slog.String("platform", "youtube"), slog.String("video", videoID)),
		}
		go func() {
			defer close(c.done)
			p.run(pctx)
		}()
		return c, nil
	}
}

// pollCapturer stops a capture loop by cancelling its context.
type pollCapturer struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *pollCapturer) Stop() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

type youtubePoller struct {
	svc     *yt.Service
	chatID  string
	sink    *Sink
	minPoll time.Duration
	logger  *slog.Logger
}

func (p *youtubePoller) run(ctx context.Context) {
	pageToken := ""
	failures := 0
	for {
		call := p.svc.LiveChatMessages.List(p.chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= 5 {
				p.logger.Error("youtube chat polling gave up", slog.Any("err", err))
				return
			}
			p.logger.Warn("youtube chat poll failed", slog.Any("err", err))
			if !sleepCtx(ctx, time.Duration(failures)*time.Second) {
				return
			}
			continue
		}
		failures = 0
		for _, m := range resp.Items {
			p.write(m)
		}
		if resp.OfflineAt != "" {
			p.logger.Info("youtube live chat ended", slog.String("offline_at", resp.OfflineAt))
			return
		}
		pageToken = resp.NextPageToken
		wait := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if wait < p.minPoll {
			wait = p.minPoll
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (p *youtubePoller) write(m *yt.LiveChatMessage) {
	if m == nil || m.Snippet == nil {
		return
	}
	at := time.Now()
	if m.Snippet.PublishedAt != "" {
		if t, err := dateparse.ParseAny(m.Snippet.PublishedAt); err == nil {
			at = t
		}
	}
	author := "unknown"
	if m.AuthorDetails != nil && m.AuthorDetails.DisplayName != "" {
		author = m.AuthorDetails.DisplayName
	}
	var err error
	switch m.Snippet.Type {
	case "messageDeletedEvent":
		err = p.sink.WriteLine(at, "<message deleted>")
	case "userBannedEvent":
		err = p.sink.WriteLine(at, "Purged user "+bannedName(m))
	default:
		err = p.sink.Write(at, author, m.Snippet.DisplayMessage)
	}
	if err != nil {
		p.logger.Warn("chat write failed", slog.Any("err", err))
	}
}

func bannedName(m *yt.LiveChatMessage) string {
	if d := m.Snippet.UserBannedDetails; d != nil && d.BannedUserDetails != nil {
		return d.BannedUserDetails.DisplayName
	}
	return "unknown"
}

// youtubeVideoID pulls the id out of watch, live and youtu.be URLs.
func youtubeVideoID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case strings.HasSuffix(u.Host, "youtu.be") && len(parts) == 1:
		return parts[0]
	case len(parts) == 2 && parts[0] == "live":
		return parts[1]
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
