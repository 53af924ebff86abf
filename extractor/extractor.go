// Package extractor wraps the stream extraction tool used to detect live channels
// and capture their streams to disk.
package extractor

import (
	"context"
	"strings"

	"github.com/onnwee/live-dvr/config"
)

// Info is the subset of yt-dlp's JSON metadata the recorder uses.
type Info struct {
	ID           string `json:"id"`
	Type         string `json:"_type"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	IsLive       bool   `json:"is_live"`
	LiveStatus   string `json:"live_status"`
	ExtractorKey string `json:"extractor_key"`
	OriginalURL  string `json:"original_url"`
	WebpageURL   string `json:"webpage_url"`
	Uploader     string `json:"uploader"`
}

// Probe is the result of a liveness check.
type Probe struct {
	Live bool
	// Platform is the channel's platform override, else the extractor key.
	Platform string
	Title    string
	// URL is what Download captures from.
	URL  string
	Info *Info
}

// Request describes where and how a capture is written.
type Request struct {
	// Output is the absolute destination path; it is used literally.
	Output  string
	Quality string
	Args    []string
}

// Extractor detects live streams and downloads them.
//
// Download blocks until the stream ends, fails, or ctx is cancelled. Cancelling
// ctx asks the download to stop cleanly so the partial file stays playable.
type Extractor interface {
	Probe(ctx context.Context, ch config.ChannelConfig) (Probe, error)
	Download(ctx context.Context, p Probe, req Request) error
}

// NewProbe builds a live probe from extracted metadata.
func NewProbe(ch config.ChannelConfig, info *Info) Probe {
	p := Probe{Live: true, Info: info, Platform: ch.Platform, URL: ch.URL}
	if p.Platform == "" {
		p.Platform = info.ExtractorKey
	}
	if p.Platform == "" {
		p.Platform = "generic"
	}
	if info.OriginalURL != "" {
		p.URL = info.OriginalURL
	}
	p.Title = info.Title
	// Twitch reports the channel name plus "(live)" as the title; the stream title is in the description.
	if strings.Contains(info.Title, "(live)") && info.Description != "" {
		p.Title = info.Description
	}
	if p.Title == "" {
		p.Title = ch.Name
	}
	return p
}
