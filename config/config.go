// Package config loads environment variables and the settings file, and provides the typed
// configuration used across the service. It applies sensible defaults so the binary can run
// locally with minimal setup.
package config

import (
	"errors"
	"os"
	"strconv"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds process-level settings that come from the environment.
// Recorder behaviour (channels, retention, cadence) lives in Settings.
type Config struct {
	// SettingsPath is the YAML (or JSON) settings file.
	SettingsPath string

	// Database
	DBDsn string

	// Storage; overrides Settings.SaveDir when non-empty.
	DataDir string

	HTTPAddr string

	// External tools
	YtDlpPath  string
	FFmpegPath string

	// Twitch app credentials enable the Helix live precheck.
	TwitchClientID     string
	TwitchClientSecret string

	// YouTube Data API key enables YouTube chat capture.
	YTAPIKey string

	MaxConcurrentProbes int
}

// Load reads environment variables and applies defaults. Missing optional
// variables disable features (Helix precheck, YouTube chat).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.SettingsPath = os.Getenv("DVR_CONFIG")
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "dvr.yaml"
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDsn == "" {
		cfg.DBDsn = "file:dvr.db"
	}

	cfg.DataDir = os.Getenv("DATA_DIR")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	cfg.YtDlpPath = os.Getenv("YTDLP_PATH")
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	cfg.FFmpegPath = os.Getenv("FFMPEG_PATH")
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.YTAPIKey = os.Getenv("YT_API_KEY")

	cfg.MaxConcurrentProbes = 4
	if s := os.Getenv("MAX_CONCURRENT_PROBES"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, errors.Join(ErrInvalid, errors.New("MAX_CONCURRENT_PROBES must be a positive integer"))
		}
		cfg.MaxConcurrentProbes = n
	}

	return cfg, nil
}

// HelixEnabled reports whether Twitch app credentials are present.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}
