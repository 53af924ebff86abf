package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// RetentionPolicy limits how many recordings are kept. A nil field means no
// limit for that dimension.
type RetentionPolicy struct {
	Count  *int `yaml:"count,omitempty" json:"count"`
	Days   *int `yaml:"time,omitempty" json:"time"`
	SizeMB *int `yaml:"size,omitempty" json:"size"`
}

// IsZero reports whether no dimension is limited.
func (p RetentionPolicy) IsZero() bool {
	return p.Count == nil && p.Days == nil && p.SizeMB == nil
}

// SizeBytes returns the size limit in bytes (decimal megabytes).
func (p RetentionPolicy) SizeBytes() (int64, bool) {
	if p.SizeMB == nil {
		return 0, false
	}
	return int64(*p.SizeMB) * 1_000_000, true
}

// ChannelConfig describes one monitored live source.
type ChannelConfig struct {
	// Name is the settings map key; also the recording's channel id.
	Name          string           `yaml:"-" json:"name"`
	URL           string           `yaml:"url" json:"url"`
	Platform      string           `yaml:"platform,omitempty" json:"platform,omitempty"`
	Quality       string           `yaml:"quality,omitempty" json:"quality,omitempty"`
	Chat          bool             `yaml:"getChat" json:"getChat"`
	Retention     *RetentionPolicy `yaml:"retention,omitempty" json:"retention,omitempty"`
	ExtractorArgs []string         `yaml:"extractorArgs,omitempty" json:"extractorArgs,omitempty"`
}

// Settings is the persisted recorder configuration.
type Settings struct {
	SaveDir string `yaml:"saveDir" json:"saveDir"`
	// PollInterval is in seconds.
	PollInterval     int                      `yaml:"pollInterval" json:"pollInterval"`
	RemuxFormat      string                   `yaml:"remuxFormat" json:"remuxFormat"`
	RemuxRecordings  bool                     `yaml:"remuxRecordings" json:"remuxRecordings"`
	DefaultRetention RetentionPolicy          `yaml:"defaultRetention" json:"defaultRetention"`
	GlobalRetention  RetentionPolicy          `yaml:"globalRetention" json:"globalRetention"`
	Channels         map[string]ChannelConfig `yaml:"channels" json:"channels"`
	// LogLevel applies when LOG_LEVEL is unset.
	LogLevel string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() *Settings {
	return &Settings{
		SaveDir:         "files",
		PollInterval:    60,
		RemuxFormat:     "mp4",
		RemuxRecordings: true,
		Channels:        map[string]ChannelConfig{},
	}
}

var (
	channelNameRe = regexp.MustCompile(`^[\w][\w.-]*$`)
	formatRe      = regexp.MustCompile(`^[a-z0-9]+$`)
)

// LoadSettings reads the settings file at path. A missing file yields the defaults.
// JSON files are accepted since YAML is a superset.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.Channels == nil {
		s.Channels = map[string]ChannelConfig{}
	}
	for name, ch := range s.Channels {
		ch.Name = name
		s.Channels[name] = ch
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the settings atomically.
func (s *Settings) Save(path string) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Validate checks the whole settings tree once.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.SaveDir) == "" {
		errs = append(errs, errors.New("saveDir is required"))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive, got %d", s.PollInterval))
	}
	if !formatRe.MatchString(s.RemuxFormat) {
		errs = append(errs, fmt.Errorf("remuxFormat %q is not a container extension", s.RemuxFormat))
	}
	switch strings.ToLower(s.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q is not one of debug, info, warn, error", s.LogLevel))
	}
	if err := s.DefaultRetention.validate("defaultRetention"); err != nil {
		errs = append(errs, err)
	}
	if err := s.GlobalRetention.validate("globalRetention"); err != nil {
		errs = append(errs, err)
	}
	for _, name := range s.ChannelNames() {
		ch := s.Channels[name]
		ch.Name = name
		if err := ch.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks a single channel entry.
func (c ChannelConfig) Validate() error {
	if !channelNameRe.MatchString(c.Name) {
		return fmt.Errorf("channel name %q must be a plain file name", c.Name)
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("channel %s: url %q must be an absolute http(s) URL", c.Name, c.URL)
	}
	if c.Retention != nil {
		if err := c.Retention.validate("channel " + c.Name + " retention"); err != nil {
			return err
		}
	}
	return nil
}

func (p RetentionPolicy) validate(field string) error {
	for dim, v := range map[string]*int{"count": p.Count, "time": p.Days, "size": p.SizeMB} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s.%s must not be negative", field, dim)
		}
	}
	return nil
}

// ChannelNames returns channel names in sorted order.
func (s *Settings) ChannelNames() []string {
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Settings) Clone() *Settings {
	out := *s
	out.DefaultRetention = s.DefaultRetention.clone()
	out.GlobalRetention = s.GlobalRetention.clone()
	out.Channels = make(map[string]ChannelConfig, len(s.Channels))
	for name, ch := range s.Channels {
		out.Channels[name] = ch.Clone()
	}
	return &out
}

// Clone returns a deep copy of the channel.
func (c ChannelConfig) Clone() ChannelConfig {
	if c.Retention != nil {
		r := c.Retention.clone()
		c.Retention = &r
	}
	if c.ExtractorArgs != nil {
		c.ExtractorArgs = append([]string(nil), c.ExtractorArgs...)
	}
	return c
}

func (p RetentionPolicy) clone() RetentionPolicy {
	cp := func(v *int) *int {
		if v == nil {
			return nil
		}
		n := *v
		return &n
	}
	return RetentionPolicy{Count: cp(p.Count), Days: cp(p.Days), SizeMB: cp(p.SizeMB)}
}
