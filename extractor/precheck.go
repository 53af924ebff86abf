package extractor

import (
	"context"
	"log/slog"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/twitchapi"
)

// LiveChecker answers whether a Twitch login is streaming.
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

// Prechecked skips the full extractor probe for Twitch channels that the
// Helix API reports as offline. Non-Twitch channels, and any Helix failure,
// fall through to the wrapped extractor.
type Prechecked struct {
	Extractor
	Checker LiveChecker
}

// WithTwitchPrecheck wraps ex with a Helix live check.
func WithTwitchPrecheck(ex Extractor, checker LiveChecker) *Prechecked {
	return &Prechecked{Extractor: ex, Checker: checker}
}

// Probe implements Extractor.
func (p *Prechecked) Probe(ctx context.Context, ch config.ChannelConfig) (Probe, error) {
	if login, ok := twitchapi.LoginFromURL(ch.URL); ok && p.Checker != nil {
		live, err := p.Checker.IsLive(ctx, login)
		switch {
		case err != nil:
			slog.Debug("helix precheck failed, probing directly", slog.String("channel", ch.Name), slog.Any("err", err))
		case !live:
			return Probe{}, nil
		}
	}
	return p.Extractor.Probe(ctx, ch)
}
