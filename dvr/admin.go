package dvr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
)

// Channels returns the configured channels sorted by name.
func (e *Engine) Channels(ctx context.Context) ([]config.ChannelConfig, error) {
	var out []config.ChannelConfig
	err := e.do(ctx, func(context.Context) error {
		for _, name := range e.settings.ChannelNames() {
			out = append(out, e.settings.Channels[name].Clone())
		}
		return nil
	})
	return out, err
}

// Channel returns one channel's config.
func (e *Engine) Channel(ctx context.Context, name string) (config.ChannelConfig, error) {
	var out config.ChannelConfig
	err := e.do(ctx, func(context.Context) error {
		ch, ok := e.settings.Channels[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		out = ch.Clone()
		return nil
	})
	return out, err
}

// PutChannel creates or replaces a channel. A running session keeps the
// config it started with.
func (e *Engine) PutChannel(ctx context.Context, ch config.ChannelConfig) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return e.do(ctx, func(context.Context) error {
		e.settings.Channels[ch.Name] = ch.Clone()
		e.logger.Info("channel saved", slog.String("channel", ch.Name))
		e.notifyChannels()
		return nil
	})
}

// DeleteChannel removes a channel from monitoring and stops its running
// session, if any, returning once the session is finalized. Its recordings
// are kept.
func (e *Engine) DeleteChannel(ctx context.Context, name string) error {
	var stopping *Session
	err := e.do(ctx, func(context.Context) error {
		if _, ok := e.settings.Channels[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
		}
		delete(e.settings.Channels, name)
		if ent := e.reg.ActiveFor(name); ent != nil {
			stopping = ent.Session
			stopping.requestStop()
		}
		e.logger.Info("channel deleted", slog.String("channel", name))
		e.notifyChannels()
		return nil
	})
	if err != nil || stopping == nil {
		return err
	}
	return e.awaitSettled(ctx, stopping)
}

// awaitSettled waits, off the loop, until the loop has applied s's outcome.
func (e *Engine) awaitSettled(ctx context.Context, s *Session) error {
	select {
	case <-s.settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStillStopping, ctx.Err())
	case <-e.done:
		select {
		case <-s.settled:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

func (e *Engine) notifyChannels() {
	if e.onChange != nil {
		e.onChange(e.settings.Clone())
	}
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings(ctx context.Context) (*config.Settings, error) {
	var out *config.Settings
	err := e.do(ctx, func(context.Context) error {
		out = e.settings.Clone()
		return nil
	})
	return out, err
}

// ApplySettings replaces channels, retention, remux options and the poll
// interval with those of s. The save directory cannot change while running.
// It does not call OnChannelsChanged.
func (e *Engine) ApplySettings(ctx context.Context, s *config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	next := s.Clone()
	return e.do(ctx, func(context.Context) error {
		if next.SaveDir != e.saveDir {
			e.logger.Warn("saveDir change ignored until restart", slog.String("save_dir", next.SaveDir))
			next.SaveDir = e.saveDir
		}
		old := e.pollInterval()
		e.settings = next
		if iv := e.pollInterval(); iv != old && e.ticker != nil {
			e.ticker.Reset(iv)
		}
		e.logger.Info("settings reloaded", slog.Int("channels", len(next.Channels)))
		return nil
	})
}

// Recordings returns every recording, newest first.
func (e *Engine) Recordings(ctx context.Context) ([]db.Recording, error) {
	var out []db.Recording
	err := e.do(ctx, func(context.Context) error {
		out = e.reg.Records()
		return nil
	})
	return out, err
}

// ChannelRecordings returns channel's recordings, newest first.
func (e *Engine) ChannelRecordings(ctx context.Context, platform, channel string) ([]db.Recording, error) {
	all, err := e.Recordings(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(r db.Recording) bool {
		return r.Channel != channel || (platform != "" && r.Platform != platform)
	}), nil
}

// Recording returns one recording.
func (e *Engine) Recording(ctx context.Context, key db.RecordingKey) (db.Recording, error) {
	var out db.Recording
	err := e.do(ctx, func(context.Context) error {
		ent := e.reg.Get(key)
		if ent == nil {
			return fmt.Errorf("%w: %s", db.ErrNotFound, key)
		}
		out = ent.Rec
		return nil
	})
	return out, err
}

// DeleteRecording removes a recording and its files. A running capture is
// aborted and the files are removed once it has exited; the call returns
// after that.
func (e *Engine) DeleteRecording(ctx context.Context, key db.RecordingKey) error {
	var stopping *Session
	err := e.do(ctx, func(ctx context.Context) error {
		ent := e.reg.Get(key)
		if ent == nil {
			return fmt.Errorf("%w: %s", db.ErrNotFound, key)
		}
		if s := ent.Session; s != nil {
			ent.deleteOnStop = true
			s.Abort()
			stopping = s
			return nil
		}
		e.remove(ctx, ent)
		e.logger.Info("recording deleted", slog.String("recording", key.String()))
		return nil
	})
	if err != nil || stopping == nil {
		return err
	}
	return e.awaitSettled(ctx, stopping)
}

// ActiveSessions returns the recordings currently capturing.
func (e *Engine) ActiveSessions(ctx context.Context) ([]db.Recording, error) {
	var out []db.Recording
	err := e.do(ctx, func(context.Context) error {
		for _, ent := range e.reg.Active() {
			out = append(out, ent.Rec)
		}
		return nil
	})
	return out, err
}
