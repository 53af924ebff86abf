package dvr

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/telemetry"
)

// sweep applies each channel's retention policy (its override, else the
// default) to that channel's recordings, then the global policy to all of them.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	for _, name := range e.settings.ChannelNames() {
		policy := e.settings.DefaultRetention
		if ch := e.settings.Channels[name]; ch.Retention != nil {
			policy = *ch.Retention
		}
		e.enforce(ctx, policy, e.reg.ForChannel(name), now)
	}
	e.enforce(ctx, e.settings.GlobalRetention, e.reg.All(), now)
}

// enforce evicts from cands (oldest first) by count, then size, then age.
func (e *Engine) enforce(ctx context.Context, p config.RetentionPolicy, cands []*Entry, now time.Time) {
	if p.IsZero() || len(cands) == 0 {
		return
	}
	if p.Count != nil {
		for len(cands) > *p.Count {
			e.evict(ctx, cands[0], "count")
			cands = cands[1:]
		}
	}
	if limit, ok := p.SizeBytes(); ok {
		sizes := make([]int64, len(cands))
		var total int64
		for i, c := range cands {
			sizes[i] = e.recordingSize(c)
			total += sizes[i]
		}
		for len(cands) > 0 && total > limit {
			e.evict(ctx, cands[0], "size")
			total -= sizes[0]
			cands, sizes = cands[1:], sizes[1:]
		}
	}
	if p.Days != nil {
		cutoff := now.Unix() - int64(*p.Days)*86400
		for len(cands) > 0 && cands[0].Rec.Timestamp < cutoff {
			e.evict(ctx, cands[0], "age")
			cands = cands[1:]
		}
	}
}

// recordingSize is the primary file (or its .part) plus the chat transcript.
func (e *Engine) recordingSize(ent *Entry) int64 {
	var n int64
	if fi, err := os.Stat(e.abs(ent.Rec.File)); err == nil {
		n += fi.Size()
	} else if fi, err := os.Stat(e.abs(ent.Rec.File) + ".part"); err == nil {
		n += fi.Size()
	}
	if ent.Rec.ChatFile != "" {
		if fi, err := os.Stat(e.abs(ent.Rec.ChatFile)); err == nil {
			n += fi.Size()
		}
	}
	return n
}

// evict removes a recording for retention. A running capture is aborted, not
// waited for; its files are removed again when it completes.
func (e *Engine) evict(ctx context.Context, ent *Entry, reason string) {
	if ent.Session != nil {
		ent.Session.Abort()
	}
	e.logger.Info("evicting recording",
		slog.String("recording", ent.Rec.Key().String()),
		slog.String("reason", reason),
		slog.Bool("in_progress", ent.Rec.InProgress))
	e.remove(ctx, ent)
	telemetry.ObserveEviction(reason)
}

// remove drops ent from the registry and the store and deletes its files.
// File errors are logged and ignored.
func (e *Engine) remove(ctx context.Context, ent *Entry) {
	e.reg.Remove(ent)
	telemetry.SetRecordings(e.reg.Len())
	if err := e.store.Delete(ctx, ent.Rec.Key()); err != nil {
		e.logger.Warn("failed to delete recording row", slog.String("recording", ent.Rec.Key().String()), slog.Any("err", err))
	}
	e.removeFiles(ent.Rec)
}

// removeFiles deletes rec's primary file (or its .part) and chat transcript.
func (e *Engine) removeFiles(rec db.Recording) {
	primary := e.abs(rec.File)
	err := os.Remove(primary)
	if errors.Is(err, fs.ErrNotExist) {
		err = os.Remove(primary + ".part")
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("failed to delete recording file", slog.String("path", primary), slog.Any("err", err))
	}
	if rec.ChatFile != "" {
		if err := os.Remove(e.abs(rec.ChatFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("failed to delete chat file", slog.String("path", rec.ChatFile), slog.Any("err", err))
		}
	}
}
