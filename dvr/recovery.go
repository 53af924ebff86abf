package dvr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/live-dvr/db"
)

// Recover finalizes recordings left in progress by a previous process: each
// is remuxed (when enabled and not already canonical), marked finished and
// persisted. It returns every stored recording after recovery.
func (e *Engine) Recover(ctx context.Context) ([]db.Recording, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	var recovered int
	for i, r := range recs {
		if !r.InProgress {
			continue
		}
		orig := r.Key()
		if e.settings.RemuxRecordings {
			newFile, err := e.remuxFile(ctx, r.File, e.settings.RemuxFormat)
			if err != nil {
				e.logger.Warn("recovery remux failed, keeping original",
					slog.String("recording", orig.String()), slog.Any("err", err))
			}
			r.File = newFile
		}
		r.InProgress = false
		if err := e.store.Update(ctx, orig, r); err != nil {
			return nil, fmt.Errorf("persist recovered recording %s: %w", orig, err)
		}
		recs[i] = r
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered interrupted recordings", slog.Int("count", recovered))
	}
	return recs, nil
}

// load runs recovery and fills the registry.
func (e *Engine) load(ctx context.Context) error {
	recs, err := e.Recover(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		e.reg.Add(&Entry{Rec: r})
	}
	return nil
}
