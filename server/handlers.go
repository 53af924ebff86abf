package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/dvr"
)

const maxBodyBytes = 64 << 10

// stopWait bounds how long a delete waits for a running capture to finish
// before answering 202; it stays below the server's write timeout.
const stopWait = 8 * time.Second

// deleteAnswer writes the reply for an engine delete call.
func deleteAnswer(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dvr.ErrStillStopping):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	default:
		writeError(w, r, err)
		return false
	}
	return true
}

// HandleStatus reports whether the engine is polling and what it is recording.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	active, err := h.engine.ActiveSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.engine.Recordings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if active == nil {
		active = []db.Recording{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":    h.engine.Running(),
		"active":     active,
		"recordings": len(recs),
	})
}

// settingsView is the subset of settings exposed over HTTP; channel details
// live under /api/channels.
type settingsView struct {
	SaveDir          string                 `json:"saveDir"`
	PollInterval     int                    `json:"pollInterval"`
	RemuxFormat      string                 `json:"remuxFormat"`
	RemuxRecordings  bool                   `json:"remuxRecordings"`
	DefaultRetention config.RetentionPolicy `json:"defaultRetention"`
	GlobalRetention  config.RetentionPolicy `json:"globalRetention"`
	Channels         []string               `json:"channels"`
}

// HandleSettings returns a partial dump of the recorder settings.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Settings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView{
		SaveDir:          s.SaveDir,
		PollInterval:     s.PollInterval,
		RemuxFormat:      s.RemuxFormat,
		RemuxRecordings:  s.RemuxRecordings,
		DefaultRetention: s.DefaultRetention,
		GlobalRetention:  s.GlobalRetention,
		Channels:         s.ChannelNames(),
	})
}

func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	chs, err := h.engine.Channels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chs == nil {
		chs = []config.ChannelConfig{}
	}
	writeJSON(w, http.StatusOK, chs)
}

func (h *Handlers) HandleChannelGet(w http.ResponseWriter, r *http.Request) {
	ch, err := h.engine.Channel(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// HandleChannelPut creates or replaces the channel named in the path.
func (h *Handlers) HandleChannelPut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var ch config.ChannelConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	if ch.Name != "" && ch.Name != name {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("name %q does not match path %q", ch.Name, name)})
		return
	}
	ch.Name = name
	if err := h.engine.PutChannel(r.Context(), ch); err != nil {
		writeError(w, r, err)
		return
	}
	loggerFor(r).Info("channel updated via api", slog.String("channel", name))
	writeJSON(w, http.StatusOK, ch)
}

func (h *Handlers) HandleChannelDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()
	deleteAnswer(w, r, h.engine.DeleteChannel(ctx, chi.URLParam(r, "name")))
}

// HandleRecordingsList returns recordings newest first; ?limit=N truncates.
func (h *Handlers) HandleRecordingsList(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.Recordings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRecordings(w, r, recs)
}

func (h *Handlers) HandleChannelRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.ChannelRecordings(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRecordings(w, r, recs)
}

func writeRecordings(w http.ResponseWriter, r *http.Request, recs []db.Recording) {
	if n := parseIntQuery(r, "limit", 0); n > 0 && n < len(recs) {
		recs = recs[:n]
	}
	if recs == nil {
		recs = []db.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) HandleRecordingGet(w http.ResponseWriter, r *http.Request) {
	key, ok := recordingKey(w, r)
	if !ok {
		return
	}
	rec, err := h.engine.Recording(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleRecordingDelete removes a recording and its files, stopping the
// capture first when it is still in progress.
func (h *Handlers) HandleRecordingDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := recordingKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()
	if deleteAnswer(w, r, h.engine.DeleteRecording(ctx, key)) {
		loggerFor(r).Info("recording deleted via api", slog.String("recording", key.String()))
	}
}

func recordingKey(w http.ResponseWriter, r *http.Request) (db.RecordingKey, bool) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid timestamp"})
		return db.RecordingKey{}, false
	}
	return db.RecordingKey{
		Platform:  chi.URLParam(r, "platform"),
		Channel:   chi.URLParam(r, "channel"),
		Timestamp: ts,
	}, true
}
