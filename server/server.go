// Package server exposes the HTTP API: health, readiness, metrics, and the JSON
// admin API over the recording engine. It injects correlation IDs into request
// contexts for consistent logging and guards /api with optional admin auth
// and per-IP rate limiting.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/telemetry"
)

// Engine is the subset of the recording engine served over HTTP.
type Engine interface {
	Running() bool
	Channels(ctx context.Context) ([]config.ChannelConfig, error)
	Channel(ctx context.Context, name string) (config.ChannelConfig, error)
	PutChannel(ctx context.Context, ch config.ChannelConfig) error
	DeleteChannel(ctx context.Context, name string) error
	Settings(ctx context.Context) (*config.Settings, error)
	Recordings(ctx context.Context) ([]db.Recording, error)
	ChannelRecordings(ctx context.Context, platform, channel string) ([]db.Recording, error)
	Recording(ctx context.Context, key db.RecordingKey) (db.Recording, error)
	DeleteRecording(ctx context.Context, key db.RecordingKey) error
	ActiveSessions(ctx context.Context) ([]db.Recording, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db     *sql.DB
	engine Engine
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, engine Engine) *Handlers {
	return &Handlers{db: db, engine: engine}
}

// NewMux returns the HTTP handler with all routes.
func NewMux(database *sql.DB, engine Engine) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()

	h := NewHandlers(database, engine)

	r := chi.NewRouter()
	r.Use(correlate)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(withCORS(corsCfg))
		r.Use(adminAuth(authCfg))
		r.Use(rateLimit(rateLimiterCfg))

		r.Get("/status", h.HandleStatus)
		r.Get("/settings", h.HandleSettings)

		r.Get("/channels", h.HandleChannelsList)
		r.Get("/channels/{name}", h.HandleChannelGet)
		r.Put("/channels/{name}", h.HandleChannelPut)
		r.Delete("/channels/{name}", h.HandleChannelDelete)

		r.Get("/recordings", h.HandleRecordingsList)
		r.Get("/recordings/{platform}/{channel}", h.HandleChannelRecordings)
		r.Get("/recordings/{platform}/{channel}/{timestamp}", h.HandleRecordingGet)
		r.Delete("/recordings/{platform}/{channel}/{timestamp}", h.HandleRecordingDelete)
	})
	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

func loggerFor(r *http.Request) *slog.Logger {
	return telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
}
