package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/live-dvr/chat"
	"github.com/onnwee/live-dvr/config"
	"github.com/onnwee/live-dvr/db"
	"github.com/onnwee/live-dvr/dvr"
	"github.com/onnwee/live-dvr/extractor"
	"github.com/onnwee/live-dvr/media"
	"github.com/onnwee/live-dvr/server"
	"github.com/onnwee/live-dvr/telemetry"
	"github.com/onnwee/live-dvr/twitchapi"
)

// app holds what both subcommands need.
type app struct {
	cfg      *config.Config
	settings *config.Settings
	// fileSaveDir is the saveDir as written in the settings file, restored
	// before saving so a DATA_DIR override is never persisted.
	mu          sync.Mutex
	fileSaveDir string
	database    *sql.DB
	dialect     db.Dialect
}

func setup(ctx context.Context, f *flags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if f.configPath != "" {
		cfg.SettingsPath = f.configPath
	}
	if f.dbDSN != "" {
		cfg.DBDsn = f.dbDSN
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, settings: settings, fileSaveDir: settings.SaveDir}
	applySettingsLogLevel(settings.LogLevel)
	a.applyOverrides(settings)

	database, dialect, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.database, a.dialect = database, dialect

	// Versioned migrations first; embedded SQL as a fallback for databases
	// that predate schema_migrations.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database, dialect); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate db (both versioned and embedded SQL failed): %w", err)
		}
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}
	return a, nil
}

func (a *app) close() {
	if err := a.database.Close(); err != nil {
		slog.Error("failed to close database", slog.Any("err", err))
	}
}

func (a *app) applyOverrides(s *config.Settings) {
	if a.cfg.DataDir != "" {
		s.SaveDir = a.cfg.DataDir
	}
}

// saveChannels persists an admin change to the settings file.
func (a *app) saveChannels(s *config.Settings) {
	a.mu.Lock()
	s.SaveDir = a.fileSaveDir
	a.mu.Unlock()
	if err := s.Save(a.cfg.SettingsPath); err != nil {
		slog.Error("failed to save settings", slog.String("path", a.cfg.SettingsPath), slog.Any("err", err))
	}
}

func (a *app) newEngine(ctx context.Context) *dvr.Engine {
	return dvr.New(dvr.Options{
		Settings:            a.settings,
		Store:               db.NewRecordingStore(a.database, a.dialect),
		Extractor:           newExtractor(ctx, a.cfg, "", ""),
		Remuxer:             &media.FFmpeg{Path: a.cfg.FFmpegPath},
		Chat:                newChatRegistry(a.cfg),
		MaxConcurrentProbes: a.cfg.MaxConcurrentProbes,
		OnChannelsChanged:   a.saveChannels,
	})
}

// newExtractor returns yt-dlp, fronted by the Helix live check when Twitch
// app credentials are configured. Empty URLs select the production endpoints.
func newExtractor(ctx context.Context, cfg *config.Config, helixBase, tokenURL string) extractor.Extractor {
	ytdlp := &extractor.YtDlp{
		Path:    cfg.YtDlpPath,
		Verbose: slog.Default().Enabled(ctx, slog.LevelDebug),
	}
	if !cfg.HelixEnabled() {
		return ytdlp
	}
	hc := twitchapi.NewHelixClient(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, tokenURL)
	hc.BaseURL = helixBase
	slog.Info("twitch helix precheck enabled")
	return extractor.WithTwitchPrecheck(ytdlp, hc)
}

// newChatRegistry maps extractor keys to chat capturers.
func newChatRegistry(cfg *config.Config) *chat.Registry {
	reg := chat.NewRegistry()
	reg.Register(chat.NewTwitchFactory(chat.TwitchOptions{}), "twitch", "twitchstream")
	reg.Register(chat.NewKickFactory(chat.KickOptions{}), "kick")
	if cfg.YTAPIKey != "" {
		reg.Register(chat.NewYouTubeFactory(chat.YouTubeOptions{APIKey: cfg.YTAPIKey}), "youtube", "youtubelive")
	} else {
		slog.Info("youtube chat disabled (YT_API_KEY not set)")
	}
	return reg
}

func runServe(ctx context.Context, f *flags) error {
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-dvr", "1.0.0")
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	a, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer a.close()

	eng := a.newEngine(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eng.Run(gctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, server.NewMux(a.database, eng), a.cfg.HTTPAddr)
	})
	g.Go(func() error {
		err := config.Watch(gctx, a.cfg.SettingsPath, func(s *config.Settings) {
			a.mu.Lock()
			a.fileSaveDir = s.SaveDir
			a.mu.Unlock()
			applySettingsLogLevel(s.LogLevel)
			a.applyOverrides(s)
			if err := eng.ApplySettings(gctx, s); err != nil && !errors.Is(err, dvr.ErrNotRunning) {
				slog.Warn("settings reload rejected", slog.Any("err", err))
			}
		})
		if err != nil {
			// Recording continues without hot reload.
			slog.Warn("settings watcher stopped", slog.Any("err", err))
		}
		return nil
	})

	err = g.Wait()
	slog.Info("shut down")
	return err
}

// runRecover runs startup reconciliation only and lists the resulting recordings.
func runRecover(ctx context.Context, f *flags, out io.Writer) error {
	a, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.newEngine(ctx).Recover(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		_, _ = fmt.Fprintf(out, "%s\t%s\n", r.Key(), r.File)
	}
	_, _ = fmt.Fprintf(out, "%d recording(s)\n", len(recs))
	return nil
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
