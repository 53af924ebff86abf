// Command live-dvr records live streams. It:
//   - Loads configuration from the environment and the settings file and
//     initializes structured logging.
//   - Connects to SQLite or Postgres and runs idempotent migrations.
//   - Reconciles recordings interrupted by a previous crash.
//   - Polls every configured channel, capturing video and chat while live, and
//     enforces retention after each poll.
//   - Exposes /healthz, /readyz, /metrics and a JSON admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM: running captures are stopped and
// remuxed before exit.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("exiting", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

// flags are shared by every subcommand; empty values fall back to the environment.
type flags struct {
	configPath string
	dbDSN      string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "live-dvr",
		Short:         "Record live streams while they are live",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "settings file (default $DVR_CONFIG or dvr.yaml)")
	root.PersistentFlags().StringVar(&f.dbDSN, "db", "", "database DSN (default $DB_DSN or file:dvr.db)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Poll channels, record, and serve the admin API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Reconcile recordings left in progress by a crash, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context(), f, cmd.OutOrStdout())
		},
	})
	return root
}

// logLevel is adjustable at runtime from the settings file.
var logLevel = new(slog.LevelVar)

// parseLevel maps a level name to a slog level.
func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	default:
		return slog.LevelInfo, false
	}
}

// setupLogging configures the default logger (level + format). Defaults: level=info, format=text.
func setupLogging() {
	lvl, ok := parseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	logLevel.Set(lvl)
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

// applySettingsLogLevel honours the settings file's logLevel unless LOG_LEVEL is set.
func applySettingsLogLevel(name string) {
	if os.Getenv("LOG_LEVEL") != "" || name == "" {
		return
	}
	if lvl, ok := parseLevel(name); ok && lvl != logLevel.Level() {
		logLevel.Set(lvl)
		slog.Info("log level changed", slog.String("level", lvl.String()))
	}
}
