// Command checksum-sentinel watches a Matrix room for push notices and
// replies with whether comm-central's vendored Rust dependency checksums still
// match mozilla-central.
// It:
//   - Loads .env and the optional config file, and initializes structured logging.
//   - Opens the cursor store (a file by default, or a Postgres kv row).
//   - Runs the sync loop until interrupted or a fatal error occurs.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status and /metrics.
//
// Exit status is 0 after SIGINT/SIGTERM and 1 on configuration or fatal errors.
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

	"github.com/onnwee/checksum-sentinel/bot"
	"github.com/onnwee/checksum-sentinel/checksums"
	"github.com/onnwee/checksum-sentinel/config"
	"github.com/onnwee/checksum-sentinel/db"
	"github.com/onnwee/checksum-sentinel/errclass"
	"github.com/onnwee/checksum-sentinel/matrix"
	"github.com/onnwee/checksum-sentinel/server"
	"github.com/onnwee/checksum-sentinel/storage"
	"github.com/onnwee/checksum-sentinel/telemetry"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("exiting", slog.Any("err", err), slog.String("kind", errclass.KindOf(err).String()))
		os.Exit(1)
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "checksum-sentinel",
		Short: "Matrix bot verifying comm-central Rust dependency checksums",
		Long: `Watches a Matrix room for notices containing the configured push substring,
verifies comm-central's rust/checksums.json against mozilla-central and posts
the result back to the room.

Settings come from the optional config file (TOML, YAML or JSON) and are
overridden by environment variables such as MATRIX_ACCESS_TOKEN.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			// Root context with graceful shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config-file", "c", os.Getenv("CONFIG_FILE"), "path to the configuration file")
	return cmd
}

// run wires the components and blocks until the sync loop returns.
func run(ctx context.Context, cfg *config.Config) error {
	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("checksum-sentinel", version)
	if err != nil {
		return errclass.Config("init tracing", err)
	}
	defer shutdown()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := matrix.NewClient(cfg.Matrix.ServerHost, cfg.Matrix.AccessToken)
	if err != nil {
		return errclass.Config("matrix client", err)
	}
	verifier := checksums.New(cfg.Checksums.BaseURL, cfg.ChangeSet())

	reactor := &bot.Reactor{
		Trigger:  cfg.PushMessageSubstring,
		RoomID:   cfg.Matrix.RoomID,
		Messages: bot.Messages{UpToDate: cfg.Messages.DepsUpToDate, OutOfDate: cfg.Messages.DepsOutOfDate},
		Verifier: verifier,
		Notifier: client,
	}
	loop, err := bot.NewLoop(client, reactor, store, bot.Options{RetryDelay: cfg.RetryDelay})
	if err != nil {
		return err
	}

	if cfg.HTTPEnabled() {
		go func() {
			if err := server.Start(ctx, cfg.HTTPAddr, loop); err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	slog.Info("starting sync loop",
		slog.String("homeserver", client.BaseURL.String()),
		slog.String("room", cfg.Matrix.RoomID),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("mozilla_rev", verifier.ChangeSet.MozillaRev),
		slog.String("comm_rev", verifier.ChangeSet.CommRev),
		slog.Bool("tracing", telemetry.IsTracingEnabled()))
	return loop.Run(ctx)
}

// openStore returns the configured cursor store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, nil, errclass.Io("open cursor database", err)
		}
		closeDB := func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			closeDB()
			return nil, nil, errclass.Io("migrate cursor database", err)
		}
		return storage.NewPostgresStore(database), closeDB, nil
	default:
		fs, err := storage.NewFileStore(cfg.StoreLocation)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using file cursor store", slog.String("path", fs.Path), slog.String("component", "cursor_store"))
		return fs, func() {}, nil
	}
}

