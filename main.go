// Command messagerelay bridges an external websocket message source into
// Matrix rooms. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the relay session supervisor (websocket source -> Matrix).
//   - Starts the Matrix bot listener (admin bind command, tombstone follower).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/messagerelay/config"
	"github.com/onnwee/messagerelay/db"
	"github.com/onnwee/messagerelay/matrix"
	"github.com/onnwee/messagerelay/relay"
	"github.com/onnwee/messagerelay/server"
	"github.com/onnwee/messagerelay/store"
	"github.com/onnwee/messagerelay/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
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
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("messagerelay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Matrix client: the relay cannot do anything useful without it.
	if err := cfg.ValidateMatrixReady(); err != nil {
		slog.Error("matrix not configured", slog.Any("err", err))
		os.Exit(1)
	}
	mx, err := matrix.NewClient(cfg.MatrixHomeserver, cfg.MatrixUserID, cfg.MatrixAccessToken)
	if err != nil {
		slog.Error("failed to build matrix client", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rooms := store.NewRooms(database)
	messages := store.NewMessages(database)

	// Relay session: supervised reconnect loop. A missing api key/uri is
	// fatal for the session only; the bot and HTTP surface keep running.
	session := relay.NewSession(relay.Config{
		APIKey:       cfg.APIKey,
		APIURI:       cfg.APIURI,
		RedactReason: cfg.RedactReason,
		ReadTimeout:  cfg.ReadTimeout,
		PingInterval: cfg.PingInterval,
	}, rooms, messages, mx)
	go relay.StartRelayJob(ctx, session, relay.DefaultRestartPolicy())

	// Matrix bot: bind command + tombstone migration.
	bot := matrix.NewBot(mx, rooms, cfg.Admin)
	go func() {
		if err := bot.Run(ctx); err != nil {
			slog.Error("matrix bot exited with error", slog.Any("err", err))
		}
	}()

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, func() string { return session.State().String() }, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
