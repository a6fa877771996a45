// Command sameroom is the Slack RTM backend process.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Slack over RTM and keeps the session alive, reconnecting with back-off.
//   - Forwards a watched channel's chat lines to a local TCP display (RELAY_CHANNEL).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
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

	"github.com/onnwee/sameroom/chat"
	"github.com/onnwee/sameroom/config"
	"github.com/onnwee/sameroom/identity"
	"github.com/onnwee/sameroom/relay"
	"github.com/onnwee/sameroom/server"
	"github.com/onnwee/sameroom/telemetry"
)

// loggingHandler logs lifecycle callbacks and passes everything on to next.
type loggingHandler struct {
	next chat.Handler
}

func (h loggingHandler) OnMessage(ctx context.Context, msg *chat.Message) {
	telemetry.LoggerWithCorr(ctx).Debug("message", slog.String("type", string(msg.Type)), slog.String("from", msg.From.String()))
	h.next.OnMessage(ctx, msg)
}

func (h loggingHandler) OnPresence(ctx context.Context, who identity.Identifier, status chat.Presence) {
	telemetry.LoggerWithCorr(ctx).Debug("presence", slog.String("who", who.String()), slog.String("status", string(status)))
	h.next.OnPresence(ctx, who, status)
}

func (h loggingHandler) OnConnect(ctx context.Context) {
	telemetry.LoggerWithCorr(ctx).Info("slack session connected")
	h.next.OnConnect(ctx)
}

func (h loggingHandler) OnDisconnect(ctx context.Context) {
	telemetry.LoggerWithCorr(ctx).Info("slack session disconnected")
	h.next.OnDisconnect(ctx)
}

func main() {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load()

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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("sameroom", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	var upstream chat.Handler = chat.NopHandler{}
	if cfg.RelayChannel != "" {
		upstream = relay.New(cfg.RelayChannel, cfg.RelayAddr)
		slog.Info("relay enabled", slog.String("channel", cfg.RelayChannel), slog.String("addr", cfg.RelayAddr))
	}

	adapter, err := chat.NewAdapter(chat.Options{
		Token:            cfg.SlackToken,
		APIURL:           cfg.SlackAPIURL,
		MessageSizeLimit: cfg.MessageSizeLimit,
		PollInterval:     cfg.PollInterval,
		DMCacheSize:      cfg.DMCacheSize,
		MaxReconnects:    cfg.MaxReconnects,
		MaxBackoff:       cfg.MaxBackoff,
		SendRetryWait:    cfg.SendRetryWait,
	}, loggingHandler{next: upstream})
	if err != nil {
		slog.Error("adapter setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Start(ctx, adapter, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if err := adapter.Run(ctx); err != nil {
		slog.Error("slack adapter stopped", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutting down")
}
