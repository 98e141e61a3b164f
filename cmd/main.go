package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	httpapi "github.com/velora-app/callkit/internal/api/http"
	"github.com/velora-app/callkit/internal/callui"
	"github.com/velora-app/callkit/internal/config"
	"github.com/velora-app/callkit/internal/domain"
	"github.com/velora-app/callkit/internal/engine"
	"github.com/velora-app/callkit/internal/ice"
	"github.com/velora-app/callkit/internal/protocol"
	"github.com/velora-app/callkit/internal/signaling"
	"github.com/velora-app/callkit/lib/logger/slogpretty"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Error("AUTH_TOKEN is not set")
		os.Exit(1)
	}

	role, err := resolveRole(token, cfg.Call.VideoRole)
	if err != nil {
		log.Error("failed to resolve video role", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	servers := ice.Assemble(ctx, cfg.WebRTC, token, log)

	client := signaling.New(cfg.Signaling, log)
	if err := client.Connect(ctx, token, role); err != nil {
		log.Error("failed to connect signaling channel", slog.Any("error", err))
		os.Exit(1)
	}
	defer client.Disconnect()

	provider := engine.NewMediaProvider(cfg.WebRTC.DisableMedia, log)
	eng := engine.New(provider, client, servers, log)
	gate := protocol.NewVideoGate(role, log)

	adapter := callui.New(client, eng, gate, *cfg, log)
	stop := adapter.Start()
	defer stop()

	callController := httpapi.NewCallController(adapter)
	router := httpapi.SetupRouter(callController)

	log.Info("starting application",
		slog.String("addr", cfg.HTTP.Address),
		slog.String("role", string(role)),
	)
	if err := router.Run(cfg.HTTP.Address); err != nil {
		log.Error("http server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveRole(token, override string) (domain.Role, error) {
	if override != "" {
		role := domain.Role(override)
		if !role.Valid() {
			return "", errors.New("invalid video_role override: " + override)
		}
		return role, nil
	}
	return domain.RoleFromToken(token)
}

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
