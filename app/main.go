package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"GreetingCardBot/internal/config"
	"GreetingCardBot/internal/graceful"
	"GreetingCardBot/internal/httpserver"
	"GreetingCardBot/internal/queue"
	"GreetingCardBot/internal/render"
	"GreetingCardBot/internal/repositories"
	"GreetingCardBot/internal/telegram"
	"GreetingCardBot/internal/utils/logger/handlers/slogpretty"
	"GreetingCardBot/internal/utils/logger/sl"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

var Version = "0.1"

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info(
		"starting greeting card bot",
		slog.String("env", cfg.Env),
		slog.String("version", Version),
		slog.Int("bots", len(cfg.Bots)),
	)

	var repositoryService *repositories.Repository
	var auditLog telegram.AuditLog
	if cfg.DBConfig.Enabled {
		repositoryService = repositories.New(log, cfg)
		auditLog = repositoryService
	}

	renderClient, err := render.New(context.Background(), log, cfg.GoogleConfig, cfg.Limits)
	if err != nil {
		log.Error("error creating render client", sl.Err(err))
		os.Exit(1)
	}

	pool := queue.NewPool(log, renderClient,
		cfg.Limits.QueueCapacity, cfg.Limits.Workers, cfg.Limits.RenderTimeout)
	pool.Start()

	webhooks := make(map[string]http.Handler, len(cfg.Bots))
	bots := make([]*telegram.Bot, 0, len(cfg.Bots))
	for _, botCfg := range cfg.Bots {
		cardBot := telegram.New(log, botCfg, cfg.Limits, pool, auditLog)
		if cardBot == nil {
			log.Error("error creating telegram bot", slog.String("bot_id", botCfg.ID))
			os.Exit(1)
		}
		webhooks[botCfg.WebhookPath] = cardBot.WebhookHandler()
		bots = append(bots, cardBot)
	}

	server := httpserver.New(log, cfg.HttpServer, webhooks)

	ops := map[string]graceful.Operation{
		"HTTP server": func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
		"Worker pool": func(ctx context.Context) error {
			return pool.Shutdown(ctx)
		},
	}
	for _, cardBot := range bots {
		ops["Telegram bot "+cardBot.ID()] = cardBot.Shutdown
	}
	if repositoryService != nil {
		ops["Repository service"] = func(ctx context.Context) error {
			return repositoryService.Shutdown(ctx)
		}
	}

	maxSecond := 15 * time.Second
	waitShutdown := graceful.GracefulShutdown(
		context.Background(),
		maxSecond,
		ops,
		log,
	)

	for _, cardBot := range bots {
		go cardBot.Start()
	}
	go server.Start()

	<-waitShutdown
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog(slog.LevelDebug)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = setupPrettySlog(slog.LevelInfo)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog(level slog.Level) *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: level,
		},
	}
	handler := opts.NewPrettyHandler(os.Stdout)
	return slog.New(handler)
}
