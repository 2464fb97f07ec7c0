// Package main provides the chat relay binary: the HTTP command API, the
// realtime WebSocket endpoint, the idle-session reaper and a gRPC health
// service.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/api"
	"github.com/HernanFAR/PrivateChat/internal/chat/admission"
	"github.com/HernanFAR/PrivateChat/internal/chat/presence"
	"github.com/HernanFAR/PrivateChat/internal/chat/room"
	"github.com/HernanFAR/PrivateChat/internal/chat/session"
	"github.com/HernanFAR/PrivateChat/internal/config"
	"github.com/HernanFAR/PrivateChat/internal/identity"
	"github.com/HernanFAR/PrivateChat/internal/observability"
	"github.com/HernanFAR/PrivateChat/internal/realtime"
	"github.com/HernanFAR/PrivateChat/internal/server"
)

func main() {
	start := time.Now()

	configPath := pflag.StringP("config", "c", "configs/dev.yaml", "path to configuration file")
	envFile := pflag.String("env-file", ".env", "optional file of CHAT_* environment overrides")
	pflag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading env file %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat relay",
		zap.String("http_addr", cfg.Server.Addr()),
		zap.Int("health_port", cfg.Server.HealthPort),
	)

	registry := session.NewRegistry()
	ids := identity.NewService(cfg.Identity, nil)
	hub := realtime.NewHub(cfg.Presence, ids, observability.Component(logger, "realtime"))
	router := room.NewRouter(registry, hub, observability.Component(logger, "router"), nil)
	heartbeat := presence.NewHeartbeat()
	hooks := presence.NewLifecycle(registry, router, heartbeat, observability.Component(logger, "presence"), nil)
	reaper := presence.NewReaper(registry, router, heartbeat,
		cfg.Presence.SweepInterval, cfg.Presence.IdleTimeout,
		observability.Component(logger, "reaper"), nil)
	limiter := admission.NewTokenBucket(cfg.Admission.Capacity, cfg.Admission.RefillTokens, cfg.Admission.RefillPeriod, nil)

	handler := api.NewHandler(ids, registry, router, hooks, limiter, observability.Component(logger, "api"), nil)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Routes(hub.Handler(hooks)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          observability.StdLogger(logger),
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	lifecycle.Add("realtime", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: hub.Close,
	})
	lifecycle.Add("reaper", server.NewTaskService(reaper.Run))
	lifecycle.Add("http", server.NewHTTPService(httpServer, logger))
	if cfg.Server.HealthPort != 0 {
		lifecycle.Add("health", server.NewHealthService(cfg.Server.HealthAddr(), logger, observability.ServiceName))
	}

	logger.Info("chat relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Duration("idle_timeout", cfg.Presence.IdleTimeout),
		zap.Int("admission_capacity", cfg.Admission.Capacity),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
