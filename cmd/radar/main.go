package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-radar/config"
	"trading-radar/internal/logger"
	"trading-radar/internal/platform"
	"trading-radar/internal/radar"
)

func main() {
	cfg := config.Load()
	log := logger.Init("radar", cfg.SlogLevel())
	if cfg.HTTPAddr != "" {
		cfg.JWTSecret = cfg.RequireJWTSecret()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	clients, err := platform.Open(openCtx, cfg, platform.Options{Redis: true})
	openCancel()
	if err != nil {
		log.Error("platform init failed", "error", err)
		os.Exit(1)
	}
	defer clients.Close(context.Background())

	svc, err := radar.New(cfg, clients, radar.Options{})
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}
	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
