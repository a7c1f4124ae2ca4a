package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-radar/config"
	"trading-radar/internal/automation"
	"trading-radar/internal/logger"
	"trading-radar/internal/platform"
)

func main() {
	cfg := config.Load()
	log := logger.Init("automation", cfg.SlogLevel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	clients, err := platform.Open(openCtx, cfg, platform.Options{Journal: true})
	openCancel()
	if err != nil {
		log.Error("platform init failed", "error", err)
		os.Exit(1)
	}
	defer clients.Close(context.Background())

	if err := automation.New(cfg, clients, automation.Options{}).Run(ctx); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}
