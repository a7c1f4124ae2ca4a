// cmd/tickserver serves a simulated KuCoin public feed for local runs of the
// radar without exchange access. Point KUCOIN_SPOT_API and KUCOIN_FUTURES_API
// at it.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_PRICES       comma-separated SYMBOL:PRICE starting prices
//	                  (default "BTC-USDT:60000,ETH-USDT:3000,XBTUSDTM:60000")
//	TICK_INTERVAL_MS  random-walk interval in milliseconds (default 100)
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trading-radar/internal/feed/kucoinsim"
	"trading-radar/internal/logger"
)

func main() {
	godotenv.Load()
	log := logger.Init("tickserver", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	addr := getEnv("TICK_SERVER_ADDR", ":9001")
	prices := kucoinsim.ParsePrices(getEnv("TICK_PRICES", "BTC-USDT:60000,ETH-USDT:3000,XBTUSDTM:60000"))
	if len(prices) == 0 {
		log.Error("no valid TICK_PRICES")
		os.Exit(1)
	}
	intervalMs, err := strconv.Atoi(getEnv("TICK_INTERVAL_MS", "100"))
	if err != nil || intervalMs <= 0 {
		intervalMs = 100
	}

	sim := kucoinsim.New(kucoinsim.Options{TickInterval: time.Duration(intervalMs) * time.Millisecond}, prices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go sim.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: sim}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	log.Info("tick server listening", "addr", addr, "symbols", len(prices), "interval_ms", intervalMs, "ws_path", kucoinsim.WSPath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
