package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
	"grid-bot/internal/grid"
	"grid-bot/internal/logger"
	"grid-bot/pkg/ws"
)

// stream_check subscribes to the public ticker and logs every tick and the grid crossings it
// would produce, without touching any account.
func main() {
	configDir := pflag.StringP("config", "c", "config", "directory containing config.yaml")
	url := pflag.String("url", "", "override the ticker websocket url")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("debug", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	levels, err := grid.NewLevels(cfg.Strategy.GridLevels)
	if err != nil {
		log.Fatal("invalid grid", zap.Error(err))
	}
	policy, _ := grid.ParsePolicy(cfg.Strategy.CrossingPolicy)
	tracker := grid.NewTracker(levels, policy)

	wsURL := cfg.Exchange.Bybit.WSURL
	if *url != "" {
		wsURL = *url
	}
	stream := ws.NewBybitTickerStream(wsURL, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticks := make(chan exchange.Tick, 64)
	err = stream.Subscribe(ctx, cfg.Strategy.Symbol, func(t exchange.Tick) {
		select {
		case ticks <- t:
		default:
		}
	})
	if err != nil {
		log.Fatal("subscribe failed", zap.Error(err))
	}
	defer stream.Close()

	log.Info("subscribed, press Ctrl+C to exit", zap.String("symbol", cfg.Strategy.Symbol), zap.String("url", wsURL))
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case t := <-ticks:
			zone := levels.Zone(t.Price)
			log.Debug("tick", zap.Float64("price", t.Price), zap.Int("zone", zone), zap.Time("ts", t.Time))
			if lvl, ok := tracker.Observe(t.Price); ok {
				log.Info("crossing", zap.Float64("level", lvl), zap.Float64("price", t.Price))
			}
		}
	}
}
