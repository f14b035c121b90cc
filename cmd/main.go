package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"grid-bot/internal/api"
	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
	"grid-bot/internal/exchange/bybit"
	"grid-bot/internal/exchange/hyperliquid"
	"grid-bot/internal/exchange/paper"
	"grid-bot/internal/ledger"
	"grid-bot/internal/logger"
	"grid-bot/internal/metrics"
	"grid-bot/internal/strategy"
	"grid-bot/pkg/ws"
)

func main() {
	configDir := pflag.StringP("config", "c", "config", "directory containing config.yaml")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("grid bot stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("config loaded",
		zap.String("venue", cfg.Exchange.Venue),
		zap.String("symbol", cfg.Strategy.Symbol),
		zap.Float64s("grid_levels", cfg.Strategy.GridLevels),
		zap.String("ledger", cfg.Ledger.Driver),
	)

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Warn("ledger unavailable, running in memory only", zap.Error(err))
		store = ledger.NewMemoryStore()
	}
	defer store.Close()

	var snapshot *ledger.Snapshot
	if cfg.Ledger.SnapshotPath != "" {
		snapshot = ledger.NewSnapshot(cfg.Ledger.SnapshotPath)
	}

	exc, stream, onPrice, err := newVenue(ctx, cfg, log)
	if err != nil {
		return err
	}

	inst, err := exc.Instrument(ctx, cfg.Strategy.Symbol)
	if err != nil {
		return fmt.Errorf("instrument metadata: %w", err)
	}
	log.Info("instrument loaded",
		zap.String("symbol", inst.Symbol),
		zap.Float64("qty_step", inst.QtyStep),
		zap.Float64("min_qty", inst.MinQty),
		zap.Float64("tick_size", inst.TickSize),
	)

	if bal, err := exc.GetBalance(ctx, "USDT"); err != nil {
		log.Warn("balance query failed", zap.Error(err))
	} else {
		log.Info("account balance", zap.Float64("usdt", bal))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	trader, err := strategy.NewGridTrader(cfg.Strategy, exc, inst, store, snapshot, m, log)
	if err != nil {
		return err
	}
	if err := trader.Recover(ctx); err != nil {
		if !errors.Is(err, exchange.ErrMarketData) {
			return err
		}
		log.Warn("startup position check failed, will reconcile on first poll", zap.Error(err))
	}

	onTick := trader.OnTick
	if onPrice != nil {
		onTick = func(t exchange.Tick) {
			onPrice(t.Price)
			trader.OnTick(t)
		}
	}

	server := api.NewServer(trader, store, m.Handler(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := stream.Subscribe(gctx, cfg.Strategy.Symbol, onTick); err != nil {
			return err
		}
		<-gctx.Done()
		return stream.Close()
	})
	g.Go(func() error {
		return trader.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx, fmt.Sprintf(":%d", cfg.App.Port))
	})

	err = g.Wait()
	log.Info("shutting down")
	if serr := trader.Shutdown(context.Background()); serr != nil {
		log.Warn("final state flush failed", zap.Error(serr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newVenue builds the gateway and its price stream. onPrice is non-nil for the paper venue,
// whose simulated fills follow the live public ticker.
func newVenue(ctx context.Context, cfg *config.Config, log *zap.Logger) (exchange.Exchange, exchange.PriceStream, func(float64), error) {
	switch cfg.Exchange.Venue {
	case config.VenueBybit:
		exc := bybit.NewClient(cfg.Exchange.Bybit)
		return exc, ws.NewBybitTickerStream(cfg.Exchange.Bybit.WSURL, log), nil, nil

	case config.VenueHyperliquid:
		exc, err := hyperliquid.NewClient(ctx, cfg.Exchange.Hyperliquid, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return exc, exchange.NewPollingStream(exc, cfg.Strategy.PollInterval(), log), nil, nil

	case config.VenuePaper:
		exc := paper.New(cfg.Exchange.Paper, cfg.Strategy.Symbol, log)
		return exc, ws.NewBybitTickerStream(cfg.Exchange.Bybit.WSURL, log), exc.UpdatePrice, nil

	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown venue %q", config.ErrConfig, cfg.Exchange.Venue)
	}
}
