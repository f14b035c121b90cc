package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tick is a validated last-trade price for one symbol.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Validate rejects ticks that must never reach the state machine.
func (t Tick) Validate(symbol string) error {
	if t.Symbol != symbol {
		return fmt.Errorf("tick for %q, want %q", t.Symbol, symbol)
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return fmt.Errorf("invalid tick price %v", t.Price)
	}
	return nil
}

// PollingStream turns GetPrice polling into a tick stream for venues without a usable
// public ticker feed.
type PollingStream struct {
	exc      Exchange
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPollingStream(exc Exchange, interval time.Duration, log *zap.Logger) *PollingStream {
	return &PollingStream{exc: exc, interval: interval, log: log.Named("poll_stream")}
}

var _ PriceStream = (*PollingStream)(nil)

func (p *PollingStream) Subscribe(ctx context.Context, symbol string, onTick func(Tick)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("polling stream already subscribed")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				price, err := p.exc.GetPrice(ctx, symbol)
				if err != nil {
					p.log.Warn("price poll failed", zap.String("symbol", symbol), zap.Error(err))
					continue
				}
				onTick(Tick{Symbol: symbol, Price: price, Time: time.Now()})
			}
		}
	}()
	return nil
}

func (p *PollingStream) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}
