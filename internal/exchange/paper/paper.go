// Package paper is an in-memory gateway. It fills market orders at the last known price and
// simulates take-profit and stop-loss triggers as prices arrive.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
)

type position struct {
	exchange.Position
	takeProfit float64
	stopLoss   float64
}

// Exchange keeps a single mutable price and at most one position for one symbol.
type Exchange struct {
	inst exchange.Instrument
	log  *zap.Logger

	mu      sync.Mutex
	price   float64
	balance float64
	pos     *position
	closed  []exchange.ClosedPnL
}

func New(cfg config.PaperConfig, symbol string, log *zap.Logger) *Exchange {
	return &Exchange{
		inst: exchange.Instrument{
			Symbol:   symbol,
			QtyStep:  cfg.QtyStep,
			MinQty:   cfg.MinQty,
			TickSize: cfg.TickSize,
		},
		log:     log.Named("paper"),
		price:   cfg.StartPrice,
		balance: cfg.Balance,
	}
}

var _ exchange.Exchange = (*Exchange)(nil)

func (e *Exchange) Name() string { return config.VenuePaper }

func (e *Exchange) Instrument(ctx context.Context, symbol string) (*exchange.Instrument, error) {
	if symbol != e.inst.Symbol {
		return nil, fmt.Errorf("%w: paper venue trades %s only", exchange.ErrInstrument, e.inst.Symbol)
	}
	inst := e.inst
	return &inst, inst.Validate()
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price <= 0 {
		return 0, fmt.Errorf("%w: no paper price yet", exchange.ErrMarketData)
	}
	return e.price, nil
}

func (e *Exchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return nil, nil
	}
	p := e.pos.Position
	p.UnrealizedPnL = signedPnL(p.Side, p.EntryPrice, e.price, p.Size)
	return &p, nil
}

// GetClosedPnL returns the newest closures first.
func (e *Exchange) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]exchange.ClosedPnL, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []exchange.ClosedPnL
	for i := len(e.closed) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.closed[i])
	}
	return out, nil
}

// PlaceOrder fills at the current price. An order against the open position reduces it and
// any excess opens the opposite side.
func (e *Exchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResponse, error) {
	if req.Symbol != e.inst.Symbol || !req.Side.Valid() || req.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid paper order %+v", exchange.ErrOrder, *req)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price <= 0 {
		return nil, fmt.Errorf("%w: no paper price yet", exchange.ErrOrder)
	}

	orderID := uuid.NewString()
	size := req.Size

	if e.pos != nil && e.pos.Side != req.Side {
		closing := size
		if closing > e.pos.Size {
			closing = e.pos.Size
		}
		e.realize(orderID, closing, e.price)
		size -= closing
	} else if e.pos != nil {
		total := e.pos.Size + size
		e.pos.EntryPrice = (e.pos.EntryPrice*e.pos.Size + e.price*size) / total
		e.pos.Size = total
		size = 0
	}

	if size > 0 && !req.ReduceOnly {
		e.pos = &position{Position: exchange.Position{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Size:       size,
			EntryPrice: e.price,
		}}
	}
	if e.pos != nil {
		if req.TakeProfit > 0 {
			e.pos.takeProfit = req.TakeProfit
		}
		if req.StopLoss > 0 {
			e.pos.stopLoss = req.StopLoss
		}
	}

	e.log.Info("paper fill",
		zap.String("order_id", orderID),
		zap.String("side", string(req.Side)),
		zap.Float64("size", req.Size),
		zap.Float64("price", e.price),
	)
	return &exchange.OrderResponse{OrderID: orderID, Status: "filled"}, nil
}

// UpdatePrice moves the simulated market and fires TP/SL when the price crosses either target.
func (e *Exchange) UpdatePrice(price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = price
	if e.pos == nil {
		return
	}

	p := e.pos
	var exit float64
	switch p.Side {
	case exchange.SideBuy:
		if p.takeProfit > 0 && price >= p.takeProfit {
			exit = p.takeProfit
		} else if p.stopLoss > 0 && price <= p.stopLoss {
			exit = p.stopLoss
		}
	case exchange.SideSell:
		if p.takeProfit > 0 && price <= p.takeProfit {
			exit = p.takeProfit
		} else if p.stopLoss > 0 && price >= p.stopLoss {
			exit = p.stopLoss
		}
	}
	if exit == 0 {
		return
	}

	e.log.Info("paper tp/sl triggered", zap.String("side", string(p.Side)), zap.Float64("exit", exit))
	e.realize(uuid.NewString(), p.Size, exit)
}

// realize closes qty of the open position at exit. Callers hold mu.
func (e *Exchange) realize(orderID string, qty, exit float64) {
	p := e.pos
	pnl := signedPnL(p.Side, p.EntryPrice, exit, qty)
	e.balance += pnl
	e.closed = append(e.closed, exchange.ClosedPnL{
		OrderID:     orderID,
		Side:        p.Side,
		Qty:         qty,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		UpdatedAt:   time.Now(),
	})

	p.Size -= qty
	if p.Size <= 1e-12 {
		e.pos = nil
	}
}

func signedPnL(side exchange.Side, entry, exit, qty float64) float64 {
	if side == exchange.SideBuy {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
