package exchange

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy for gateway calls. Venue clients wrap their failures with one of these so
// callers can branch with errors.Is.
var (
	// ErrMarketData covers price and position query failures. Recoverable: skip the cycle.
	ErrMarketData = errors.New("market data error")
	// ErrOrder covers order placement failures. The outcome on the venue may be unknown.
	ErrOrder = errors.New("order error")
	// ErrInstrument means instrument metadata is unavailable. Fatal at startup.
	ErrInstrument = errors.New("instrument metadata unavailable")
)

// Exchange defines the execution gateway the grid trader talks to.
type Exchange interface {
	Name() string

	// Market Data
	Instrument(ctx context.Context, symbol string) (*Instrument, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// Account
	GetBalance(ctx context.Context, asset string) (float64, error)
	// GetPosition returns nil and no error when the venue reports no open position.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetClosedPnL(ctx context.Context, symbol string, limit int) ([]ClosedPnL, error)

	// Trading
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
}

// PriceStream delivers ticks asynchronously. onTick may be invoked from the stream's own
// goroutine and must not block.
type PriceStream interface {
	Subscribe(ctx context.Context, symbol string, onTick func(Tick)) error
	Close() error
}

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side that closes or reverses s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Position is a single open position. Buy is long, Sell is short; Size is always positive.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

type OrderRequest struct {
	Symbol     string
	Side       Side
	Size       float64
	TakeProfit float64 // 0 means none
	StopLoss   float64 // 0 means none
	ReduceOnly bool
}

type OrderResponse struct {
	OrderID string
	Status  string
}

// ClosedPnL is one venue-side closed position record. Advisory only.
type ClosedPnL struct {
	OrderID     string
	Side        Side
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	UpdatedAt   time.Time
}
