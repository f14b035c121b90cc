// Package ledger persists the cumulative P&L record and the append-only trade log.
package ledger

import (
	"context"
	"errors"
	"time"

	"grid-bot/internal/exchange"
	"grid-bot/internal/pnl"
)

// ErrPersistence wraps every read or write failure of a ledger backend. Callers degrade to
// in-memory operation instead of stopping.
var ErrPersistence = errors.New("persistence error")

// Action labels why a trade row was written.
type Action string

const (
	ActionOpen    Action = "open"
	ActionReverse Action = "reverse"
	ActionClose   Action = "close"
	// ActionMark books P&L realized at a mark price when a reversal order failed.
	ActionMark Action = "mark"
)

// Record is the single mutable state row.
type Record struct {
	pnl.State
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is write-once.
type Trade struct {
	ID                     int64         `json:"id"`
	Timestamp              time.Time     `json:"timestamp"`
	Action                 Action        `json:"action"`
	Side                   exchange.Side `json:"side"`
	GridLevel              float64       `json:"grid_level"`
	StakeAmount            float64       `json:"stake_amount"`
	RealizedPnL            float64       `json:"realized_pnl"`
	AccumulatedLossesAfter float64       `json:"accumulated_losses_after"`
}

// Store is implemented by every backend.
type Store interface {
	// Load returns the persisted record, or a zero record when nothing was stored yet.
	Load(ctx context.Context) (Record, error)
	// Commit replaces the state record and, when trade is non-nil, appends it. Both happen
	// atomically: a reader sees either neither or both.
	Commit(ctx context.Context, rec Record, trade *Trade) error
	// Trades returns up to limit trades, newest first.
	Trades(ctx context.Context, limit int) ([]Trade, error)
	Close() error
}
