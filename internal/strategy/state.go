package strategy

import (
	"time"

	"grid-bot/internal/exchange"
	"grid-bot/internal/pnl"
)

// State is everything a transition reads and writes. Transitions take a State and return the
// next one; the trader stores the result only after the transition finishes.
type State struct {
	// Position is nil while Flat.
	Position *exchange.Position
	Pnl      pnl.State
	// NeedsReconcile is set when an order outcome is unknown. The gateway is re-queried before
	// the next decision.
	NeedsReconcile bool
	// PendingLevel is the level of an open whose outcome is unknown. A position adopted by the
	// next reconcile is assigned this level.
	PendingLevel *float64
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	out := s
	out.Pnl = s.Pnl.Clone()
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	if s.PendingLevel != nil {
		lvl := *s.PendingLevel
		out.PendingLevel = &lvl
	}
	return out
}

// Consistent reports whether the grid level is set exactly when a position is held.
func (s State) Consistent() bool {
	return (s.Position == nil) == (s.Pnl.CurrentGridLevel == nil)
}

// Status is the read-only view published for the API.
type Status struct {
	Symbol         string             `json:"symbol"`
	Venue          string             `json:"venue"`
	LastPrice      float64            `json:"last_price"`
	Position       *exchange.Position `json:"position"`
	Pnl            pnl.State          `json:"pnl"`
	NextStake      float64            `json:"next_stake"`
	NeedsReconcile bool               `json:"needs_reconcile"`
	LedgerDurable  bool               `json:"ledger_durable"`
	GridLevels     []float64          `json:"grid_levels"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
