package pnl

import "math"

// State is the cumulative accounting record. CurrentGridLevel is set only while a position
// is open.
type State struct {
	AccumulatedLosses float64  `json:"accumulated_losses"`
	DailyPnL          float64  `json:"daily_pnl"`
	TotalTrades       int64    `json:"total_trades"`
	CurrentGridLevel  *float64 `json:"current_grid_level"`
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	out := s
	if s.CurrentGridLevel != nil {
		lvl := *s.CurrentGridLevel
		out.CurrentGridLevel = &lvl
	}
	return out
}

// WithGridLevel returns a copy of s with the grid level set. A nil level clears it.
func (s State) WithGridLevel(level *float64) State {
	out := s.Clone()
	if level == nil {
		out.CurrentGridLevel = nil
		return out
	}
	lvl := *level
	out.CurrentGridLevel = &lvl
	return out
}

// NextStake is the USDT amount to commit to the next trade: the base stake plus every loss
// not yet recovered.
func NextStake(baseStake float64, s State) float64 {
	return baseStake + s.AccumulatedLosses
}

// Apply books one realized trade result and returns the new state together with the amount
// of previously accumulated losses the trade paid back. s is not modified.
func Apply(s State, realized float64) (State, float64) {
	out := s.Clone()
	out.DailyPnL += realized
	out.TotalTrades++

	var recovered float64
	if realized < 0 {
		out.AccumulatedLosses += math.Abs(realized)
	} else if out.AccumulatedLosses > 0 {
		recovered = math.Min(out.AccumulatedLosses, realized)
		out.AccumulatedLosses = math.Max(0, out.AccumulatedLosses-realized)
	}
	return out, recovered
}
