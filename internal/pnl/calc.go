// Package pnl holds the pure accounting rules of the grid trader: realized profit and loss,
// loss-recovery sizing and take-profit / stop-loss prices.
package pnl

import (
	"math"

	"grid-bot/internal/exchange"
)

const (
	// DefaultFeeRate is the taker fee charged per side on the target venue.
	DefaultFeeRate = 0.00055
	// DefaultLossBufferPct is added on top of every realized loss.
	DefaultLossBufferPct = 3.0
)

// Calculator realizes P&L for a closed or reversed position.
type Calculator struct {
	FeeRate       float64
	LossBufferPct float64
}

func NewCalculator(feeRate, lossBufferPct float64) Calculator {
	return Calculator{FeeRate: feeRate, LossBufferPct: lossBufferPct}
}

// Realize returns the P&L of closing size units opened at entry and closed at exit, net of
// entry and exit fees. Losses are enlarged by the safety buffer so the recovery buffer is
// never under-provisioned.
func (c Calculator) Realize(entry, exit, size float64, side exchange.Side) float64 {
	var raw float64
	if side == exchange.SideBuy {
		raw = (exit - entry) * size
	} else {
		raw = (entry - exit) * size
	}

	entryFee := size * entry * c.FeeRate
	exitFee := size * exit * c.FeeRate
	afterFees := raw - entryFee - exitFee

	if afterFees < 0 {
		return afterFees - math.Abs(afterFees)*c.LossBufferPct/100
	}
	return afterFees
}
