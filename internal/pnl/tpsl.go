package pnl

import "grid-bot/internal/exchange"

// Targets converts margin-denominated ROE thresholds into take-profit and stop-loss prices.
// Dividing by leverage turns a percent of margin into a percent of price.
func Targets(side exchange.Side, entry, leverage, tpROE, slROE float64) (tp, sl float64) {
	tpMove := tpROE / 100 / leverage
	slMove := slROE / 100 / leverage
	if side == exchange.SideBuy {
		return entry * (1 + tpMove), entry * (1 - slMove)
	}
	return entry * (1 - tpMove), entry * (1 + slMove)
}
