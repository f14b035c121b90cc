// Package metrics holds the Prometheus collectors the grid trader updates:
//
//	gridbot_crossings_total                 grid level crossings observed
//	gridbot_trades_total{action}            trade log rows written (open|reverse|close|mark)
//	gridbot_orders_total{side,result}       orders submitted (result: ok|error)
//	gridbot_gateway_errors_total{op}        failed gateway calls (price|position|order)
//	gridbot_accumulated_losses_usdt         unrecovered loss buffer
//	gridbot_daily_pnl_usdt                  running realized P&L
//	gridbot_position_open                   1 while a position is tracked
//	gridbot_ledger_durable                  0 after a ledger write failed
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Crossings         prometheus.Counter
	Trades            *prometheus.CounterVec
	Orders            *prometheus.CounterVec
	GatewayErrors     *prometheus.CounterVec
	AccumulatedLosses prometheus.Gauge
	DailyPnL          prometheus.Gauge
	PositionOpen      prometheus.Gauge
	LedgerDurable     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Crossings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_crossings_total",
			Help: "Grid level crossings observed",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_trades_total",
			Help: "Trade log rows written",
		}, []string{"action"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_orders_total",
			Help: "Orders submitted to the gateway",
		}, []string{"side", "result"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridbot_gateway_errors_total",
			Help: "Failed gateway calls",
		}, []string{"op"}),
		AccumulatedLosses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_accumulated_losses_usdt",
			Help: "Unrecovered loss buffer in USDT",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_daily_pnl_usdt",
			Help: "Running realized P&L in USDT",
		}),
		PositionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_position_open",
			Help: "1 while a position is tracked",
		}),
		LedgerDurable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_ledger_durable",
			Help: "1 while ledger writes succeed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.Crossings, m.Trades, m.Orders, m.GatewayErrors,
		m.AccumulatedLosses, m.DailyPnL, m.PositionOpen, m.LedgerDurable,
	)
	m.LedgerDurable.Set(1)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetPositionOpen flips the position gauge.
func (m *Metrics) SetPositionOpen(open bool) { boolGauge(m.PositionOpen, open) }

// SetDurable flips the ledger durability gauge.
func (m *Metrics) SetDurable(ok bool) { boolGauge(m.LedgerDurable, ok) }

// SetPnL mirrors the accounting record.
func (m *Metrics) SetPnL(accumulatedLosses, dailyPnL float64) {
	m.AccumulatedLosses.Set(accumulatedLosses)
	m.DailyPnL.Set(dailyPnL)
}
