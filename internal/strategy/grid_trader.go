// Package strategy runs the grid position state machine: it turns ticks into open, reverse
// and hold decisions, books realized P&L and keeps local state in line with the gateway.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
	"grid-bot/internal/grid"
	"grid-bot/internal/ledger"
	"grid-bot/internal/metrics"
	"grid-bot/internal/pnl"
)

const tickBuffer = 16

type GridTrader struct {
	cfg      config.StrategyConfig
	exc      exchange.Exchange
	inst     *exchange.Instrument
	calc     pnl.Calculator
	tracker  *grid.Tracker
	store    ledger.Store
	snapshot *ledger.Snapshot
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time

	ticks chan exchange.Tick

	// mu serializes every read-decide-act sequence.
	mu        sync.Mutex
	state     State
	durable   bool
	lastPrice float64
	// unloaded is set when the persisted record could not be read from either source. The
	// in-memory record must not replace what is stored until a Recover succeeds.
	unloaded bool

	statusMu sync.RWMutex
	status   Status
}

// NewGridTrader wires the state machine. snapshot may be nil.
func NewGridTrader(
	cfg config.StrategyConfig,
	exc exchange.Exchange,
	inst *exchange.Instrument,
	store ledger.Store,
	snapshot *ledger.Snapshot,
	m *metrics.Metrics,
	log *zap.Logger,
) (*GridTrader, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	levels, err := grid.NewLevels(cfg.GridLevels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	policy, err := grid.ParsePolicy(cfg.CrossingPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	g := &GridTrader{
		cfg:      cfg,
		exc:      exc,
		inst:     inst,
		calc:     pnl.NewCalculator(cfg.FeeRate, cfg.LossBufferPct),
		tracker:  grid.NewTracker(levels, policy),
		store:    store,
		snapshot: snapshot,
		metrics:  m,
		log:      log.Named("grid_trader"),
		now:      time.Now,
		ticks:    make(chan exchange.Tick, tickBuffer),
		durable:  true,
	}
	g.publish()
	return g, nil
}

// Recover restores the accounting record and aligns it with the gateway's position. When the
// primary store cannot be read the JSON snapshot is used instead.
func (g *GridTrader) Recover(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.publish()

	g.unloaded = false
	rec, err := g.store.Load(ctx)
	if err != nil {
		g.log.Warn("ledger load failed, trying snapshot", zap.Error(err))
		g.setDurable(false)
		rec = ledger.Record{}
		g.unloaded = true
		if g.snapshot != nil {
			snap, ok, serr := g.snapshot.Load()
			switch {
			case serr != nil:
				g.log.Warn("snapshot load failed", zap.Error(serr))
			case ok:
				rec = snap
				g.unloaded = false
				g.log.Info("state restored from snapshot", zap.String("path", g.snapshot.Path()))
			}
		}
		if g.unloaded {
			g.log.Error("no readable ledger state, trading from zero in memory only; stored state is left untouched until restart")
		}
	} else if !g.durable {
		g.setDurable(true)
	}

	st := State{Pnl: rec.State.Clone()}
	g.log.Info("ledger state loaded",
		zap.Float64("accumulated_losses", st.Pnl.AccumulatedLosses),
		zap.Float64("daily_pnl", st.Pnl.DailyPnL),
		zap.Int64("total_trades", st.Pnl.TotalTrades),
		zap.Any("current_grid_level", st.Pnl.CurrentGridLevel),
	)

	gwPos, err := g.position(ctx)
	if err != nil {
		st.NeedsReconcile = true
		g.state = st
		return err
	}

	levels := g.tracker.Levels()
	switch {
	case gwPos != nil:
		pos := *gwPos
		level := levels.Nearest(pos.EntryPrice)
		if cur := st.Pnl.CurrentGridLevel; cur != nil && levels.Contains(*cur) {
			level = *cur
		}
		st.Position = &pos
		st.Pnl = st.Pnl.WithGridLevel(&level)
		g.log.Info("adopted open position",
			zap.String("side", string(pos.Side)),
			zap.Float64("size", pos.Size),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("grid_level", level),
		)
	case st.Pnl.CurrentGridLevel != nil:
		g.log.Warn("no open position on gateway, clearing stale grid level",
			zap.Float64("grid_level", *st.Pnl.CurrentGridLevel))
		st.Pnl = st.Pnl.WithGridLevel(nil)
	}

	g.state = st
	g.persist(ctx, st, nil)
	return nil
}

// OnTick is the stream callback. It never blocks: when the buffer is full the oldest tick is
// dropped in favour of the new one.
func (g *GridTrader) OnTick(t exchange.Tick) {
	if err := t.Validate(g.cfg.Symbol); err != nil {
		g.log.Debug("tick rejected", zap.Error(err))
		return
	}
	for {
		select {
		case g.ticks <- t:
			return
		default:
		}
		select {
		case <-g.ticks:
		default:
		}
	}
}

// Run consumes ticks and polls for external closures until ctx is cancelled.
func (g *GridTrader) Run(ctx context.Context) error {
	g.log.Info("starting grid trader",
		zap.String("symbol", g.cfg.Symbol),
		zap.Float64s("levels", g.tracker.Levels()),
		zap.Float64("leverage", g.cfg.Leverage),
		zap.Float64("base_stake", g.cfg.USDT),
	)
	ticker := time.NewTicker(g.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info("stopping grid trader")
			return nil
		case t := <-g.ticks:
			if err := g.HandleTick(ctx, t); err != nil {
				g.log.Warn("tick handling failed", zap.Float64("price", t.Price), zap.Error(err))
			}
		case <-ticker.C:
			if err := g.CheckClosure(ctx); err != nil {
				g.log.Warn("closure check failed", zap.Error(err))
			}
		}
	}
}

// HandleTick feeds one price through the grid and acts on a crossing. Gateway failures leave
// the state untouched and are returned.
func (g *GridTrader) HandleTick(ctx context.Context, t exchange.Tick) error {
	if err := t.Validate(g.cfg.Symbol); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.publish()

	g.lastPrice = t.Price
	level, crossed := g.tracker.Observe(t.Price)
	if !crossed {
		return nil
	}
	g.metrics.Crossings.Inc()
	g.log.Info("grid level crossed", zap.Float64("level", level), zap.Float64("price", t.Price))

	gwPos, err := g.position(ctx)
	if err != nil {
		return err
	}
	st, err := g.reconcile(ctx, g.state.Clone(), gwPos)
	g.state = st
	if err != nil {
		return err
	}

	switch {
	case st.Position == nil:
		st, err = g.open(ctx, st, level, t.Price)
	case st.Pnl.CurrentGridLevel != nil && *st.Pnl.CurrentGridLevel == level:
		st, err = g.reverse(ctx, st, level)
	default:
		g.log.Info("holding position, crossing at another level",
			zap.Float64("crossed", level),
			zap.Float64p("entry_level", st.Pnl.CurrentGridLevel),
		)
	}
	g.state = st
	return err
}

// CheckClosure is the periodic poll. It queries the gateway only while a position is tracked
// or a reconciliation is pending.
func (g *GridTrader) CheckClosure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.publish()

	if g.state.Position == nil && !g.state.NeedsReconcile {
		return nil
	}
	gwPos, err := g.position(ctx)
	if err != nil {
		return err
	}
	st, err := g.reconcile(ctx, g.state.Clone(), gwPos)
	g.state = st
	return err
}

// reconcile makes st agree with the gateway's position. A position that vanished is settled
// as an external closure; a position the machine does not know about is adopted.
func (g *GridTrader) reconcile(ctx context.Context, st State, gwPos *exchange.Position) (State, error) {
	switch {
	case gwPos == nil && st.Position == nil:
		if st.Pnl.CurrentGridLevel != nil {
			st.Pnl = st.Pnl.WithGridLevel(nil)
			g.persist(ctx, st, nil)
		}

	case gwPos == nil:
		return g.settleClosure(ctx, st)

	case st.Position == nil || st.Position.Side != gwPos.Side:
		pos := *gwPos
		level := g.tracker.Levels().Nearest(pos.EntryPrice)
		switch {
		case st.PendingLevel != nil:
			level = *st.PendingLevel
		case st.Pnl.CurrentGridLevel != nil:
			level = *st.Pnl.CurrentGridLevel
		}
		g.log.Warn("adopting gateway position",
			zap.String("side", string(pos.Side)),
			zap.Float64("size", pos.Size),
			zap.Float64("entry", pos.EntryPrice),
			zap.Float64("grid_level", level),
		)
		st.Position = &pos
		st.Pnl = st.Pnl.WithGridLevel(&level)
		g.persist(ctx, st, nil)

	case st.Position.Size != gwPos.Size:
		// Entry stays local: it may have been re-based after a failed reversal.
		g.log.Info("position size synced from gateway",
			zap.Float64("local", st.Position.Size), zap.Float64("gateway", gwPos.Size))
		st.Position.Size = gwPos.Size
	}

	if st.NeedsReconcile {
		g.log.Info("reconciled with gateway")
	}
	st.NeedsReconcile = false
	st.PendingLevel = nil
	g.metrics.SetPositionOpen(st.Position != nil)
	return st, nil
}

// open enters a position at the crossed level. On order failure the state is returned
// unchanged apart from NeedsReconcile.
func (g *GridTrader) open(ctx context.Context, st State, level, price float64) (State, error) {
	side := exchange.SideSell
	if price > level {
		side = exchange.SideBuy
	}
	stake := pnl.NextStake(g.cfg.USDT, st.Pnl)
	qty := g.inst.Quantity(stake, g.cfg.Leverage, price)
	tp, sl := g.targets(side, price)

	if err := g.placeOrder(ctx, side, qty, tp, sl); err != nil {
		st.NeedsReconcile = true
		st.PendingLevel = &level
		return st, err
	}

	st.Position = &exchange.Position{Symbol: g.cfg.Symbol, Side: side, Size: qty, EntryPrice: price}
	st.Pnl = st.Pnl.WithGridLevel(&level)
	g.log.Info("position opened",
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("stake", stake),
		zap.Float64("tp", tp),
		zap.Float64("sl", sl),
		zap.Float64("grid_level", level),
	)
	g.persist(ctx, st, &ledger.Trade{
		Action:                 ledger.ActionOpen,
		Side:                   side,
		GridLevel:              level,
		StakeAmount:            stake,
		AccumulatedLossesAfter: st.Pnl.AccumulatedLosses,
	})
	g.metrics.SetPositionOpen(true)
	return st, nil
}

// reverse closes the current position and opens the opposite side at the recomputed stake
// with a single order. st must already be reconciled.
func (g *GridTrader) reverse(ctx context.Context, st State, level float64) (State, error) {
	price, err := g.price(ctx)
	if err != nil {
		return st, err
	}

	cur := st.Position
	realized := g.calc.Realize(cur.EntryPrice, price, cur.Size, cur.Side)
	booked, recovered := pnl.Apply(st.Pnl, realized)
	stake := pnl.NextStake(g.cfg.USDT, booked)
	qty := g.inst.Quantity(stake, g.cfg.Leverage, price)
	side := cur.Side.Opposite()
	tp, sl := g.targets(side, price)

	if err := g.placeOrder(ctx, side, g.inst.AddQty(cur.Size, qty), tp, sl); err != nil {
		// Keep the booked result and re-base the entry so it is not realized twice.
		st.Pnl = booked
		st.Position = &exchange.Position{Symbol: cur.Symbol, Side: cur.Side, Size: cur.Size, EntryPrice: price}
		st.NeedsReconcile = true
		g.log.Error("reversal order failed, P&L booked at mark price",
			zap.Float64("realized", realized),
			zap.Float64("mark", price),
			zap.Error(err),
		)
		g.persist(ctx, st, &ledger.Trade{
			Action:                 ledger.ActionMark,
			Side:                   cur.Side,
			GridLevel:              level,
			RealizedPnL:            realized,
			AccumulatedLossesAfter: booked.AccumulatedLosses,
		})
		return st, err
	}

	st.Pnl = booked
	st.Position = &exchange.Position{Symbol: g.cfg.Symbol, Side: side, Size: qty, EntryPrice: price}
	g.log.Info("position reversed",
		zap.String("from", string(cur.Side)),
		zap.String("to", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("realized", realized),
		zap.Float64("recovered", recovered),
		zap.Float64("accumulated_losses", booked.AccumulatedLosses),
		zap.Float64("stake", stake),
	)
	g.persist(ctx, st, &ledger.Trade{
		Action:                 ledger.ActionReverse,
		Side:                   side,
		GridLevel:              level,
		StakeAmount:            stake,
		RealizedPnL:            realized,
		AccumulatedLossesAfter: booked.AccumulatedLosses,
	})
	return st, nil
}

// settleClosure books a position the gateway closed on its own, using the current price as
// the exit.
func (g *GridTrader) settleClosure(ctx context.Context, st State) (State, error) {
	price, err := g.price(ctx)
	if err != nil {
		return st, err
	}

	cur := st.Position
	var level float64
	if st.Pnl.CurrentGridLevel != nil {
		level = *st.Pnl.CurrentGridLevel
	}
	realized := g.calc.Realize(cur.EntryPrice, price, cur.Size, cur.Side)
	booked, recovered := pnl.Apply(st.Pnl, realized)

	st.Pnl = booked.WithGridLevel(nil)
	st.Position = nil
	st.NeedsReconcile = false
	st.PendingLevel = nil
	g.log.Info("position closed externally",
		zap.String("side", string(cur.Side)),
		zap.Float64("entry", cur.EntryPrice),
		zap.Float64("exit", price),
		zap.Float64("realized", realized),
		zap.Float64("recovered", recovered),
		zap.Float64("accumulated_losses", booked.AccumulatedLosses),
	)
	g.persist(ctx, st, &ledger.Trade{
		Action:                 ledger.ActionClose,
		Side:                   cur.Side,
		GridLevel:              level,
		RealizedPnL:            realized,
		AccumulatedLossesAfter: booked.AccumulatedLosses,
	})
	g.metrics.SetPositionOpen(false)
	return st, nil
}

func (g *GridTrader) targets(side exchange.Side, price float64) (tp, sl float64) {
	tp, sl = pnl.Targets(side, price, g.cfg.Leverage, g.cfg.TPROE, g.cfg.SLROE)
	return g.inst.RoundPrice(tp), g.inst.RoundPrice(sl)
}

func (g *GridTrader) placeOrder(ctx context.Context, side exchange.Side, qty, tp, sl float64) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout())
	defer cancel()

	resp, err := g.exc.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:     g.cfg.Symbol,
		Side:       side,
		Size:       qty,
		TakeProfit: tp,
		StopLoss:   sl,
	})
	if err != nil {
		g.metrics.Orders.WithLabelValues(string(side), "error").Inc()
		g.metrics.GatewayErrors.WithLabelValues("order").Inc()
		return err
	}
	g.metrics.Orders.WithLabelValues(string(side), "ok").Inc()
	g.log.Debug("order accepted", zap.String("order_id", resp.OrderID), zap.String("status", resp.Status))
	return nil
}

func (g *GridTrader) price(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout())
	defer cancel()

	price, err := g.exc.GetPrice(ctx, g.cfg.Symbol)
	if err != nil {
		g.metrics.GatewayErrors.WithLabelValues("price").Inc()
		return 0, err
	}
	return price, nil
}

func (g *GridTrader) position(ctx context.Context) (*exchange.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout())
	defer cancel()

	pos, err := g.exc.GetPosition(ctx, g.cfg.Symbol)
	if err != nil {
		g.metrics.GatewayErrors.WithLabelValues("position").Inc()
		return nil, err
	}
	return pos, nil
}

// persist commits the record and optional trade in one write and mirrors the record to the
// snapshot. A failed commit degrades to in-memory operation instead of stopping.
func (g *GridTrader) persist(ctx context.Context, st State, trade *ledger.Trade) {
	ctx = context.WithoutCancel(ctx)
	rec := ledger.Record{State: st.Pnl.Clone(), UpdatedAt: g.now()}
	if trade != nil {
		trade.Timestamp = rec.UpdatedAt
		g.metrics.Trades.WithLabelValues(string(trade.Action)).Inc()
	}

	if g.unloaded {
		g.log.Warn("ledger state unread, record kept in memory only",
			zap.Float64("accumulated_losses", rec.AccumulatedLosses),
			zap.Any("trade", trade),
		)
		g.metrics.SetPnL(rec.AccumulatedLosses, rec.DailyPnL)
		return
	}

	if err := g.store.Commit(ctx, rec, trade); err != nil {
		if g.durable {
			g.log.Warn("ledger write failed, continuing in memory only", zap.Error(err))
		}
		g.setDurable(false)
	} else if !g.durable {
		g.log.Info("ledger writes recovered")
		g.setDurable(true)
	}

	if g.snapshot != nil {
		if err := g.snapshot.Save(rec); err != nil {
			g.log.Warn("snapshot write failed", zap.Error(err))
		}
	}
	g.metrics.SetPnL(rec.AccumulatedLosses, rec.DailyPnL)
}

func (g *GridTrader) setDurable(ok bool) {
	g.durable = ok
	g.metrics.SetDurable(ok)
}

// Shutdown writes the final record and backs up the snapshot.
func (g *GridTrader) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unloaded {
		g.log.Warn("ledger state was never read, skipping final write")
		return nil
	}

	rec := ledger.Record{State: g.state.Pnl.Clone(), UpdatedAt: g.now()}
	err := g.store.Commit(context.WithoutCancel(ctx), rec, nil)
	if err != nil {
		g.log.Warn("final ledger write failed", zap.Error(err))
	}

	if g.snapshot != nil {
		if serr := g.snapshot.Save(rec); serr != nil {
			g.log.Warn("final snapshot write failed", zap.Error(serr))
		} else if path, berr := g.snapshot.Backup(g.now()); berr != nil {
			g.log.Warn("snapshot backup failed", zap.Error(berr))
		} else {
			g.log.Info("state backed up", zap.String("path", path))
		}
	}
	return err
}

// State returns a copy of the current state.
func (g *GridTrader) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Clone()
}

// Status returns the last published view without touching the state machine lock.
func (g *GridTrader) Status() Status {
	g.statusMu.RLock()
	defer g.statusMu.RUnlock()
	s := g.status
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	s.Pnl = s.Pnl.Clone()
	s.GridLevels = append([]float64(nil), s.GridLevels...)
	return s
}

// publish refreshes the status view. Callers hold mu.
func (g *GridTrader) publish() {
	st := g.state.Clone()
	status := Status{
		Symbol:         g.cfg.Symbol,
		Venue:          g.exc.Name(),
		LastPrice:      g.lastPrice,
		Position:       st.Position,
		Pnl:            st.Pnl,
		NextStake:      pnl.NextStake(g.cfg.USDT, st.Pnl),
		NeedsReconcile: st.NeedsReconcile,
		LedgerDurable:  g.durable,
		GridLevels:     append([]float64(nil), g.tracker.Levels()...),
		UpdatedAt:      g.now(),
	}

	g.statusMu.Lock()
	g.status = status
	g.statusMu.Unlock()
}
