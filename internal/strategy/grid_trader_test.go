package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
	"grid-bot/internal/exchange/paper"
	"grid-bot/internal/ledger"
	"grid-bot/internal/metrics"
	"grid-bot/internal/pnl"
)

const symbol = "SOLUSDT"

// fakeExchange is the paper venue with injectable failures.
type fakeExchange struct {
	*paper.Exchange

	mu       sync.Mutex
	orderErr error
	priceErr error
	posErr   error
	// fillOnError makes a failing order still reach the venue, as with a timed-out request.
	fillOnError bool
	orders      []exchange.OrderRequest
}

func (f *fakeExchange) set(fn func(f *fakeExchange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResponse, error) {
	f.mu.Lock()
	f.orders = append(f.orders, *req)
	err, fill := f.orderErr, f.fillOnError
	f.mu.Unlock()

	if err != nil {
		if fill {
			f.Exchange.PlaceOrder(ctx, req)
		}
		return nil, err
	}
	return f.Exchange.PlaceOrder(ctx, req)
}

func (f *fakeExchange) GetPrice(ctx context.Context, s string) (float64, error) {
	f.mu.Lock()
	err := f.priceErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Exchange.GetPrice(ctx, s)
}

func (f *fakeExchange) GetPosition(ctx context.Context, s string) (*exchange.Position, error) {
	f.mu.Lock()
	err := f.posErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Exchange.GetPosition(ctx, s)
}

func (f *fakeExchange) Orders() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.orders...)
}

// flakyStore fails every call while broken is set. loadFailures fails that many Loads on
// their own.
type flakyStore struct {
	*ledger.MemoryStore
	mu           sync.Mutex
	broken       bool
	loadFailures int
}

func (s *flakyStore) isBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *flakyStore) Load(ctx context.Context) (ledger.Record, error) {
	s.mu.Lock()
	fail := s.broken || s.loadFailures > 0
	if s.loadFailures > 0 {
		s.loadFailures--
	}
	s.mu.Unlock()
	if fail {
		return ledger.Record{}, fmt.Errorf("%w: disk gone", ledger.ErrPersistence)
	}
	return s.MemoryStore.Load(ctx)
}

func (s *flakyStore) Commit(ctx context.Context, rec ledger.Record, trade *ledger.Trade) error {
	if s.isBroken() {
		return fmt.Errorf("%w: disk gone", ledger.ErrPersistence)
	}
	return s.MemoryStore.Commit(ctx, rec, trade)
}

type harness struct {
	g     *GridTrader
	fx    *fakeExchange
	store *flakyStore
	m     *metrics.Metrics
}

func testConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:         symbol,
		Leverage:       10,
		USDT:           10,
		GridLevels:     []float64{140, 145, 150, 155, 160},
		SLROE:          20,
		TPROE:          30,
		FeeRate:        pnl.DefaultFeeRate,
		LossBufferPct:  pnl.DefaultLossBufferPct,
		CrossingPolicy: config.PolicyNearest,
		PollIntervalMs: 10,
		OrderTimeoutMs: 1000,
	}
}

func newHarness(t *testing.T, mod func(*config.StrategyConfig), seed *ledger.Record) *harness {
	t.Helper()
	cfg := testConfig()
	if mod != nil {
		mod(&cfg)
	}

	fx := &fakeExchange{Exchange: paper.New(config.PaperConfig{
		StartPrice: 150, QtyStep: 0.1, MinQty: 0.1, TickSize: 0.01, Balance: 1000,
	}, symbol, zap.NewNop())}
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	if seed != nil {
		if err := store.Commit(context.Background(), *seed, nil); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	inst, err := fx.Instrument(context.Background(), symbol)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	g, err := NewGridTrader(cfg, fx, inst, store, ledger.NewSnapshot(filepath.Join(t.TempDir(), "bot_state.json")), m, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGridTrader: %v", err)
	}
	return &harness{g: g, fx: fx, store: store, m: m}
}

// tick moves the venue price and feeds the same price to the trader.
func (h *harness) tick(t *testing.T, price float64) error {
	t.Helper()
	h.fx.UpdatePrice(price)
	return h.g.HandleTick(context.Background(), exchange.Tick{Symbol: symbol, Price: price, Time: time.Now()})
}

func (h *harness) mustTick(t *testing.T, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		if err := h.tick(t, p); err != nil {
			t.Fatalf("tick %v: %v", p, err)
		}
	}
}

func (h *harness) trades(t *testing.T) []ledger.Trade {
	t.Helper()
	trades, err := h.store.Trades(context.Background(), 100)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	return trades
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func level(st State) float64 {
	if st.Pnl.CurrentGridLevel == nil {
		return math.NaN()
	}
	return *st.Pnl.CurrentGridLevel
}

func TestHandleTick_OpensOnFirstCrossing(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148)
	if len(h.fx.Orders()) != 0 {
		t.Fatal("first tick must only initialize the tracker")
	}

	h.mustTick(t, 151)

	orders := h.fx.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	o := orders[0]
	if o.Side != exchange.SideBuy || !approx(o.Size, 0.6) || !approx(o.TakeProfit, 155.53) || !approx(o.StopLoss, 147.98) {
		t.Errorf("unexpected order %+v", o)
	}

	st := h.g.State()
	if st.Position == nil || st.Position.Side != exchange.SideBuy || st.Position.EntryPrice != 151 {
		t.Fatalf("unexpected position %+v", st.Position)
	}
	if level(st) != 150 {
		t.Errorf("grid level = %v, want 150", level(st))
	}

	trades := h.trades(t)
	if len(trades) != 1 || trades[0].Action != ledger.ActionOpen || trades[0].StakeAmount != 10 || trades[0].RealizedPnL != 0 {
		t.Errorf("unexpected trade log %+v", trades)
	}
}

func TestHandleTick_SideFollowsCrossingDirection(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 152, 149)

	st := h.g.State()
	if st.Position == nil || st.Position.Side != exchange.SideSell || level(st) != 150 {
		t.Fatalf("downward crossing should open a short at 150, got %+v level %v", st.Position, level(st))
	}
}

func TestHandleTick_ReversesAtSameLevel(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148, 151, 149.5)

	orders := h.fx.Orders()
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	rev := orders[1]
	// closes 0.6 long and opens 0.7 short (stake 10 + 1.0291 recovered losses)
	if rev.Side != exchange.SideSell || rev.Size != 1.3 {
		t.Errorf("reversal order = %s %v, want Sell 1.3", rev.Side, rev.Size)
	}

	st := h.g.State()
	if st.Position == nil || st.Position.Side != exchange.SideSell || !approx(st.Position.Size, 0.7) || st.Position.EntryPrice != 149.5 {
		t.Fatalf("unexpected position after reversal %+v", st.Position)
	}
	if level(st) != 150 {
		t.Errorf("grid level = %v, want 150", level(st))
	}
	if !approx(st.Pnl.AccumulatedLosses, 1.02913995) || st.Pnl.TotalTrades != 1 {
		t.Errorf("unexpected pnl state %+v", st.Pnl)
	}

	gw, _ := h.fx.GetPosition(context.Background(), symbol)
	if gw == nil || gw.Side != exchange.SideSell || !approx(gw.Size, 0.7) {
		t.Errorf("venue should hold a single 0.7 short, got %+v", gw)
	}

	trades := h.trades(t)
	if len(trades) != 2 || trades[0].Action != ledger.ActionReverse || !approx(trades[0].RealizedPnL, -1.02913995) {
		t.Fatalf("unexpected trade log %+v", trades)
	}
	if !approx(trades[0].StakeAmount, 11.02913995) || !approx(trades[0].AccumulatedLossesAfter, 1.02913995) {
		t.Errorf("unexpected reverse trade %+v", trades[0])
	}
}

func TestHandleTick_HoldsOnOtherLevel(t *testing.T) {
	h := newHarness(t, func(c *config.StrategyConfig) { c.TPROE = 100 }, nil)
	h.mustTick(t, 148, 151, 156)

	if n := len(h.fx.Orders()); n != 1 {
		t.Fatalf("crossing another level must hold, got %d orders", n)
	}
	st := h.g.State()
	if st.Position == nil || st.Position.Side != exchange.SideBuy || level(st) != 150 {
		t.Errorf("position should be unchanged, got %+v level %v", st.Position, level(st))
	}
}

func TestCheckClosure_SettlesExternalClose(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148, 151)

	// take profit at 155.53 fires on the venue
	h.fx.UpdatePrice(156)
	if err := h.g.CheckClosure(context.Background()); err != nil {
		t.Fatalf("CheckClosure: %v", err)
	}

	st := h.g.State()
	if st.Position != nil || st.Pnl.CurrentGridLevel != nil {
		t.Fatalf("expected flat state, got %+v", st)
	}
	if !approx(st.Pnl.DailyPnL, 2.89869) || st.Pnl.TotalTrades != 1 || st.Pnl.AccumulatedLosses != 0 {
		t.Errorf("unexpected pnl %+v", st.Pnl)
	}

	trades := h.trades(t)
	if len(trades) != 2 || trades[0].Action != ledger.ActionClose || !approx(trades[0].RealizedPnL, 2.89869) {
		t.Errorf("unexpected trade log %+v", trades)
	}
	if got := testutil.ToFloat64(h.m.PositionOpen); got != 0 {
		t.Errorf("position gauge = %v, want 0", got)
	}
}

func TestCheckClosure_FlatIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.fx.set(func(f *fakeExchange) { f.posErr = errors.New("must not be called") })
	if err := h.g.CheckClosure(context.Background()); err != nil {
		t.Fatalf("flat poll should not query the venue: %v", err)
	}
}

func TestRecover_RestoresAndRecoversLosses(t *testing.T) {
	h := newHarness(t, nil, &ledger.Record{State: pnl.State{AccumulatedLosses: 1, DailyPnL: -1, TotalTrades: 1}})
	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if st := h.g.State(); st.Pnl.AccumulatedLosses != 1 || st.Pnl.TotalTrades != 1 {
		t.Fatalf("state not restored: %+v", st.Pnl)
	}

	h.mustTick(t, 148, 151)
	trades := h.trades(t)
	if trades[0].StakeAmount != 11 || !approx(h.fx.Orders()[0].Size, 0.7) {
		t.Fatalf("stake should include accumulated losses, got %+v / %+v", trades[0], h.fx.Orders()[0])
	}

	h.fx.UpdatePrice(156)
	if err := h.g.CheckClosure(context.Background()); err != nil {
		t.Fatalf("CheckClosure: %v", err)
	}
	st := h.g.State()
	// 0.7 * (156-151) - 0.7*(151+156)*0.00055
	if st.Pnl.AccumulatedLosses != 0 || !approx(st.Pnl.DailyPnL, -1+3.381805) || st.Pnl.TotalTrades != 2 {
		t.Errorf("profit should pay down the buffer, got %+v", st.Pnl)
	}
}

func TestRecover_AdoptsGatewayPosition(t *testing.T) {
	h := newHarness(t, nil, nil)
	if _, err := h.fx.Exchange.PlaceOrder(context.Background(), &exchange.OrderRequest{Symbol: symbol, Side: exchange.SideSell, Size: 1}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st := h.g.State()
	if st.Position == nil || st.Position.Side != exchange.SideSell || st.Position.Size != 1 || level(st) != 150 {
		t.Fatalf("expected adopted short at level 150, got %+v level %v", st.Position, level(st))
	}
	rec, _ := h.store.Load(context.Background())
	if rec.CurrentGridLevel == nil || *rec.CurrentGridLevel != 150 {
		t.Errorf("adopted level not persisted: %+v", rec)
	}
}

func TestRecover_ClearsStaleLevel(t *testing.T) {
	lvl := 145.0
	h := newHarness(t, nil, &ledger.Record{State: pnl.State{AccumulatedLosses: 2, CurrentGridLevel: &lvl}})
	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st := h.g.State()
	if st.Pnl.CurrentGridLevel != nil || st.Pnl.AccumulatedLosses != 2 || !st.Consistent() {
		t.Fatalf("stale level should be cleared, got %+v", st.Pnl)
	}
}

func TestRecover_FallsBackToSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.g.snapshot.Save(ledger.Record{State: pnl.State{AccumulatedLosses: 5, TotalTrades: 7}}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	h.store.broken = true

	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st := h.g.State()
	if st.Pnl.AccumulatedLosses != 5 || st.Pnl.TotalTrades != 7 {
		t.Errorf("snapshot not used: %+v", st.Pnl)
	}
	if h.g.Status().LedgerDurable {
		t.Error("status should report a non-durable ledger")
	}
}

func TestRecover_UnreadableLedgerIsNotOverwritten(t *testing.T) {
	seed := ledger.Record{State: pnl.State{AccumulatedLosses: 50, DailyPnL: -50, TotalTrades: 9}, UpdatedAt: time.Now()}
	h := newHarness(t, nil, &seed)
	h.store.loadFailures = 1

	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if h.g.Status().LedgerDurable {
		t.Error("status should report a non-durable ledger")
	}

	h.mustTick(t, 148, 151)
	if st := h.g.State(); st.Position == nil {
		t.Fatal("trading should continue in memory")
	}
	if err := h.g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	stored, err := h.store.MemoryStore.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.AccumulatedLosses != 50 || stored.TotalTrades != 9 || stored.DailyPnL != -50 {
		t.Errorf("stored record overwritten: %+v", stored.State)
	}
	if len(h.trades(t)) != 0 {
		t.Error("no trade should be appended while the ledger is unread")
	}

	// Once the ledger is readable again the stored record is used.
	if err := h.g.Recover(context.Background()); err != nil {
		t.Fatalf("second Recover: %v", err)
	}
	if st := h.g.State(); st.Pnl.AccumulatedLosses != 50 || st.Pnl.TotalTrades != 9 {
		t.Errorf("stored record not restored: %+v", st.Pnl)
	}
	if !h.g.Status().LedgerDurable {
		t.Error("a successful load should restore durability")
	}
}

func TestHandleTick_OpenOrderFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.fx.set(func(f *fakeExchange) { f.orderErr = fmt.Errorf("%w: timeout", exchange.ErrOrder) })

	h.mustTick(t, 148)
	err := h.tick(t, 151)
	if !errors.Is(err, exchange.ErrOrder) {
		t.Fatalf("expected ErrOrder, got %v", err)
	}

	st := h.g.State()
	if st.Position != nil || st.Pnl.CurrentGridLevel != nil || st.Pnl.TotalTrades != 0 || !st.NeedsReconcile {
		t.Fatalf("failed open must leave the machine flat and flagged, got %+v", st)
	}
	if len(h.trades(t)) != 0 {
		t.Error("failed open must not write a trade")
	}

	h.fx.set(func(f *fakeExchange) { f.orderErr = nil })
	if err := h.g.CheckClosure(context.Background()); err != nil {
		t.Fatalf("CheckClosure: %v", err)
	}
	if st := h.g.State(); st.NeedsReconcile || st.Position != nil {
		t.Errorf("reconcile should clear the flag and stay flat, got %+v", st)
	}
}

func TestHandleTick_TimedOutOpenIsAdopted(t *testing.T) {
	tests := []struct {
		name  string
		price float64
	}{
		{"fill near the level", 151},
		{"fill closer to the next level", 153},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.fx.set(func(f *fakeExchange) {
				f.orderErr = fmt.Errorf("%w: context deadline exceeded", exchange.ErrOrder)
				f.fillOnError = true
			})

			h.mustTick(t, 148)
			if err := h.tick(t, tt.price); err == nil {
				t.Fatal("expected order error")
			}
			if st := h.g.State(); st.Position != nil {
				t.Fatal("machine must not assume the order filled")
			}

			if err := h.g.CheckClosure(context.Background()); err != nil {
				t.Fatalf("CheckClosure: %v", err)
			}
			st := h.g.State()
			if st.Position == nil || st.Position.Side != exchange.SideBuy || st.NeedsReconcile {
				t.Fatalf("filled order should be adopted, got %+v", st)
			}
			if level(st) != 150 {
				t.Errorf("adopted at level %v, crossed level was 150", level(st))
			}
			if st.PendingLevel != nil {
				t.Error("pending level should be cleared after reconcile")
			}

			// Back through 150, above the stop loss of either fill.
			h.fx.set(func(f *fakeExchange) { f.orderErr = nil; f.fillOnError = false })
			h.mustTick(t, 149.95)
			if st := h.g.State(); st.Position == nil || st.Position.Side != exchange.SideSell {
				t.Errorf("crossing 150 again should reverse, got %+v", st.Position)
			}
		})
	}
}

func TestHandleTick_ReversalOrderFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148, 151)
	h.fx.set(func(f *fakeExchange) { f.orderErr = fmt.Errorf("%w: rejected", exchange.ErrOrder) })

	if err := h.tick(t, 149.5); !errors.Is(err, exchange.ErrOrder) {
		t.Fatalf("expected ErrOrder, got %v", err)
	}

	st := h.g.State()
	if !st.NeedsReconcile {
		t.Error("failed reversal must require reconciliation")
	}
	if !approx(st.Pnl.AccumulatedLosses, 1.02913995) || st.Pnl.TotalTrades != 1 {
		t.Errorf("realized P&L must stay booked, got %+v", st.Pnl)
	}
	if st.Position == nil || st.Position.Side != exchange.SideBuy || st.Position.EntryPrice != 149.5 {
		t.Errorf("entry should be re-based to the mark price, got %+v", st.Position)
	}
	trades := h.trades(t)
	if trades[0].Action != ledger.ActionMark || !approx(trades[0].RealizedPnL, -1.02913995) {
		t.Errorf("expected a mark trade, got %+v", trades[0])
	}

	h.fx.set(func(f *fakeExchange) { f.orderErr = nil })
	if err := h.g.CheckClosure(context.Background()); err != nil {
		t.Fatalf("CheckClosure: %v", err)
	}
	if st := h.g.State(); st.NeedsReconcile || st.Position.Side != exchange.SideBuy || st.Position.EntryPrice != 149.5 {
		t.Errorf("reconcile should keep the re-based long, got %+v", st)
	}
}

func TestHandleTick_MarketDataFailure(t *testing.T) {
	tests := []struct {
		name   string
		inject func(f *fakeExchange)
	}{
		{"position query", func(f *fakeExchange) { f.posErr = fmt.Errorf("%w: 503", exchange.ErrMarketData) }},
		{"price query", func(f *fakeExchange) { f.priceErr = fmt.Errorf("%w: 503", exchange.ErrMarketData) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.mustTick(t, 148, 151)
			before := h.g.State()

			h.fx.set(tt.inject)
			if err := h.tick(t, 149.5); !errors.Is(err, exchange.ErrMarketData) {
				t.Fatalf("expected ErrMarketData, got %v", err)
			}

			after := h.g.State()
			if len(h.fx.Orders()) != 1 || after.Pnl.TotalTrades != before.Pnl.TotalTrades {
				t.Fatal("market data failure must not act")
			}
			if after.Position.EntryPrice != before.Position.EntryPrice || after.Pnl.AccumulatedLosses != 0 {
				t.Errorf("state mutated: before %+v after %+v", before, after)
			}
		})
	}
}

func TestHandleTick_LedgerFailureDegrades(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.broken = true

	h.mustTick(t, 148, 151)
	st := h.g.State()
	if st.Position == nil {
		t.Fatal("trading must continue when the ledger is down")
	}
	if h.g.Status().LedgerDurable || testutil.ToFloat64(h.m.LedgerDurable) != 0 {
		t.Error("durability loss should be surfaced")
	}

	h.store.mu.Lock()
	h.store.broken = false
	h.store.mu.Unlock()
	h.mustTick(t, 156)
	if !h.g.Status().LedgerDurable {
		t.Error("a successful write should restore durability")
	}
}

func TestHandleTick_RejectsInvalidTick(t *testing.T) {
	h := newHarness(t, nil, nil)
	bad := []exchange.Tick{
		{Symbol: symbol, Price: math.NaN()},
		{Symbol: symbol, Price: -1},
		{Symbol: "BTCUSDT", Price: 150},
	}
	for _, tk := range bad {
		if err := h.g.HandleTick(context.Background(), tk); err == nil {
			t.Errorf("tick %+v should be rejected", tk)
		}
	}
}

func TestSinglePositionInvariant(t *testing.T) {
	h := newHarness(t, nil, nil)
	path := []float64{148, 151, 149.5, 152, 146, 144, 139, 141, 150.5, 158, 161, 157, 143, 146, 151, 149, 150.2, 144.9, 160.5, 138}

	for _, p := range path {
		if err := h.tick(t, p); err != nil {
			t.Fatalf("tick %v: %v", p, err)
		}
		if err := h.g.CheckClosure(context.Background()); err != nil {
			t.Fatalf("poll at %v: %v", p, err)
		}

		st := h.g.State()
		if !st.Consistent() {
			t.Fatalf("at %v: grid level and position disagree: %+v", p, st)
		}
		gw, _ := h.fx.GetPosition(context.Background(), symbol)
		if (gw == nil) != (st.Position == nil) {
			t.Fatalf("at %v: local %+v, venue %+v", p, st.Position, gw)
		}
		if gw != nil && gw.Side != st.Position.Side {
			t.Fatalf("at %v: local side %s, venue side %s", p, st.Position.Side, gw.Side)
		}
	}

	opens := 0
	for _, tr := range h.trades(t) {
		if tr.Action == ledger.ActionOpen {
			opens++
		}
	}
	if got := int64(len(h.trades(t)) - opens); got != h.g.State().Pnl.TotalTrades {
		t.Errorf("total trades %d, realized rows %d", h.g.State().Pnl.TotalTrades, got)
	}
}

func TestConcurrentTickAndPoll(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				p := 146 + float64((i+j)%10)
				h.fx.UpdatePrice(p)
				h.g.HandleTick(context.Background(), exchange.Tick{Symbol: symbol, Price: p})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.g.CheckClosure(context.Background())
				_ = h.g.Status()
			}
		}()
	}
	wg.Wait()

	if st := h.g.State(); !st.Consistent() {
		t.Fatalf("inconsistent state after concurrent use: %+v", st)
	}
}

func TestOnTick_KeepsNewest(t *testing.T) {
	h := newHarness(t, nil, nil)
	for i := 0; i < 100; i++ {
		h.g.OnTick(exchange.Tick{Symbol: symbol, Price: 100 + float64(i)})
	}
	h.g.OnTick(exchange.Tick{Symbol: symbol, Price: 0})

	if n := len(h.g.ticks); n != tickBuffer {
		t.Fatalf("buffer holds %d ticks, want %d", n, tickBuffer)
	}
	var last exchange.Tick
	for len(h.g.ticks) > 0 {
		last = <-h.g.ticks
	}
	if last.Price != 199 {
		t.Errorf("newest tick = %v, want 199", last.Price)
	}
}

func TestRun_ProcessesTicks(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.g.Run(ctx) }()

	h.fx.UpdatePrice(148)
	h.g.OnTick(exchange.Tick{Symbol: symbol, Price: 148})
	h.fx.UpdatePrice(151)
	h.g.OnTick(exchange.Tick{Symbol: symbol, Price: 151})

	deadline := time.Now().Add(5 * time.Second)
	for h.g.Status().Position == nil {
		if time.Now().After(deadline) {
			t.Fatal("position was never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestShutdown_WritesBackup(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148, 151)

	if err := h.g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(h.g.snapshot.Path()), "bot_state_backup_*.json"))
	if len(matches) != 1 {
		t.Errorf("expected one backup file, got %v", matches)
	}
	rec, ok, err := h.g.snapshot.Load()
	if err != nil || !ok || rec.CurrentGridLevel == nil || *rec.CurrentGridLevel != 150 {
		t.Errorf("snapshot not current: %+v ok=%v err=%v", rec, ok, err)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.mustTick(t, 148, 151)

	s := h.g.Status()
	if s.Symbol != symbol || s.Venue != config.VenuePaper || s.LastPrice != 151 || s.NextStake != 10 {
		t.Errorf("unexpected status %+v", s)
	}
	if s.Position == nil || len(s.GridLevels) != 5 {
		t.Errorf("status missing position or levels: %+v", s)
	}

	s.Position.Size = 99
	if h.g.Status().Position.Size == 99 {
		t.Error("status must return a copy")
	}
}
