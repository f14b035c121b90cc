package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
)

// market orders are IOC limits priced this far through the mid
const slippage = 0.05

type Client struct {
	cfg      config.HyperliquidConfig
	log      *zap.Logger
	info     *hyperliquid.Info
	exchange *hyperliquid.Exchange
	meta     *hyperliquid.Meta
	address  string
}

func NewClient(ctx context.Context, cfg config.HyperliquidConfig, log *zap.Logger) (*Client, error) {
	log = log.Named("hyperliquid")

	// NewInfo(ctx, baseURL, skipWS, meta, spotMeta, opts...)
	info := hyperliquid.NewInfo(ctx, cfg.BaseURL, true, nil, nil)

	meta, err := info.Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch meta: %v", exchange.ErrInstrument, err)
	}

	pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse private key: %v", config.ErrConfig, err)
	}
	walletAddr := cfg.WalletAddress
	if walletAddr == "" {
		walletAddr = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	// NewExchange(ctx, pk, baseURL, meta, vaultAddress, accountAddress, spotMeta, opts...)
	exc := hyperliquid.NewExchange(ctx, pk, cfg.BaseURL, meta, "", walletAddr, nil)
	log.Info("hyperliquid client ready", zap.String("address", walletAddr), zap.Int("assets", len(meta.Universe)))

	return &Client{
		cfg:      cfg,
		log:      log,
		info:     info,
		exchange: exc,
		meta:     meta,
		address:  walletAddr,
	}, nil
}

var _ exchange.Exchange = (*Client)(nil)

func (c *Client) Name() string { return config.VenueHyperliquid }

// coin maps SOLUSDT or SOL-USD onto the Hyperliquid coin name.
func coin(symbol string) string {
	s := strings.TrimSuffix(symbol, "USDT")
	return strings.TrimSuffix(s, "-USD")
}

func (c *Client) szDecimals(symbol string) (int, error) {
	name := coin(symbol)
	for _, asset := range c.meta.Universe {
		if asset.Name == name {
			return asset.SzDecimals, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in universe", name)
}

func (c *Client) Instrument(ctx context.Context, symbol string) (*exchange.Instrument, error) {
	dec, err := c.szDecimals(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrInstrument, err)
	}
	step := math.Pow10(-dec)
	inst := &exchange.Instrument{Symbol: symbol, QtyStep: step, MinQty: step}
	return inst, inst.Validate()
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	name := coin(symbol)

	state, err := c.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: asset contexts: %v", exchange.ErrMarketData, err)
	}

	for i, asset := range state.Universe {
		if asset.Name == name && i < len(state.Ctxs) {
			price, err := strconv.ParseFloat(state.Ctxs[i].MidPx, 64)
			if err != nil || price <= 0 {
				return 0, fmt.Errorf("%w: bad mid price %q", exchange.ErrMarketData, state.Ctxs[i].MidPx)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("%w: symbol %s not found", exchange.ErrMarketData, name)
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	state, err := c.info.UserState(ctx, c.address)
	if err != nil {
		return 0, fmt.Errorf("%w: user state: %v", exchange.ErrMarketData, err)
	}
	bal, _ := strconv.ParseFloat(state.MarginSummary.AccountValue, 64)
	return bal, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	state, err := c.info.UserState(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("%w: user state: %v", exchange.ErrMarketData, err)
	}

	name := coin(symbol)
	for _, ap := range state.AssetPositions {
		p := ap.Position
		if p.Coin != name {
			continue
		}
		szi, _ := strconv.ParseFloat(p.Szi, 64)
		if szi == 0 {
			return nil, nil
		}
		pos := &exchange.Position{Symbol: symbol, Side: exchange.SideBuy, Size: math.Abs(szi)}
		if szi < 0 {
			pos.Side = exchange.SideSell
		}
		if p.EntryPx != nil {
			pos.EntryPrice, _ = strconv.ParseFloat(*p.EntryPx, 64)
		}
		pos.UnrealizedPnL, _ = strconv.ParseFloat(p.UnrealizedPnl, 64)
		return pos, nil
	}
	return nil, nil
}

func (c *Client) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]exchange.ClosedPnL, error) {
	return nil, fmt.Errorf("%w: closed pnl history is not available on hyperliquid", exchange.ErrMarketData)
}

// PlaceOrder sends an IOC limit through the mid as a market order, then attaches reduce-only
// trigger orders for TP and SL.
func (c *Client) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResponse, error) {
	name := coin(req.Symbol)
	dec, err := c.szDecimals(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrOrder, err)
	}

	mid, err := c.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: no reference price: %v", exchange.ErrOrder, err)
	}

	isBuy := req.Side == exchange.SideBuy
	limit := mid * (1 - slippage)
	if isBuy {
		limit = mid * (1 + slippage)
	}

	res, err := c.exchange.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:  name,
		IsBuy: isBuy,
		Size:  req.Size,
		Price: roundPrice(limit, dec),
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: hyperliquid.TifIoc,
			},
		},
		ReduceOnly: req.ReduceOnly,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrOrder, err)
	}
	if res.Error != nil {
		return nil, fmt.Errorf("%w: order failed: %s", exchange.ErrOrder, *res.Error)
	}

	status := "unknown"
	var orderID string
	if res.Resting != nil {
		status = "open"
		orderID = strconv.FormatInt(res.Resting.Oid, 10)
	} else if res.Filled != nil {
		status = "filled"
		orderID = strconv.Itoa(res.Filled.Oid)
	}

	if req.TakeProfit > 0 || req.StopLoss > 0 {
		if err := c.cancelTriggers(ctx, name); err != nil {
			c.log.Warn("stale trigger cleanup failed", zap.String("coin", name), zap.Error(err))
		}
	}
	if req.TakeProfit > 0 {
		if err := c.trigger(ctx, name, dec, !isBuy, req.TakeProfit, "tp"); err != nil {
			return nil, err
		}
	}
	if req.StopLoss > 0 {
		if err := c.trigger(ctx, name, dec, !isBuy, req.StopLoss, "sl"); err != nil {
			return nil, err
		}
	}

	return &exchange.OrderResponse{Status: status, OrderID: orderID}, nil
}

// trigger places a reduce-only market trigger that closes the position at px. A zero size
// with reduce-only is not accepted, so the order is sized to the current position.
func (c *Client) trigger(ctx context.Context, name string, dec int, isBuy bool, px float64, kind string) error {
	pos, err := c.GetPosition(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %s trigger: %v", exchange.ErrOrder, kind, err)
	}
	if pos == nil {
		return fmt.Errorf("%w: %s trigger: no position after fill", exchange.ErrOrder, kind)
	}

	trig := roundPrice(px, dec)
	res, err := c.exchange.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:  name,
		IsBuy: isBuy,
		Size:  pos.Size,
		Price: trig,
		OrderType: hyperliquid.OrderType{
			Trigger: &hyperliquid.TriggerOrderType{
				TriggerPx: trig,
				IsMarket:  true,
				Tpsl:      hyperliquid.Tpsl(kind),
			},
		},
		ReduceOnly: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: %s trigger: %v", exchange.ErrOrder, kind, err)
	}
	if res.Error != nil {
		return fmt.Errorf("%w: %s trigger failed: %s", exchange.ErrOrder, kind, *res.Error)
	}
	return nil
}

// cancelTriggers removes the coin's resting orders. Market orders are IOC and never rest, so
// everything found is a TP/SL trigger from an earlier position.
func (c *Client) cancelTriggers(ctx context.Context, name string) error {
	orders, err := c.info.OpenOrders(ctx, c.address)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	for _, oid := range coinOrders(orders, name) {
		if _, err := c.exchange.Cancel(ctx, name, oid); err != nil {
			return fmt.Errorf("cancel %d: %w", oid, err)
		}
		c.log.Debug("stale trigger cancelled", zap.String("coin", name), zap.Int64("oid", oid))
	}
	return nil
}

func coinOrders(orders []hyperliquid.OpenOrder, name string) []int64 {
	var oids []int64
	for _, o := range orders {
		if o.Coin == name {
			oids = append(oids, int64(o.Oid))
		}
	}
	return oids
}

// roundPrice keeps five significant figures and at most 6-szDecimals decimals.
func roundPrice(px float64, szDecimals int) float64 {
	if px <= 0 {
		return px
	}
	d := decimal.NewFromFloat(px)
	digits := int32(math.Floor(math.Log10(px))) + 1
	places := 5 - digits
	if maxPlaces := int32(6 - szDecimals); places > maxPlaces {
		places = maxPlaces
	}
	if places < 0 {
		places = 0
	}
	f, _ := d.Round(places).Float64()
	return f
}
