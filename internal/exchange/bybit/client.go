package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"grid-bot/internal/config"
	"grid-bot/internal/exchange"
)

const category = "linear"

type Client struct {
	cfg        config.BybitConfig
	httpClient *http.Client

	mu          sync.RWMutex
	instruments map[string]*exchange.Instrument
}

// Bybit v5 API response envelope
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult[T any] struct {
	Category string `json:"category"`
	List     []T    `json:"list"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

type instrumentData struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

type positionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

type walletData struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Equity        string `json:"equity"`
	} `json:"coin"`
}

type closedPnLData struct {
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	UpdatedTime   string `json:"updatedTime"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func NewClient(cfg config.BybitConfig) *Client {
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = 5000
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		instruments: make(map[string]*exchange.Instrument),
	}
}

var _ exchange.Exchange = (*Client)(nil)

func (c *Client) Name() string { return config.VenueBybit }

// sign computes the v5 HMAC-SHA256 signature over timestamp, key, recv window and payload.
// The payload is the raw query string for GET and the JSON body for POST.
func (c *Client) sign(ts, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(ts + c.cfg.APIKey + strconv.Itoa(c.cfg.RecvWindowMs) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// do executes one request and decodes result into out. Private endpoints are signed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, private bool, out any) error {
	endpoint := c.cfg.BaseURL + path
	payload := ""
	var reader io.Reader

	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			endpoint += "?" + payload
		}
	} else if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if private {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.cfg.RecvWindowMs))
		req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.RetCode != 0 {
		return fmt.Errorf("API error %d: %s", apiResp.RetCode, apiResp.RetMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func (c *Client) Instrument(ctx context.Context, symbol string) (*exchange.Instrument, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var res listResult[instrumentData]
	if err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", q, nil, false, &res); err != nil {
		return nil, fmt.Errorf("%w: instruments-info %s: %v", exchange.ErrInstrument, symbol, err)
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("%w: symbol %s not listed", exchange.ErrInstrument, symbol)
	}

	d := res.List[0]
	inst := &exchange.Instrument{
		Symbol:   d.Symbol,
		QtyStep:  parseFloat(d.LotSizeFilter.QtyStep),
		MinQty:   parseFloat(d.LotSizeFilter.MinOrderQty),
		TickSize: parseFloat(d.PriceFilter.TickSize),
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.instruments[symbol] = inst
	c.mu.Unlock()
	return inst, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var res listResult[tickerData]
	if err := c.do(ctx, http.MethodGet, "/v5/market/tickers", q, nil, false, &res); err != nil {
		return 0, fmt.Errorf("%w: tickers %s: %v", exchange.ErrMarketData, symbol, err)
	}
	if len(res.List) == 0 {
		return 0, fmt.Errorf("%w: no ticker for %s", exchange.ErrMarketData, symbol)
	}

	price, err := strconv.ParseFloat(res.List[0].LastPrice, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: bad last price %q for %s", exchange.ErrMarketData, res.List[0].LastPrice, symbol)
	}
	return price, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", asset)

	var res listResult[walletData]
	if err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil, true, &res); err != nil {
		return 0, fmt.Errorf("%w: wallet-balance: %v", exchange.ErrMarketData, err)
	}
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if coin.Coin == asset {
				return parseFloat(coin.WalletBalance), nil
			}
		}
	}
	return 0, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var res listResult[positionData]
	if err := c.do(ctx, http.MethodGet, "/v5/position/list", q, nil, true, &res); err != nil {
		return nil, fmt.Errorf("%w: position list %s: %v", exchange.ErrMarketData, symbol, err)
	}
	return parsePosition(symbol, res.List)
}

// parsePosition picks the first non-empty entry. One-way mode reports at most one.
func parsePosition(symbol string, list []positionData) (*exchange.Position, error) {
	for _, p := range list {
		size := parseFloat(p.Size)
		if size <= 0 {
			continue
		}
		side := exchange.Side(p.Side)
		if !side.Valid() {
			return nil, fmt.Errorf("%w: unknown position side %q", exchange.ErrMarketData, p.Side)
		}
		return &exchange.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
		}, nil
	}
	return nil, nil
}

func (c *Client) GetClosedPnL(ctx context.Context, symbol string, limit int) ([]exchange.ClosedPnL, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var res listResult[closedPnLData]
	if err := c.do(ctx, http.MethodGet, "/v5/position/closed-pnl", q, nil, true, &res); err != nil {
		return nil, fmt.Errorf("%w: closed-pnl %s: %v", exchange.ErrMarketData, symbol, err)
	}

	out := make([]exchange.ClosedPnL, 0, len(res.List))
	for _, d := range res.List {
		ms, _ := strconv.ParseInt(d.UpdatedTime, 10, 64)
		out = append(out, exchange.ClosedPnL{
			OrderID:     d.OrderID,
			Side:        exchange.Side(d.Side),
			Qty:         parseFloat(d.Qty),
			EntryPrice:  parseFloat(d.AvgEntryPrice),
			ExitPrice:   parseFloat(d.AvgExitPrice),
			RealizedPnL: parseFloat(d.ClosedPnl),
			UpdatedAt:   time.UnixMilli(ms),
		})
	}
	return out, nil
}

// PlaceOrder submits a market IOC order with optional full-position TP/SL attached.
func (c *Client) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResponse, error) {
	if !req.Side.Valid() || req.Size <= 0 {
		return nil, fmt.Errorf("%w: invalid order %s %v", exchange.ErrOrder, req.Side, req.Size)
	}

	c.mu.RLock()
	inst := c.instruments[req.Symbol]
	c.mu.RUnlock()

	qty := strconv.FormatFloat(req.Size, 'f', -1, 64)
	if inst != nil {
		qty = exchange.FormatQty(req.Size, inst.QtyStep)
	}

	body := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Market",
		"qty":         qty,
		"timeInForce": "IOC",
		"positionIdx": 0,
		"orderLinkId": uuid.NewString(),
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.TakeProfit > 0 || req.StopLoss > 0 {
		body["tpslMode"] = "Full"
	}
	if req.TakeProfit > 0 {
		body["takeProfit"] = c.formatPrice(inst, req.TakeProfit)
	}
	if req.StopLoss > 0 {
		body["stopLoss"] = c.formatPrice(inst, req.StopLoss)
	}

	var res orderResult
	if err := c.do(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return nil, fmt.Errorf("%w: create %s %s %s: %v", exchange.ErrOrder, req.Side, qty, req.Symbol, err)
	}
	return &exchange.OrderResponse{OrderID: res.OrderID, Status: "submitted"}, nil
}

func (c *Client) formatPrice(inst *exchange.Instrument, price float64) string {
	if inst != nil && inst.TickSize > 0 {
		return exchange.FormatQty(inst.RoundPrice(price), inst.TickSize)
	}
	return strconv.FormatFloat(price, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
