package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-bot/internal/exchange"
)

const (
	baseDelay    = 1 * time.Second
	maxDelay     = 60 * time.Second
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
)

// BybitTickerStream streams last-trade prices from the Bybit v5 public linear channel and
// reconnects with exponential backoff.
type BybitTickerStream struct {
	url string
	log *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type bybitWSMessage struct {
	Op      string          `json:"op,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

func NewBybitTickerStream(url string, log *zap.Logger) *BybitTickerStream {
	return &BybitTickerStream{url: url, log: log.Named("bybit_ws")}
}

var _ exchange.PriceStream = (*BybitTickerStream)(nil)

// Backoff returns baseDelay * 2^retry capped at maxDelay.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Subscribe starts the connection loop in the background and returns immediately.
func (s *BybitTickerStream) Subscribe(ctx context.Context, symbol string, onTick func(exchange.Tick)) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("bybit ticker stream already subscribed")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx, symbol, onTick)
	return nil
}

func (s *BybitTickerStream) runLoop(ctx context.Context, symbol string, onTick func(exchange.Tick)) {
	defer s.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx, symbol); err != nil {
			delay := Backoff(retry)
			s.log.Warn("ws connect failed", zap.Error(err), zap.Int("retry", retry), zap.Duration("delay", delay))
			retry++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		s.readLoop(ctx, symbol, onTick)
		s.closeConn()
	}
}

func (s *BybitTickerStream) connect(ctx context.Context, symbol string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Bybit WebSocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.send(bybitWSMessage{Op: "subscribe", Args: []string{"tickers." + symbol}}); err != nil {
		s.closeConn()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.log.Info("ws connected", zap.String("url", s.url), zap.String("symbol", symbol))
	return nil
}

func (s *BybitTickerStream) readLoop(ctx context.Context, symbol string, onTick func(exchange.Tick)) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-pingCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("ws read error", zap.Error(err))
			}
			return
		}

		tick, ok, err := ParseTicker(raw, symbol)
		if err != nil {
			s.log.Warn("ws message dropped", zap.Error(err))
			continue
		}
		if ok {
			onTick(tick)
		}
	}
}

// ParseTicker extracts a tick from one ticker frame. ok is false for control frames and for
// deltas that do not carry a last price.
func ParseTicker(raw []byte, symbol string) (exchange.Tick, bool, error) {
	var msg bybitWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return exchange.Tick{}, false, fmt.Errorf("invalid frame: %w", err)
	}
	if msg.Success != nil && !*msg.Success {
		return exchange.Tick{}, false, fmt.Errorf("op %s rejected: %s", msg.Op, msg.RetMsg)
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || len(msg.Data) == 0 {
		return exchange.Tick{}, false, nil
	}

	var t bybitTicker
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		return exchange.Tick{}, false, fmt.Errorf("invalid ticker data: %w", err)
	}
	if t.LastPrice == "" {
		return exchange.Tick{}, false, nil
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return exchange.Tick{}, false, fmt.Errorf("invalid last price %q: %w", t.LastPrice, err)
	}

	if t.Symbol == "" {
		t.Symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	ts := time.Now()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts)
	}
	tick := exchange.Tick{Symbol: t.Symbol, Price: price, Time: ts}
	if err := tick.Validate(symbol); err != nil {
		return exchange.Tick{}, false, err
	}
	return tick, true, nil
}

func (s *BybitTickerStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(bybitWSMessage{Op: "ping"}); err != nil {
				s.log.Warn("ws ping failed", zap.Error(err))
			}
		}
	}
}

func (s *BybitTickerStream) send(msg bybitWSMessage) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (s *BybitTickerStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *BybitTickerStream) Close() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.closeConn()
	return nil
}
