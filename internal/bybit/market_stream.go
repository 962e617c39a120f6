package bybit

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bybit-pullback-bot/internal/logging"
)

const (
	pingInterval          = 20 * time.Second
	defaultReceiveTimeout = 60 * time.Second
	initialReconnectWait  = 5 * time.Second
	maxReconnectWait      = 60 * time.Second
	maxReconnectAttempts  = 10
)

// TickerHandler receives last-price updates from the ticker stream.
type TickerHandler func(symbol string, price float64)

// KlineHandler receives confirmed candles from the kline stream.
type KlineHandler func(symbol, interval string, kline Kline)

// MarketStream is the Bybit V5 public linear WebSocket client. It maintains
// ticker and kline subscriptions, keeps the candle cache current, and
// dispatches confirmed-candle and price callbacks.
type MarketStream struct {
	mu      sync.RWMutex
	url     string
	conn    *websocket.Conn
	cache   *KlineCache
	logger  *logging.Logger
	running bool

	stopChan chan struct{}

	tickerSubs map[string]bool
	klineSubs  map[string]bool // "symbol:interval"

	onTicker         TickerHandler
	onConfirmedKline KlineHandler

	reconnectWait  time.Duration
	reconnectCount int
	receiveTimeout time.Duration
}

// NewMarketStream creates a stream client for the given WS endpoint.
func NewMarketStream(url string) *MarketStream {
	return &MarketStream{
		url:            url,
		cache:          NewKlineCache(),
		logger:         logging.WithComponent("market-stream"),
		tickerSubs:     make(map[string]bool),
		klineSubs:      make(map[string]bool),
		reconnectWait:  initialReconnectWait,
		receiveTimeout: defaultReceiveTimeout,
	}
}

// Cache exposes the streamed candle cache.
func (m *MarketStream) Cache() *KlineCache {
	return m.cache
}

// SetTickerHandler sets the callback for last-price updates.
func (m *MarketStream) SetTickerHandler(handler TickerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTicker = handler
}

// SetConfirmedKlineHandler sets the callback for confirmed candles.
func (m *MarketStream) SetConfirmedKlineHandler(handler KlineHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConfirmedKline = handler
}

// Start connects and launches the read and heartbeat loops.
func (m *MarketStream) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	if err := m.connect(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	go m.readLoop()
	go m.pingLoop()
	return nil
}

// Stop closes the connection and stops the loops.
func (m *MarketStream) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.logger.Info("market stream stopped")
}

func (m *MarketStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(m.url, nil)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", m.url, err)
	}

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = conn
	m.reconnectWait = initialReconnectWait
	m.reconnectCount = 0
	m.mu.Unlock()

	m.logger.Info("market stream connected", "url", m.url)
	return nil
}

// IsConnected reports whether the stream has a live connection.
func (m *MarketStream) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running && m.conn != nil
}

// ReconnectCount returns the current consecutive reconnect attempt count.
func (m *MarketStream) ReconnectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnectCount
}

// SubscribedSymbols returns the ticker subscription set.
func (m *MarketStream) SubscribedSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tickerSubs))
	for s := range m.tickerSubs {
		out = append(out, s)
	}
	return out
}

// SubscribedKlines returns the kline subscription keys ("symbol:interval").
func (m *MarketStream) SubscribedKlines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.klineSubs))
	for s := range m.klineSubs {
		out = append(out, s)
	}
	return out
}

// SubscribeTicker subscribes to last-price updates for a symbol.
func (m *MarketStream) SubscribeTicker(symbol string) error {
	if err := m.sendSubscribe("tickers." + symbol); err != nil {
		return err
	}
	m.mu.Lock()
	m.tickerSubs[symbol] = true
	m.mu.Unlock()
	m.logger.Info("subscribed to ticker", "symbol", symbol)
	return nil
}

// SubscribeKline subscribes to candle updates for a symbol and interval.
func (m *MarketStream) SubscribeKline(symbol, interval string) error {
	if err := m.sendSubscribe(fmt.Sprintf("kline.%s.%s", interval, symbol)); err != nil {
		return err
	}
	m.mu.Lock()
	m.klineSubs[cacheKey(symbol, interval)] = true
	m.mu.Unlock()
	m.logger.Info("subscribed to kline", "symbol", symbol, "interval", interval)
	return nil
}

func (m *MarketStream) sendSubscribe(topic string) error {
	msg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{topic},
	}
	return m.writeJSON(msg)
}

func (m *MarketStream) writeJSON(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("market stream not connected")
	}
	return m.conn.WriteJSON(v)
}

// pingLoop sends the venue heartbeat every 20 seconds.
func (m *MarketStream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sendPing()
		}
	}
}

// sendPing writes the heartbeat. A write failure means the connection is
// gone, so it is dropped and readLoop reconnects.
func (m *MarketStream) sendPing() {
	if !m.IsConnected() {
		return
	}
	if err := m.writeJSON(map[string]string{"op": "ping"}); err != nil {
		m.logger.Warn("ping write failed, dropping connection", "error", err)
		m.dropConn()
	}
}

// dropConn closes the current connection so the read loop falls into the
// reconnect path.
func (m *MarketStream) dropConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// readLoop reads messages until stop, reconnecting on failures.
func (m *MarketStream) readLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()

		if conn == nil {
			if !m.reconnect() {
				return
			}
			continue
		}

		// A silent peer must not wedge the read forever
		conn.SetReadDeadline(time.Now().Add(m.receiveTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.stopChan:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				m.logger.Warn("no data within receive window, reconnecting", "timeout", m.receiveTimeout.String())
			} else {
				m.logger.Warn("read error, reconnecting", "error", err)
			}
			m.mu.Lock()
			if m.conn == conn {
				m.conn.Close()
				m.conn = nil
			}
			m.mu.Unlock()
			if !m.reconnect() {
				return
			}
			continue
		}

		m.handleMessage(data)
	}
}

// reconnect retries the connection with exponential backoff (5s doubling to
// 60s), giving up after 10 consecutive failed attempts. On success every
// prior subscription is replayed.
func (m *MarketStream) reconnect() bool {
	for {
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return false
		}
		m.reconnectCount++
		attempt := m.reconnectCount
		wait := m.reconnectWait
		m.reconnectWait = m.reconnectWait * 2
		if m.reconnectWait > maxReconnectWait {
			m.reconnectWait = maxReconnectWait
		}
		m.mu.Unlock()

		if attempt > maxReconnectAttempts {
			m.logger.Error("max reconnection attempts reached", "attempts", maxReconnectAttempts)
			return false
		}

		m.logger.Warn("reconnecting", "attempt", attempt, "wait", wait.String())
		select {
		case <-m.stopChan:
			return false
		case <-time.After(wait):
		}

		if err := m.connect(); err != nil {
			m.logger.Error("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		m.resubscribeAll()
		return true
	}
}

func (m *MarketStream) resubscribeAll() {
	m.mu.RLock()
	tickers := make([]string, 0, len(m.tickerSubs))
	for s := range m.tickerSubs {
		tickers = append(tickers, s)
	}
	klines := make([]string, 0, len(m.klineSubs))
	for k := range m.klineSubs {
		klines = append(klines, k)
	}
	m.mu.RUnlock()

	for _, symbol := range tickers {
		if err := m.sendSubscribe("tickers." + symbol); err != nil {
			m.logger.Error("resubscribe failed", "topic", "tickers."+symbol, "error", err)
		}
	}
	for _, key := range klines {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		topic := fmt.Sprintf("kline.%s.%s", parts[1], parts[0])
		if err := m.sendSubscribe(topic); err != nil {
			m.logger.Error("resubscribe failed", "topic", topic, "error", err)
		}
	}
}

type wsMessage struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

type wsTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

func (m *MarketStream) handleMessage(data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Error("failed to parse message", "error", err)
		return
	}

	switch {
	case msg.Op == "subscribe":
		if !msg.Success {
			m.logger.Error("subscription failed", "retMsg", msg.RetMsg)
		}
	case msg.Op == "pong" || msg.Op == "ping":
		// heartbeat ack
	case strings.HasPrefix(msg.Topic, "tickers."):
		m.handleTicker(msg)
	case strings.HasPrefix(msg.Topic, "kline."):
		m.handleKline(msg)
	}
}

func (m *MarketStream) handleTicker(msg wsMessage) {
	symbol := strings.TrimPrefix(msg.Topic, "tickers.")

	var tick wsTicker
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		return
	}

	price, err := strconv.ParseFloat(tick.LastPrice, 64)
	if err != nil || price <= 0 {
		// Delta frames without lastPrice are expected
		return
	}

	m.mu.RLock()
	handler := m.onTicker
	m.mu.RUnlock()

	if handler != nil {
		go handler(symbol, price)
	}
}

func (m *MarketStream) handleKline(msg wsMessage) {
	// Topic format: kline.<interval>.<symbol>
	parts := strings.Split(msg.Topic, ".")
	if len(parts) != 3 {
		return
	}
	interval, symbol := parts[1], parts[2]

	var candles []wsKline
	if err := json.Unmarshal(msg.Data, &candles); err != nil || len(candles) == 0 {
		return
	}

	latest := candles[len(candles)-1]
	kline, err := parseWSKline(latest)
	if err != nil {
		m.logger.Warn("invalid candle data", "symbol", symbol, "interval", interval, "error", err)
		return
	}

	m.cache.Update(symbol, interval, kline)

	if kline.Confirmed {
		m.mu.RLock()
		handler := m.onConfirmedKline
		m.mu.RUnlock()
		if handler != nil {
			go handler(symbol, interval, kline)
		}
	}
}

func parseWSKline(w wsKline) (Kline, error) {
	k, err := ParseKline([]string{
		strconv.FormatInt(w.Start, 10),
		w.Open, w.High, w.Low, w.Close, w.Volume, w.Turnover,
	})
	if err != nil {
		return Kline{}, err
	}
	k.Confirmed = w.Confirm
	return k, nil
}
