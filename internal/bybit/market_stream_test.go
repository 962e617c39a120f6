package bybit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHandleMessageTicker(t *testing.T) {
	m := NewMarketStream("ws://unused")

	type update struct {
		symbol string
		price  float64
	}
	got := make(chan update, 1)
	m.SetTickerHandler(func(symbol string, price float64) {
		got <- update{symbol, price}
	})

	m.handleMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"data": {"symbol": "BTCUSDT", "lastPrice": "50123.5"}
	}`))

	select {
	case u := <-got:
		if u.symbol != "BTCUSDT" || u.price != 50123.5 {
			t.Errorf("update = %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("ticker handler not invoked")
	}
}

func TestHandleMessageTickerDeltaWithoutPrice(t *testing.T) {
	m := NewMarketStream("ws://unused")

	got := make(chan struct{}, 1)
	m.SetTickerHandler(func(string, float64) { got <- struct{}{} })

	// Delta frames may omit lastPrice; they must be ignored
	m.handleMessage([]byte(`{
		"topic": "tickers.BTCUSDT",
		"data": {"symbol": "BTCUSDT"}
	}`))

	select {
	case <-got:
		t.Fatal("handler must not fire without a price")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessageConfirmedKline(t *testing.T) {
	m := NewMarketStream("ws://unused")

	type update struct {
		symbol   string
		interval string
		kline    Kline
	}
	got := make(chan update, 1)
	m.SetConfirmedKlineHandler(func(symbol, interval string, kline Kline) {
		got <- update{symbol, interval, kline}
	})

	m.handleMessage([]byte(`{
		"topic": "kline.60.BTCUSDT",
		"data": [{
			"start": 1700000000000,
			"open": "50000", "high": "50500", "low": "49800", "close": "50200",
			"volume": "120", "turnover": "6010000",
			"confirm": true
		}]
	}`))

	select {
	case u := <-got:
		if u.symbol != "BTCUSDT" || u.interval != "60" {
			t.Errorf("stream = %s/%s", u.symbol, u.interval)
		}
		if u.kline.StartTime != 1700000000000 || u.kline.Close != 50200 || !u.kline.Confirmed {
			t.Errorf("kline = %+v", u.kline)
		}
	case <-time.After(time.Second):
		t.Fatal("kline handler not invoked")
	}

	if m.Cache().Len("BTCUSDT", "60") != 1 {
		t.Error("confirmed candle should be cached")
	}
}

func TestHandleMessageUnconfirmedKlineCachesOnly(t *testing.T) {
	m := NewMarketStream("ws://unused")

	got := make(chan struct{}, 1)
	m.SetConfirmedKlineHandler(func(string, string, Kline) { got <- struct{}{} })

	m.handleMessage([]byte(`{
		"topic": "kline.240.ETHUSDT",
		"data": [{
			"start": 1700000000000,
			"open": "3000", "high": "3050", "low": "2990", "close": "3020",
			"volume": "10", "turnover": "30200",
			"confirm": false
		}]
	}`))

	select {
	case <-got:
		t.Fatal("handler must only fire on confirmed candles")
	case <-time.After(50 * time.Millisecond):
	}

	klines := m.Cache().Chronological("ETHUSDT", "240", 0)
	if len(klines) != 1 || klines[0].Confirmed {
		t.Errorf("live candle should be cached unconfirmed: %v", klines)
	}
}

func TestHandleMessageIgnoresNoise(t *testing.T) {
	m := NewMarketStream("ws://unused")

	// None of these may panic or dispatch anything
	m.handleMessage([]byte(`{"op": "pong"}`))
	m.handleMessage([]byte(`{"op": "subscribe", "success": true}`))
	m.handleMessage([]byte(`{"op": "subscribe", "success": false, "ret_msg": "bad topic"}`))
	m.handleMessage([]byte(`{"topic": "kline.60"}`))
	m.handleMessage([]byte(`not json`))
	m.handleMessage([]byte(`{
		"topic": "kline.60.BTCUSDT",
		"data": [{"start": 1, "open": "x", "high": "1", "low": "1", "close": "1"}]
	}`))

	if m.Cache().Has("BTCUSDT", "60") {
		t.Error("malformed candle must not be cached")
	}
}

func TestSilentPeerHitsReceiveTimeout(t *testing.T) {
	accepted := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Upgrade and then go silent without closing
		accepted <- conn
	}))
	defer srv.Close()

	m := NewMarketStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	m.receiveTimeout = 200 * time.Millisecond
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial connection")
	}

	// Shorten the backoff so the reconnect happens within the test
	m.mu.Lock()
	m.reconnectWait = 10 * time.Millisecond
	m.mu.Unlock()

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("silent peer never triggered the receive timeout")
	}

	deadline := time.Now().Add(time.Second)
	for !m.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsConnected() {
		t.Error("stream should be connected again after the timeout reconnect")
	}
}

func TestPingWriteFailureDropsConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := upgrader.Upgrade(w, r, nil); err != nil {
			return
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	m := NewMarketStream(url)
	m.mu.Lock()
	m.running = true
	m.conn = conn
	m.mu.Unlock()

	// Kill the transport underneath; the next heartbeat write must fail
	conn.UnderlyingConn().Close()
	m.sendPing()

	if m.IsConnected() {
		t.Error("failed heartbeat should drop the connection")
	}
}

func TestSubscribeWithoutConnection(t *testing.T) {
	m := NewMarketStream("ws://unused")

	if err := m.SubscribeTicker("BTCUSDT"); err == nil {
		t.Error("subscribe without a connection should fail")
	}
	if m.IsConnected() {
		t.Error("stream should not report connected")
	}
	if len(m.SubscribedSymbols()) != 0 {
		t.Error("failed subscribe must not be recorded")
	}
}
