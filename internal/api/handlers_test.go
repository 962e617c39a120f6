package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bybit-pullback-bot/config"
	"bybit-pullback-bot/internal/journal"
)

// fakeEngine implements Engine with canned data for handler tests
type fakeEngine struct {
	enabled       bool
	leverage      int
	positionSize  float64
	marginMode    string
	leverageCalls []int
}

func (f *fakeEngine) GetStatus() map[string]interface{} {
	return map[string]interface{}{"running": true, "trading_enabled": f.enabled}
}

func (f *fakeEngine) ChartData(symbol string) map[string]interface{} {
	return map[string]interface{}{"symbol": symbol}
}

func (f *fakeEngine) ToggleTrading() bool {
	f.enabled = !f.enabled
	return f.enabled
}

func (f *fakeEngine) TradingEnabled() bool { return f.enabled }

func (f *fakeEngine) EquityHistory(limit int) []journal.EquityPoint {
	return []journal.EquityPoint{{Timestamp: "2026-01-01T00:00:00Z", Time: "00:00:00", Value: 1000}}
}

func (f *fakeEngine) TradeHistory(limit int) []journal.Trade {
	return []journal.Trade{{ID: "BTCUSDT_1_0", Symbol: "BTCUSDT", Side: "LONG", PnL: 5}}
}

func (f *fakeEngine) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (f *fakeEngine) ConfigSummary() map[string]interface{} {
	return map[string]interface{}{
		"leverage":           f.leverage,
		"position_size_usdt": f.positionSize,
	}
}

func (f *fakeEngine) UpdateLeverage(_ context.Context, leverage int) error {
	f.leverage = leverage
	f.leverageCalls = append(f.leverageCalls, leverage)
	return nil
}

func (f *fakeEngine) UpdateMarginMode(_ context.Context, mode string) error {
	f.marginMode = mode
	return nil
}

func (f *fakeEngine) UpdatePositionSize(size float64) { f.positionSize = size }

func testServer() (*Server, *fakeEngine) {
	engine := &fakeEngine{enabled: true, leverage: 20, positionSize: 100, marginMode: "ISOLATED"}
	server := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 8080, ProductionMode: true}, engine)
	return server, engine
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer()
	w := doRequest(s, http.MethodGet, "/health", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer()
	w := doRequest(s, http.MethodGet, "/api/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["running"] != true {
		t.Errorf("running = %v", body["running"])
	}
}

func TestToggleTradingEndpoint(t *testing.T) {
	s, engine := testServer()

	w := doRequest(s, http.MethodPost, "/api/toggle-trading", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["trading_enabled"] != false {
		t.Errorf("trading_enabled = %v, want false", body["trading_enabled"])
	}
	if engine.enabled {
		t.Error("engine should be disabled after toggle")
	}
}

func TestEquityHistoryEndpoint(t *testing.T) {
	s, _ := testServer()
	w := doRequest(s, http.MethodGet, "/api/equity-history", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestTradeHistoryEndpoint(t *testing.T) {
	s, _ := testServer()
	w := doRequest(s, http.MethodGet, "/api/trade-history", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	trades, ok := body["trades"].([]interface{})
	if !ok || len(trades) != 1 {
		t.Fatalf("trades = %v", body["trades"])
	}
}

func TestChartDataEndpoint(t *testing.T) {
	s, _ := testServer()

	w := doRequest(s, http.MethodGet, "/api/symbol/BTCUSDT/chart-data", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v", body["symbol"])
	}

	w = doRequest(s, http.MethodGet, "/api/symbol/DOGEUSDT/chart-data", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol status = %d, want 404", w.Code)
	}
}

func TestUpdateConfigEndpoint(t *testing.T) {
	s, engine := testServer()

	w := doRequest(s, http.MethodPost, "/api/config/update", map[string]interface{}{
		"leverage":           10,
		"position_size_usdt": 250.0,
		"margin_mode":        "CROSS",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if engine.leverage != 10 {
		t.Errorf("leverage = %d, want 10", engine.leverage)
	}
	if engine.positionSize != 250 {
		t.Errorf("position size = %v, want 250", engine.positionSize)
	}
	if engine.marginMode != "CROSS" {
		t.Errorf("margin mode = %s, want CROSS", engine.marginMode)
	}
	if len(engine.leverageCalls) != 1 {
		t.Errorf("leverage calls = %v", engine.leverageCalls)
	}
}

func TestUpdateConfigValidation(t *testing.T) {
	s, engine := testServer()

	w := doRequest(s, http.MethodPost, "/api/config/update", map[string]interface{}{"leverage": 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("leverage 0 status = %d, want 400", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/config/update", map[string]interface{}{"leverage": 101})
	if w.Code != http.StatusBadRequest {
		t.Errorf("leverage 101 status = %d, want 400", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/config/update", map[string]interface{}{"position_size_usdt": -5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative size status = %d, want 400", w.Code)
	}

	w = doRequest(s, http.MethodPost, "/api/config/update", map[string]interface{}{"margin_mode": "PORTFOLIO"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad margin mode status = %d, want 400", w.Code)
	}

	if engine.leverage != 20 || engine.positionSize != 100 || engine.marginMode != "ISOLATED" {
		t.Error("rejected updates must not change engine config")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow("k") {
		t.Error("4th request inside window should be denied")
	}
	if !rl.Allow("other") {
		t.Error("different key should be allowed")
	}

	time.Sleep(120 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("request after window should be allowed")
	}
}
