package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSortedQuery(t *testing.T) {
	query := sortedQuery(map[string]string{
		"symbol":   "BTCUSDT",
		"category": "linear",
		"interval": "60",
	})
	want := "category=linear&interval=60&symbol=BTCUSDT"
	if query != want {
		t.Errorf("sortedQuery = %q, want %q", query, want)
	}

	if got := sortedQuery(nil); got != "" {
		t.Errorf("empty params should produce empty query, got %q", got)
	}
}

func TestSignDeterministic(t *testing.T) {
	c := NewRestClient("key", "secret", "https://example.com")

	a := c.sign("1700000000000", "category=linear")
	b := c.sign("1700000000000", "category=linear")
	if a != b {
		t.Error("signature must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
	if c.sign("1700000000000", "category=spot") == a {
		t.Error("different payloads must produce different signatures")
	}
	if c.sign("1700000000001", "category=linear") == a {
		t.Error("different timestamps must produce different signatures")
	}
}

func TestGetKlinesParsesWireOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Error("market data requests must not be signed")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0,
			"retMsg":  "OK",
			"result": map[string]interface{}{
				"symbol": "BTCUSDT",
				"list": [][]string{
					{"3000", "11", "12", "10", "11.5", "100", "1150"},
					{"2000", "10", "11", "9", "11", "100", "1100"},
					{"1000", "9", "10", "8", "10", "100", "1000"},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewRestClient("key", "secret", srv.URL)
	klines, err := c.GetKlines(context.Background(), "BTCUSDT", "60", 3)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if len(klines) != 3 {
		t.Fatalf("len = %d, want 3", len(klines))
	}
	// Newest first, matching the wire
	if klines[0].StartTime != 3000 || klines[0].Close != 11.5 {
		t.Errorf("klines[0] = %+v", klines[0])
	}
	if klines[2].StartTime != 1000 {
		t.Errorf("klines[2] = %+v", klines[2])
	}
}

func TestRequestRetriesTransientCodes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{"retCode": 10006, "retMsg": "rate limit"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0,
			"result":  map[string]interface{}{"list": []map[string]string{{"symbol": "BTCUSDT", "lastPrice": "50000"}}},
		})
	}))
	defer srv.Close()

	c := NewRestClient("key", "secret", srv.URL)
	ticker, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker == nil || ticker.LastPrice != "50000" {
		t.Errorf("ticker = %+v", ticker)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestRequestSurfacesAPIError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"retCode": 110025, "retMsg": "price out of range"})
	}))
	defer srv.Close()

	c := NewRestClient("key", "secret", srv.URL)
	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error is not *APIError: %v", err)
	}
	if apiErr.Code != 110025 {
		t.Errorf("code = %d, want 110025", apiErr.Code)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("non-retryable error must not retry, calls = %d", calls)
	}
	if !IsNonCritical(err) {
		t.Error("110025 should classify as non-critical")
	}
}

func TestGetWalletBalanceFallbacks(t *testing.T) {
	cases := []struct {
		name    string
		account map[string]interface{}
		want    float64
	}{
		{
			name: "available balance",
			account: map[string]interface{}{
				"totalEquity": "9999",
				"coin": []map[string]string{
					{"coin": "USDT", "availableBalance": "123.5", "availableToWithdraw": "120"},
				},
			},
			want: 123.5,
		},
		{
			name: "available to withdraw",
			account: map[string]interface{}{
				"totalEquity": "9999",
				"coin": []map[string]string{
					{"coin": "USDT", "availableBalance": "", "availableToWithdraw": "120"},
				},
			},
			want: 120,
		},
		{
			name: "total equity fallback",
			account: map[string]interface{}{
				"totalEquity": "9999",
				"coin": []map[string]string{
					{"coin": "BTC", "availableBalance": "1"},
				},
			},
			want: 9999,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-BAPI-API-KEY") != "key" || r.Header.Get("X-BAPI-SIGN") == "" {
					t.Error("wallet balance request must be signed")
				}
				json.NewEncoder(w).Encode(map[string]interface{}{
					"retCode": 0,
					"result":  map[string]interface{}{"list": []interface{}{tc.account}},
				})
			}))
			defer srv.Close()

			c := NewRestClient("key", "secret", srv.URL)
			got, err := c.GetWalletBalance(context.Background())
			if err != nil {
				t.Fatalf("GetWalletBalance: %v", err)
			}
			if got != tc.want {
				t.Errorf("balance = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPlaceOrderRequestShape(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-SIGN") == "" || r.Header.Get("X-BAPI-TIMESTAMP") == "" {
			t.Error("order request must be signed")
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"retCode": 0,
			"retMsg":  "OK",
			"result":  map[string]string{"orderId": "order-1"},
		})
	}))
	defer srv.Close()

	c := NewRestClient("key", "secret", srv.URL)
	resp, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:     "BTCUSDT",
		Side:       "Sell",
		OrderType:  "Limit",
		Qty:        0.001,
		Price:      55100,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Result.OrderID != "order-1" {
		t.Errorf("order id = %q", resp.Result.OrderID)
	}

	if body["qty"] != "0.001" || body["price"] != "55100" {
		t.Errorf("qty/price = %v/%v, want string-encoded values", body["qty"], body["price"])
	}
	if body["reduceOnly"] != true {
		t.Error("reduceOnly flag missing")
	}
	if body["timeInForce"] != "GTC" {
		t.Errorf("timeInForce = %v", body["timeInForce"])
	}
	if link, _ := body["orderLinkId"].(string); link == "" {
		t.Error("orderLinkId missing")
	}
}

func TestPlaceOrderLimitRequiresPrice(t *testing.T) {
	c := NewRestClient("key", "secret", "https://example.invalid")
	_, err := c.PlaceOrder(context.Background(), PlaceOrderParams{
		Symbol:    "BTCUSDT",
		Side:      "Buy",
		OrderType: "Limit",
		Qty:       1,
	})
	if err == nil {
		t.Error("expected error for limit order without price")
	}
}

func TestQtyFromFilter(t *testing.T) {
	filter := LotSizeFilter{MinOrderQty: "0.001", MaxOrderQty: "100", QtyStep: "0.001"}

	qty, err := qtyFromFilter(filter, 0.0025)
	if err != nil {
		t.Fatalf("qtyFromFilter: %v", err)
	}
	if qty != 0.002 {
		t.Errorf("qty = %v, want 0.002 (floored to step)", qty)
	}

	qty, _ = qtyFromFilter(filter, 0.0001)
	if qty != 0.001 {
		t.Errorf("qty = %v, want min 0.001", qty)
	}

	qty, _ = qtyFromFilter(filter, 500)
	if qty != 100 {
		t.Errorf("qty = %v, want max 100", qty)
	}
}
