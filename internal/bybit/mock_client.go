package bybit

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory Client implementation for tests. State is set
// directly on the exported maps before use; mutating calls record themselves
// and update the fake venue state.
type MockClient struct {
	mu sync.Mutex

	Klines      map[string][]Kline // "symbol:interval" -> newest-first candles
	Tickers     map[string]*Ticker
	Instruments map[string]*InstrumentInfo
	Positions   map[string]*Position
	OpenOrders  map[string][]Order
	Executions  map[string][]Execution
	Balance     float64
	Equity      float64

	// PlacedOrders records every PlaceOrder call in order
	PlacedOrders []PlaceOrderParams
	// CancelledOrders records "symbol:orderId" for every cancel
	CancelledOrders []string
	LeverageCalls   map[string]int
	MarginModeCalls map[string]string

	// NextOrderRetCode forces the next PlaceOrder response retCode
	NextOrderRetCode int
	NextOrderRetMsg  string
	nextOrderID      int

	// Err, when set, is returned by every call
	Err error
}

// Compile-time check that MockClient implements Client
var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock with empty venue state and a default balance.
func NewMockClient() *MockClient {
	return &MockClient{
		Klines:          make(map[string][]Kline),
		Tickers:         make(map[string]*Ticker),
		Instruments:     make(map[string]*InstrumentInfo),
		Positions:       make(map[string]*Position),
		OpenOrders:      make(map[string][]Order),
		Executions:      make(map[string][]Execution),
		LeverageCalls:   make(map[string]int),
		MarginModeCalls: make(map[string]string),
		Balance:         10000,
		Equity:          10000,
	}
}

// DefaultInstrument returns a permissive instrument spec for tests.
func DefaultInstrument(symbol string) *InstrumentInfo {
	return &InstrumentInfo{
		Symbol: symbol,
		Status: "Trading",
		PriceFilter: PriceFilter{
			MinPrice: "0.01",
			MaxPrice: "1000000",
			TickSize: "0.01",
		},
		LotSizeFilter: LotSizeFilter{
			MinOrderQty: "0.001",
			MaxOrderQty: "1000000",
			QtyStep:     "0.001",
		},
	}
}

func (m *MockClient) GetKlines(_ context.Context, symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	klines := m.Klines[cacheKey(symbol, interval)]
	if limit > 0 && len(klines) > limit {
		klines = klines[:limit]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *MockClient) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Tickers[symbol], nil
}

func (m *MockClient) GetInstrumentsInfo(_ context.Context, symbol string) (*InstrumentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if info, ok := m.Instruments[symbol]; ok {
		return info, nil
	}
	return DefaultInstrument(symbol), nil
}

func (m *MockClient) GetWalletBalance(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Balance, nil
}

func (m *MockClient) GetTotalEquity(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Equity, nil
}

func (m *MockClient) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.LeverageCalls[symbol] = leverage
	return nil
}

func (m *MockClient) SetMarginMode(_ context.Context, symbol, marginMode string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.MarginModeCalls[symbol] = marginMode
	return nil
}

func (m *MockClient) GetPosition(_ context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Positions[symbol], nil
}

func (m *MockClient) CalculateQty(_ context.Context, symbol string, sizeUSDT, price float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %v for qty calculation", price)
	}
	info, ok := m.Instruments[symbol]
	if !ok {
		info = DefaultInstrument(symbol)
	}
	return qtyFromFilter(info.LotSizeFilter, sizeUSDT/price)
}

func (m *MockClient) PlaceOrder(_ context.Context, params PlaceOrderParams) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	m.PlacedOrders = append(m.PlacedOrders, params)

	if m.NextOrderRetCode != 0 {
		code, msg := m.NextOrderRetCode, m.NextOrderRetMsg
		m.NextOrderRetCode, m.NextOrderRetMsg = 0, ""
		return &OrderResponse{RetCode: code, RetMsg: msg}, nil
	}

	m.nextOrderID++
	orderID := fmt.Sprintf("mock-order-%d", m.nextOrderID)

	if params.OrderType == "Limit" {
		m.OpenOrders[params.Symbol] = append(m.OpenOrders[params.Symbol], Order{
			OrderID:     orderID,
			Symbol:      params.Symbol,
			Side:        params.Side,
			OrderType:   params.OrderType,
			Qty:         fmt.Sprintf("%v", params.Qty),
			Price:       fmt.Sprintf("%v", params.Price),
			OrderStatus: "New",
			ReduceOnly:  params.ReduceOnly,
		})
	}

	return &OrderResponse{
		RetCode: 0,
		RetMsg:  "OK",
		Result:  OrderResult{OrderID: orderID},
	}, nil
}

func (m *MockClient) GetOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	orders := m.OpenOrders[symbol]
	out := make([]Order, len(orders))
	copy(out, orders)
	return out, nil
}

func (m *MockClient) CancelOrder(_ context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.CancelledOrders = append(m.CancelledOrders, symbol+":"+orderID)

	remaining := m.OpenOrders[symbol][:0]
	for _, o := range m.OpenOrders[symbol] {
		if o.OrderID != orderID {
			remaining = append(remaining, o)
		}
	}
	m.OpenOrders[symbol] = remaining
	return nil
}

func (m *MockClient) CancelAllOrders(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.CancelledOrders = append(m.CancelledOrders, symbol+":all")
	m.OpenOrders[symbol] = nil
	return nil
}

func (m *MockClient) GetOrderExecutionPrice(_ context.Context, symbol, orderID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	for _, e := range m.Executions[symbol] {
		if e.OrderID == orderID {
			var price float64
			fmt.Sscanf(e.ExecPrice, "%f", &price)
			return price, nil
		}
	}
	return 0, nil
}

func (m *MockClient) GetRecentExecutions(_ context.Context, symbol string, limit int) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	execs := m.Executions[symbol]
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	out := make([]Execution, len(execs))
	copy(out, execs)
	return out, nil
}
