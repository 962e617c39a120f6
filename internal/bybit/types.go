package bybit

import (
	"fmt"
	"strconv"
)

// Kline represents a single OHLCV candle
type Kline struct {
	StartTime int64   `json:"startTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
	Confirmed bool    `json:"confirmed"`
}

// ParseKline converts a raw candle array from the V5 API into a Kline.
// The REST kline list and the WS array form both use
// [startTime, open, high, low, close, volume, turnover].
func ParseKline(raw []string) (Kline, error) {
	if len(raw) < 5 {
		return Kline{}, fmt.Errorf("invalid candle data: expected at least 5 fields, got %d", len(raw))
	}

	start, err := strconv.ParseInt(raw[0], 10, 64)
	if err != nil {
		return Kline{}, fmt.Errorf("invalid candle start time %q: %w", raw[0], err)
	}

	fields := make([]float64, 4)
	for i := 1; i <= 4; i++ {
		v, err := strconv.ParseFloat(raw[i], 64)
		if err != nil {
			return Kline{}, fmt.Errorf("invalid candle field %q: %w", raw[i], err)
		}
		fields[i-1] = v
	}

	k := Kline{
		StartTime: start,
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
	}
	if len(raw) > 5 {
		k.Volume, _ = strconv.ParseFloat(raw[5], 64)
	}
	if len(raw) > 6 {
		k.Turnover, _ = strconv.ParseFloat(raw[6], 64)
	}
	return k, nil
}

// Ticker holds the latest market snapshot for a symbol
type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	Price24H  string `json:"prevPrice24h"`
	Volume24H string `json:"volume24h"`
}

// Last returns the last traded price as a float.
func (t Ticker) Last() (float64, error) {
	p, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid last price %q: %w", t.LastPrice, err)
	}
	return p, nil
}

// PriceFilter holds the symbol's price constraints
type PriceFilter struct {
	MinPrice string `json:"minPrice"`
	MaxPrice string `json:"maxPrice"`
	TickSize string `json:"tickSize"`
}

// LotSizeFilter holds the symbol's quantity constraints
type LotSizeFilter struct {
	MinOrderQty string `json:"minOrderQty"`
	MaxOrderQty string `json:"maxOrderQty"`
	QtyStep     string `json:"qtyStep"`
}

// InstrumentInfo holds instrument specifications for a linear perp symbol
type InstrumentInfo struct {
	Symbol        string        `json:"symbol"`
	Status        string        `json:"status"`
	PriceFilter   PriceFilter   `json:"priceFilter"`
	LotSizeFilter LotSizeFilter `json:"lotSizeFilter"`
}

// Position represents an open linear perp position
type Position struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"` // Buy or Sell
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	PositionValue string `json:"positionValue"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	UpdatedTime   string `json:"updatedTime"`
}

// SizeFloat returns the position size as a float, 0 when unparseable.
func (p Position) SizeFloat() float64 {
	v, err := strconv.ParseFloat(p.Size, 64)
	if err != nil {
		return 0
	}
	return v
}

// AvgPriceFloat returns the average entry price as a float, 0 when unparseable.
func (p Position) AvgPriceFloat() float64 {
	v, err := strconv.ParseFloat(p.AvgPrice, 64)
	if err != nil {
		return 0
	}
	return v
}

// Order represents an order returned by the realtime/history endpoints
type Order struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
}

// IsActiveTP reports whether the order is an open reduce-only limit order,
// i.e. a take-profit candidate that can still fill.
func (o Order) IsActiveTP() bool {
	return o.ReduceOnly &&
		o.OrderType == "Limit" &&
		(o.OrderStatus == "New" || o.OrderStatus == "PartiallyFilled")
}

// OrderResult is the result payload of an order mutation
type OrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// OrderResponse is the full order placement envelope. The controller needs
// the venue retCode to branch on codes like insufficient balance.
type OrderResponse struct {
	RetCode int         `json:"retCode"`
	RetMsg  string      `json:"retMsg"`
	Result  OrderResult `json:"result"`
}

// Execution represents a single fill
type Execution struct {
	Symbol    string `json:"symbol"`
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecTime  string `json:"execTime"`
}

// CoinBalance is a per-coin entry of the unified wallet
type CoinBalance struct {
	Coin                string `json:"coin"`
	AvailableBalance    string `json:"availableBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	WalletBalance       string `json:"walletBalance"`
	Equity              string `json:"equity"`
}

// WalletAccount is the unified account wallet snapshot
type WalletAccount struct {
	AccountType string        `json:"accountType"`
	TotalEquity string        `json:"totalEquity"`
	Coin        []CoinBalance `json:"coin"`
}

// PlaceOrderParams holds the inputs for order placement
type PlaceOrderParams struct {
	Symbol     string
	Side       string // Buy or Sell
	OrderType  string // Market or Limit
	Qty        float64
	Price      float64 // required for Limit
	ReduceOnly bool
}
