package bybit

import "context"

// Client defines the Bybit V5 linear-perp operations the engine depends on.
// RestClient implements it against the live API; MockClient implements it
// for tests.
type Client interface {
	// ==================== MARKET DATA ====================

	// GetKlines fetches candles in reverse chronological order (newest first)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// GetTicker fetches the latest ticker, nil when the symbol is unknown
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetInstrumentsInfo fetches instrument specs, nil when the symbol is unknown
	GetInstrumentsInfo(ctx context.Context, symbol string) (*InstrumentInfo, error)

	// ==================== ACCOUNT ====================

	// GetWalletBalance returns the available USDT balance of the unified account
	GetWalletBalance(ctx context.Context) (float64, error)

	// GetTotalEquity returns total account equity including unrealized PnL
	GetTotalEquity(ctx context.Context) (float64, error)

	// ==================== POSITIONS ====================

	// SetLeverage sets buy and sell leverage for a symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginMode switches the margin mode (ISOLATED or CROSS) for a symbol
	SetMarginMode(ctx context.Context, symbol, marginMode string, leverage int) error

	// GetPosition returns the open position for a symbol, nil when flat
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ==================== TRADING ====================

	// CalculateQty converts a USDT notional into a lot-size-compliant quantity
	CalculateQty(ctx context.Context, symbol string, sizeUSDT, price float64) (float64, error)

	// PlaceOrder submits an order and returns the full venue envelope
	PlaceOrder(ctx context.Context, params PlaceOrderParams) (*OrderResponse, error)

	// GetOpenOrders lists orders in New or PartiallyFilled status
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// CancelOrder cancels a single order by id
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// CancelAllOrders cancels every open order for a symbol
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOrderExecutionPrice returns the volume-weighted fill price of an
	// order, 0 when no fills are found
	GetOrderExecutionPrice(ctx context.Context, symbol, orderID string) (float64, error)

	// GetRecentExecutions lists recent fills, newest first
	GetRecentExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error)
}
