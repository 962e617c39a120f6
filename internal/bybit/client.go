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
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"bybit-pullback-bot/internal/logging"
)

const (
	recvWindow     = "10000"
	maxRetries     = 3
	requestTimeout = 15 * time.Second
)

// RestClient is the live Bybit V5 REST client.
type RestClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// Compile-time check that RestClient implements Client
var _ Client = (*RestClient)(nil)

// NewRestClient creates a client against the given base URL.
func NewRestClient(apiKey, apiSecret, baseURL string) *RestClient {
	return &RestClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logging.WithComponent("bybit"),
	}
}

// sign produces the V5 request signature:
// HMAC-SHA256(timestamp + apiKey + recvWindow + payload) hex-encoded.
func (c *RestClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestClient) setAuthHeaders(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	req.Header.Set("X-BAPI-SIGN-TYPE", "2")
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
}

// sortedQuery encodes params as k=v pairs sorted by key. The signature is
// computed over this exact string, so it must match what goes on the wire.
func sortedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// request performs an HTTP call with retry on transient failures. Venue
// retCodes in the retryable set are retried with exponential backoff
// (1s, 2s, 4s); everything else non-zero surfaces as *APIError.
func (c *RestClient) request(ctx context.Context, method, path string, params map[string]string, body map[string]interface{}, signed bool, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		env, err := c.do(ctx, method, path, params, body, signed)
		if err != nil {
			lastErr = err
			c.logger.Warn("request failed, retrying",
				"path", path, "attempt", attempt+1, "error", err)
			continue
		}

		if env.RetCode != 0 {
			apiErr := &APIError{Code: env.RetCode, Message: env.RetMsg}
			if IsRetryableCode(env.RetCode) {
				lastErr = apiErr
				c.logger.Warn("retryable venue error",
					"path", path, "retCode", env.RetCode, "attempt", attempt+1)
				continue
			}
			return apiErr
		}

		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("error decoding %s response: %w", path, err)
			}
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded for %s: %w", path, lastErr)
}

// do performs a single HTTP round trip and decodes the venue envelope.
func (c *RestClient) do(ctx context.Context, method, path string, params map[string]string, body map[string]interface{}, signed bool) (*envelope, error) {
	var (
		req     *http.Request
		err     error
		payload string
	)

	switch method {
	case http.MethodGet:
		payload = sortedQuery(params)
		endpoint := c.baseURL + path
		if payload != "" {
			endpoint += "?" + payload
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	case http.MethodPost:
		var raw []byte
		if body != nil {
			raw, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("error encoding request body: %w", err)
			}
		}
		payload = string(raw)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}

	if signed {
		c.setAuthHeaders(req, payload)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("error parsing response (status %d): %w", resp.StatusCode, err)
	}
	return &env, nil
}

// ==================== MARKET DATA ====================

type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// GetKlines fetches candles, newest first, matching the REST wire order.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	var result klineResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/kline", params, nil, false, &result); err != nil {
		return nil, fmt.Errorf("error fetching klines for %s: %w", symbol, err)
	}

	if len(result.List) < limit*9/10 {
		c.logger.Warn("received fewer candles than requested",
			"symbol", symbol, "got", len(result.List), "requested", limit)
	}

	klines := make([]Kline, 0, len(result.List))
	for _, raw := range result.List {
		k, err := ParseKline(raw)
		if err != nil {
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

type tickerResult struct {
	List []Ticker `json:"list"`
}

func (c *RestClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	var result tickerResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false, &result); err != nil {
		return nil, fmt.Errorf("error fetching ticker for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return &result.List[0], nil
}

type instrumentResult struct {
	List []InstrumentInfo `json:"list"`
}

func (c *RestClient) GetInstrumentsInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	var result instrumentResult
	if err := c.request(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &result); err != nil {
		return nil, fmt.Errorf("error fetching instruments info for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return &result.List[0], nil
}

// ==================== ACCOUNT ====================

type walletResult struct {
	List []WalletAccount `json:"list"`
}

// GetWalletBalance returns available USDT, falling back through
// availableBalance, availableToWithdraw and finally totalEquity.
func (c *RestClient) GetWalletBalance(ctx context.Context) (float64, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	var result walletResult
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &result); err != nil {
		return 0, fmt.Errorf("error fetching wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("wallet balance response contains no accounts")
	}

	account := result.List[0]
	for _, coin := range account.Coin {
		if coin.Coin != "USDT" {
			continue
		}
		for _, raw := range []string{coin.AvailableBalance, coin.AvailableToWithdraw} {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				return v, nil
			}
		}
	}

	if v, err := strconv.ParseFloat(account.TotalEquity, 64); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("no usable USDT balance in wallet response")
}

func (c *RestClient) GetTotalEquity(ctx context.Context) (float64, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	var result walletResult
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &result); err != nil {
		return 0, fmt.Errorf("error fetching total equity: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("wallet balance response contains no accounts")
	}

	v, err := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid total equity %q", result.List[0].TotalEquity)
	}
	return v, nil
}

// ==================== POSITIONS ====================

func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}

	err := c.request(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, true, nil)
	if err != nil {
		if IsNonCritical(err) {
			c.logger.Debug("leverage already set", "symbol", symbol, "leverage", leverage)
			return nil
		}
		return fmt.Errorf("error setting leverage for %s: %w", symbol, err)
	}

	c.logger.Info("leverage set", "symbol", symbol, "leverage", leverage)
	return nil
}

func (c *RestClient) SetMarginMode(ctx context.Context, symbol, marginMode string, leverage int) error {
	tradeMode := 0 // ISOLATED
	if marginMode == "CROSS" {
		tradeMode = 1
	}
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}

	err := c.request(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, body, true, nil)
	if err != nil {
		if IsNonCritical(err) {
			c.logger.Debug("margin mode already set", "symbol", symbol, "mode", marginMode)
			return nil
		}
		return fmt.Errorf("error setting margin mode for %s: %w", symbol, err)
	}

	c.logger.Info("margin mode set", "symbol", symbol, "mode", marginMode)
	return nil
}

type positionResult struct {
	List []Position `json:"list"`
}

// GetPosition returns the first position with non-zero size, nil when flat.
func (c *RestClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	var result positionResult
	if err := c.request(ctx, http.MethodGet, "/v5/position/list", params, nil, true, &result); err != nil {
		return nil, fmt.Errorf("error fetching position for %s: %w", symbol, err)
	}

	for i := range result.List {
		if result.List[i].SizeFloat() > 0 {
			return &result.List[i], nil
		}
	}
	return nil, nil
}

// ==================== TRADING ====================

// CalculateQty converts a USDT notional into a quantity respecting the
// instrument's qtyStep, minOrderQty and maxOrderQty.
func (c *RestClient) CalculateQty(ctx context.Context, symbol string, sizeUSDT, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %v for qty calculation", price)
	}

	info, err := c.GetInstrumentsInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("no instruments info for %s", symbol)
	}

	return qtyFromFilter(info.LotSizeFilter, sizeUSDT/price)
}

// qtyFromFilter floors qty to the step size and clamps to min/max.
func qtyFromFilter(filter LotSizeFilter, qty float64) (float64, error) {
	step, err := strconv.ParseFloat(filter.QtyStep, 64)
	if err != nil || step <= 0 {
		step = 0.001
	}
	minQty, err := strconv.ParseFloat(filter.MinOrderQty, 64)
	if err != nil {
		minQty = 0.001
	}
	maxQty, err := strconv.ParseFloat(filter.MaxOrderQty, 64)
	if err != nil || maxQty <= 0 {
		maxQty = 1000000
	}

	// Small epsilon guards against float dust pushing a whole step down
	adjusted := math.Floor(qty/step+1e-9) * step
	adjusted = math.Max(minQty, math.Min(adjusted, maxQty))
	return adjusted, nil
}

// PlaceOrder submits an order and returns the full venue envelope so the
// caller can branch on retCode (e.g. 110007 insufficient balance).
func (c *RestClient) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*OrderResponse, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      params.Symbol,
		"side":        params.Side,
		"orderType":   params.OrderType,
		"qty":         strconv.FormatFloat(params.Qty, 'f', -1, 64),
		"timeInForce": "GTC",
		"orderLinkId": uuid.New().String(),
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}
	if params.OrderType == "Limit" {
		if params.Price <= 0 {
			return nil, fmt.Errorf("price is required for limit orders")
		}
		body["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v5/order/create", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("error building order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req, string(raw))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading order response: %w", err)
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(data, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	if orderResp.RetCode == 0 {
		c.logger.Info("order placed",
			"symbol", params.Symbol, "side", params.Side,
			"type", params.OrderType, "qty", params.Qty)
	} else {
		c.logger.Warn("order rejected",
			"symbol", params.Symbol, "side", params.Side,
			"retCode", orderResp.RetCode, "retMsg", orderResp.RetMsg)
	}
	return &orderResp, nil
}

type orderListResult struct {
	List []Order `json:"list"`
}

func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{
		"category":    "linear",
		"orderStatus": "New,PartiallyFilled",
	}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var result orderListResult
	if err := c.request(ctx, http.MethodGet, "/v5/order/realtime", params, nil, true, &result); err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	return result.List, nil
}

func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}
	if orderID != "" {
		body["orderId"] = orderID
	}

	if err := c.request(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, nil); err != nil {
		return fmt.Errorf("error cancelling order %s for %s: %w", orderID, symbol, err)
	}

	c.logger.Info("order cancelled", "symbol", symbol, "orderId", orderID)
	return nil
}

func (c *RestClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return c.CancelOrder(ctx, symbol, "")
}

type executionResult struct {
	List []Execution `json:"list"`
}

// GetOrderExecutionPrice returns the VWAP of the order's fills, falling back
// to the order-history avgPrice. 0 when nothing usable is found.
func (c *RestClient) GetOrderExecutionPrice(ctx context.Context, symbol, orderID string) (float64, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	var execs executionResult
	if err := c.request(ctx, http.MethodGet, "/v5/execution/list", params, nil, true, &execs); err == nil {
		totalQty := 0.0
		totalValue := 0.0
		for _, e := range execs.List {
			qty, err1 := strconv.ParseFloat(e.ExecQty, 64)
			price, err2 := strconv.ParseFloat(e.ExecPrice, 64)
			if err1 == nil && err2 == nil && qty > 0 && price > 0 {
				totalQty += qty
				totalValue += qty * price
			}
		}
		if totalQty > 0 {
			return totalValue / totalQty, nil
		}
	}

	// Fallback: order history average price
	var orders orderListResult
	if err := c.request(ctx, http.MethodGet, "/v5/order/history", params, nil, true, &orders); err != nil {
		return 0, fmt.Errorf("error fetching order history for %s: %w", orderID, err)
	}
	for _, o := range orders.List {
		if o.OrderID == orderID && o.OrderStatus == "Filled" {
			if v, err := strconv.ParseFloat(o.AvgPrice, 64); err == nil && v > 0 {
				return v, nil
			}
		}
	}
	return 0, nil
}

// GetRecentExecutions lists recent fills sorted newest first.
func (c *RestClient) GetRecentExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}

	var result executionResult
	if err := c.request(ctx, http.MethodGet, "/v5/execution/list", params, nil, true, &result); err != nil {
		return nil, fmt.Errorf("error fetching executions for %s: %w", symbol, err)
	}

	execs := result.List
	sort.Slice(execs, func(i, j int) bool {
		ti, _ := strconv.ParseInt(execs[i].ExecTime, 10, 64)
		tj, _ := strconv.ParseInt(execs[j].ExecTime, 10, 64)
		return ti > tj
	})
	return execs, nil
}
