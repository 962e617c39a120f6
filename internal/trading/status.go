package trading

import (
	"context"
	"time"

	"bybit-pullback-bot/internal/bybit"
	"bybit-pullback-bot/internal/journal"
	"bybit-pullback-bot/internal/strategy"
)

// GetStatus returns the engine status for the control API.
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()

	symbolsStatus := make([]map[string]interface{}, 0, len(c.cfg.TradingConfig.Symbols))
	for _, symbol := range c.cfg.TradingConfig.Symbols {
		state, ok := c.states[symbol]
		if !ok {
			state = strategy.NewSymbolState(symbol)
			c.states[symbol] = state
		}
		status := state.StatusSnapshot()

		if price, ok := c.prices[symbol]; ok && price > 0 {
			status["current_price"] = price
			if state.HasPosition() {
				status["unrealized_pnl"] = state.UnrealizedPnL(price)
				status["pnl_percent"] = state.UnrealizedPnLPercent(price)
			}
		}
		symbolsStatus = append(symbolsStatus, status)
	}

	uptimeSeconds := 0
	var startTime interface{}
	if !c.startTime.IsZero() {
		uptimeSeconds = int(time.Since(c.startTime).Seconds())
		startTime = c.startTime.Format(time.RFC3339)
	}

	var balance, equity interface{}
	if c.hasBalance {
		balance = c.accountBalance
	}
	if c.hasEquity {
		equity = c.totalEquity
	}
	var lastBalanceUpdate interface{}
	if !c.lastBalanceAt.IsZero() {
		lastBalanceUpdate = c.lastBalanceAt.Format(time.RFC3339)
	}

	running := c.running
	enabled := c.tradingEnabled
	priceCount := len(c.prices)
	positionSize := c.cfg.TradingConfig.PositionSizeUSDT
	leverage := c.cfg.TradingConfig.Leverage
	marginMode := c.cfg.TradingConfig.MarginMode
	c.mu.Unlock()

	wsStatus := map[string]interface{}{
		"connected":          false,
		"subscribed_symbols": []string{},
		"subscribed_klines":  []string{},
		"realtime_prices":    priceCount,
	}
	if c.stream != nil {
		wsStatus["connected"] = c.stream.IsConnected()
		wsStatus["subscribed_symbols"] = c.stream.SubscribedSymbols()
		wsStatus["subscribed_klines"] = c.stream.SubscribedKlines()
	}

	breakerStats := c.breaker.GetStats()

	return map[string]interface{}{
		"running":                running,
		"trading_enabled":        enabled,
		"start_time":             startTime,
		"uptime_seconds":         uptimeSeconds,
		"circuit_breaker_active": breakerStats["state"] == "open",
		"circuit_breaker":        breakerStats,
		"websocket":              wsStatus,
		"config": map[string]interface{}{
			"symbols":            c.cfg.TradingConfig.Symbols,
			"position_size_usdt": positionSize,
			"leverage":           leverage,
			"margin_mode":        marginMode,
		},
		"account": map[string]interface{}{
			"balance":      balance,
			"total_equity": equity,
			"last_update":  lastBalanceUpdate,
		},
		"equity_history": c.equity.History(100),
		"trade_history":  c.trades.Trades(100),
		"symbols":        symbolsStatus,
	}
}

// ChartData returns candles, indicator values and position info for one
// symbol's chart.
func (c *Controller) ChartData(symbol string) map[string]interface{} {
	c.mu.Lock()
	state, ok := c.states[symbol]
	if !ok {
		c.mu.Unlock()
		return map[string]interface{}{"error": "symbol not found"}
	}

	ema2004H := state.EMA2004H
	st4HDir := state.ST4HDirection
	st4HVal := state.ST4HValue
	st1HDir := state.ST1HDirection
	st1HVal := state.ST1HValue

	side := state.PositionSide
	entry := state.EntryPrice
	entryTime := state.EntryTime
	size := state.PositionSize
	partialDone := state.PartialTPDone

	currentPrice := c.prices[symbol]
	c.mu.Unlock()

	var candles4H, candles1H []bybit.Kline
	if c.stream != nil {
		candles4H = c.stream.Cache().Chronological(symbol, interval4H, 200)
		candles1H = c.stream.Cache().Chronological(symbol, interval1H, 200)
	}
	if candles4H == nil {
		candles4H = []bybit.Kline{}
	}
	if candles1H == nil {
		candles1H = []bybit.Kline{}
	}

	var positionInfo map[string]interface{}
	if side != "" && entry > 0 {
		refPrice := currentPrice
		if refPrice <= 0 {
			refPrice = entry
		}

		c.mu.Lock()
		unrealized := c.states[symbol].UnrealizedPnL(refPrice)
		pnlPercent := c.states[symbol].UnrealizedPnLPercent(refPrice)
		c.mu.Unlock()

		var tpTarget interface{}
		if size > 0 {
			if price, err := tpTargetPrice(side, entry, c.tpTargetProfit(), size*partialTPFraction); err == nil {
				tpTarget = price
			}
		}

		positionInfo = map[string]interface{}{
			"side":            side,
			"entry_price":     entry,
			"entry_time":      entryTime.Format(time.RFC3339),
			"position_size":   size,
			"current_price":   refPrice,
			"unrealized_pnl":  unrealized,
			"pnl_percent":     pnlPercent,
			"partial_tp_done": partialDone,
			"tp_target_price": tpTarget,
		}
	}

	if currentPrice <= 0 {
		if n := len(candles4H); n > 0 {
			currentPrice = candles4H[n-1].Close
		} else if n := len(candles1H); n > 0 {
			currentPrice = candles1H[n-1].Close
		}
	}

	indicators := map[string]interface{}{
		"ema200_4h":       nilIfZero(ema2004H),
		"st_4h_direction": nilIfEmpty(st4HDir),
		"st_4h_value":     nilIfZero(st4HVal),
		"st_1h_direction": nilIfEmpty(st1HDir),
		"st_1h_value":     nilIfZero(st1HVal),
	}

	return map[string]interface{}{
		"symbol":        symbol,
		"candles_4h":    candles4H,
		"candles_1h":    candles1H,
		"indicators":    indicators,
		"position":      positionInfo,
		"current_price": currentPrice,
	}
}

// ToggleTrading flips the trading-enabled flag and returns the new value.
func (c *Controller) ToggleTrading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradingEnabled = !c.tradingEnabled
	return c.tradingEnabled
}

// TradingEnabled reports whether new entries are allowed.
func (c *Controller) TradingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tradingEnabled
}

// EquityHistory returns up to limit equity points, oldest-first.
func (c *Controller) EquityHistory(limit int) []journal.EquityPoint {
	return c.equity.History(limit)
}

// TradeHistory returns up to limit trades, oldest-first.
func (c *Controller) TradeHistory(limit int) []journal.Trade {
	return c.trades.Trades(limit)
}

// Symbols returns the configured symbol roster.
func (c *Controller) Symbols() []string {
	return c.cfg.TradingConfig.Symbols
}

// ConfigSummary returns the adjustable trading settings.
func (c *Controller) ConfigSummary() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"symbols":            c.cfg.TradingConfig.Symbols,
		"position_size_usdt": c.cfg.TradingConfig.PositionSizeUSDT,
		"leverage":           c.cfg.TradingConfig.Leverage,
		"margin_mode":        c.cfg.TradingConfig.MarginMode,
		"trading_enabled":    c.tradingEnabled,
		"check_interval":     c.cfg.EngineConfig.CheckIntervalSeconds,
	}
}

// UpdateLeverage changes the leverage and re-applies it to every symbol.
func (c *Controller) UpdateLeverage(ctx context.Context, leverage int) error {
	c.mu.Lock()
	c.cfg.TradingConfig.Leverage = leverage
	symbols := c.cfg.TradingConfig.Symbols
	c.mu.Unlock()

	for _, symbol := range symbols {
		if err := c.client.SetLeverage(ctx, symbol, leverage); err != nil {
			c.logger.Warn("Leverage re-apply failed", "symbol", symbol, "error", err.Error())
		}
	}
	c.logger.Info("Leverage updated", "leverage", leverage)
	return nil
}

// UpdateMarginMode changes the margin mode and re-applies it to every symbol.
func (c *Controller) UpdateMarginMode(ctx context.Context, mode string) error {
	c.mu.Lock()
	c.cfg.TradingConfig.MarginMode = mode
	symbols := c.cfg.TradingConfig.Symbols
	leverage := c.cfg.TradingConfig.Leverage
	c.mu.Unlock()

	for _, symbol := range symbols {
		if err := c.client.SetMarginMode(ctx, symbol, mode, leverage); err != nil {
			c.logger.Warn("Margin mode re-apply failed", "symbol", symbol, "error", err.Error())
		}
	}
	c.logger.Info("Margin mode updated", "margin_mode", mode)
	return nil
}

// UpdatePositionSize changes the per-entry position size.
func (c *Controller) UpdatePositionSize(size float64) {
	c.mu.Lock()
	c.cfg.TradingConfig.PositionSizeUSDT = size
	c.mu.Unlock()
	c.logger.Info("Position size updated", "position_size_usdt", size)
}

func nilIfZero(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
