package trading

import (
	"context"
	"math"
	"time"

	"bybit-pullback-bot/internal/bybit"
	"bybit-pullback-bot/internal/indicator"
	"bybit-pullback-bot/internal/strategy"
)

// update4HTrend recalculates the 4H trend from REST candles. REST is used so
// the trend only ever reflects confirmed data.
func (c *Controller) update4HTrend(ctx context.Context, symbol string) {
	limit := c.cfg.IndicatorConfig.EMAPeriod4H + 50
	klines, err := c.client.GetKlines(ctx, symbol, interval4H, limit)
	if err != nil {
		c.logger.Error("4H kline fetch failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}

	if len(klines) < c.cfg.IndicatorConfig.EMAPeriod4H {
		c.logger.Warn("Not enough 4H candles for EMA", "symbol", symbol, "candles", len(klines))
		c.breaker.RecordFailure()
		return
	}
	if len(klines) < c.cfg.IndicatorConfig.STPeriod4H+1 {
		c.logger.Warn("Not enough 4H candles for SuperTrend", "symbol", symbol, "candles", len(klines))
		c.breaker.RecordFailure()
		return
	}

	// REST order is newest-first
	close := klines[0].Close
	if close <= 0 {
		c.logger.Error("Invalid close price in 4H candles", "symbol", symbol, "close", close)
		c.breaker.RecordFailure()
		return
	}

	ema200, err := indicator.EMA(klines, c.cfg.IndicatorConfig.EMAPeriod4H)
	if err != nil {
		c.logger.Error("EMA calculation failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}

	stDir, stVal, err := indicator.SuperTrend(klines, c.cfg.IndicatorConfig.STPeriod4H, c.cfg.IndicatorConfig.STMultiplier4H)
	if err != nil {
		c.logger.Error("4H SuperTrend calculation failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}

	trend := strategy.DetectTrend(close, ema200, stDir)

	c.mu.Lock()
	c.states[symbol].UpdateTrend4H(trend, ema200, stDir, stVal)
	c.last4HUpdate[symbol] = time.Now()
	c.mu.Unlock()

	c.logger.Info("4H trend updated", "symbol", symbol, "trend", trend,
		"close", close, "ema200", ema200, "st", stDir)
	c.breaker.RecordSuccess()
}

// update1HSignal refreshes the 1H SuperTrend from the stream cache, falling
// back to REST. Used for display; entries re-fetch from REST.
func (c *Controller) update1HSignal(ctx context.Context, symbol string) {
	var klines []bybit.Kline
	if c.stream != nil {
		klines = c.stream.Cache().Chronological(symbol, interval1H, klineLimit1H)
	}
	if len(klines) == 0 {
		rest, err := c.client.GetKlines(ctx, symbol, interval1H, klineLimit1H)
		if err != nil {
			c.logger.Debug("1H kline fetch failed", "symbol", symbol, "error", err.Error())
			return
		}
		klines = rest
	}

	c.apply1HSignal(symbol, klines)
}

// update1HSignalFromREST refreshes the 1H SuperTrend from REST candles.
// Entry decisions go through here so they never act on a live stream frame.
func (c *Controller) update1HSignalFromREST(ctx context.Context, symbol string) {
	klines, err := c.client.GetKlines(ctx, symbol, interval1H, klineLimit1H)
	if err != nil {
		c.logger.Warn("Cannot fetch confirmed 1H candles", "symbol", symbol, "error", err.Error())
		return
	}
	c.apply1HSignal(symbol, klines)
}

func (c *Controller) apply1HSignal(symbol string, klines []bybit.Kline) {
	if len(klines) < c.cfg.IndicatorConfig.STPeriod1H+1 {
		c.logger.Warn("Not enough 1H candles for SuperTrend", "symbol", symbol, "candles", len(klines))
		return
	}

	stDir, stVal, err := indicator.SuperTrend(klines, c.cfg.IndicatorConfig.STPeriod1H, c.cfg.IndicatorConfig.STMultiplier1H)
	if err != nil {
		c.logger.Error("1H SuperTrend calculation failed", "symbol", symbol, "error", err.Error())
		return
	}

	c.mu.Lock()
	c.states[symbol].Update1HSignal(stDir, stVal)
	c.mu.Unlock()

	c.logger.Debug("1H signal updated", "symbol", symbol, "st", stDir)
}

// handleConfirmedKline reacts to a closed candle from the stream. 4H closes
// refresh the trend and re-check TPs and exits; 1H closes drive entries.
func (c *Controller) handleConfirmedKline(symbol, interval string, kline bybit.Kline) {
	c.mu.Lock()
	state, ok := c.states[symbol]
	if !ok {
		c.mu.Unlock()
		return
	}

	// Each confirmed candle is processed once
	switch interval {
	case interval4H:
		if state.LastProcessed4HCandle >= kline.StartTime {
			c.mu.Unlock()
			return
		}
		state.LastProcessed4HCandle = kline.StartTime
	case interval1H:
		if state.LastProcessed1HCandle >= kline.StartTime {
			c.mu.Unlock()
			return
		}
		state.LastProcessed1HCandle = kline.StartTime
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c.withSymbolLock(symbol, func() {
		switch interval {
		case interval4H:
			c.update4HTrend(ctx, symbol)
			c.logger.Info("4H candle closed, trend updated", "symbol", symbol)

			side, _, _, _, partialDone, _ := c.positionView(symbol)
			if side != "" {
				if !partialDone {
					c.checkPartialTP(ctx, symbol)
				}
				c.checkExit(ctx, symbol)
			}

		case interval1H:
			if c.stream != nil && c.stream.Cache().Has(symbol, interval1H) {
				c.update1HSignal(ctx, symbol)
			} else {
				c.update1HSignalFromREST(ctx, symbol)
			}

			c.mu.Lock()
			hasPosition := state.HasPosition()
			enabled := c.tradingEnabled
			c.mu.Unlock()

			if !hasPosition && enabled {
				c.checkEntry(ctx, symbol)
			}
		}
	})
}

// handleTicker caches the streamed last price and re-checks the exit when
// price has moved away from entry.
func (c *Controller) handleTicker(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	state, ok := c.states[symbol]
	if !ok {
		c.mu.Unlock()
		return
	}
	side := state.PositionSide
	entry := state.EntryPrice
	c.mu.Unlock()

	if side == "" || entry <= 0 {
		return
	}

	changePct := math.Abs(price-entry) / entry * 100
	if changePct > priceMoveRecheckPct {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		c.withSymbolLock(symbol, func() { c.checkExit(ctx, symbol) })
	}
}

// checkEntry evaluates the contrarian entry conditions on a confirmed 1H
// close and enters when they all hold.
func (c *Controller) checkEntry(ctx context.Context, symbol string) {
	c.mu.Lock()
	state := c.states[symbol]
	if state.HasPosition() {
		c.mu.Unlock()
		return
	}

	openPositions := 0
	for _, s := range c.states {
		if s.PositionSide != "" {
			openPositions++
		}
	}
	trend := state.Trend4H
	c.mu.Unlock()

	if ok, _ := c.breaker.Allow(); !ok {
		return
	}
	if openPositions >= maxOpenPositions {
		c.logger.Debug("Maximum positions reached", "symbol", symbol, "open", openPositions)
		return
	}
	if trend == "" || trend == strategy.TrendNeutral {
		c.logger.Debug("No valid 4H trend", "symbol", symbol, "trend", trend)
		return
	}

	// Entries only act on confirmed candle data
	c.update1HSignalFromREST(ctx, symbol)

	c.mu.Lock()
	trend = state.Trend4H
	st1H := state.ST1HDirection
	enabled := c.tradingEnabled
	c.mu.Unlock()

	if st1H == "" {
		c.logger.Debug("1H signal unavailable", "symbol", symbol)
		return
	}

	signal := strategy.CheckEntrySignal(trend, st1H)
	if signal == "" {
		c.logger.Debug("No contrarian signal", "symbol", symbol, "trend_4h", trend, "st_1h", st1H)
		return
	}
	if !enabled {
		c.logger.Debug("Trading disabled, skipping entry", "symbol", symbol)
		return
	}

	c.updateAccountBalance(ctx)
	c.mu.Lock()
	balance := c.accountBalance
	hasBalance := c.hasBalance
	c.mu.Unlock()

	if !hasBalance {
		c.logger.Warn("Cannot get account balance, skipping entry", "symbol", symbol)
		return
	}

	required := c.requiredMargin()
	if balance < required {
		c.logger.Warn("Insufficient balance for entry", "symbol", symbol,
			"balance", balance, "required", required)
		return
	}

	c.logger.Info("Contrarian entry signal", "symbol", symbol, "signal", signal,
		"trend_4h", trend, "st_1h", st1H, "balance", balance)

	c.enterPosition(ctx, symbol, signal)
}

// checkExit closes the position when the 4H SuperTrend turns against it. A
// one hour cooldown after entry blocks weak signals; an opposite ST or a
// genuine flip always exits.
func (c *Controller) checkExit(ctx context.Context, symbol string) {
	c.mu.Lock()
	state := c.states[symbol]
	side := state.PositionSide
	st4H := state.ST4HDirection
	st4HPrev := state.ST4HPrevDir
	entryTime := state.EntryTime
	c.mu.Unlock()

	if side == "" {
		return
	}

	shouldExit := strategy.CheckExitSignal(side, st4H, st4HPrev)
	if shouldExit && !entryTime.IsZero() {
		held := time.Since(entryTime)
		if held < minHoldTime {
			oppositeST := (side == strategy.SideLong && st4H == strategy.DirRed) ||
				(side == strategy.SideShort && st4H == strategy.DirGreen)
			flipped := st4HPrev != "" && st4HPrev != st4H

			switch {
			case oppositeST:
				c.logger.Info("Early exit allowed on opposite SuperTrend", "symbol", symbol,
					"side", side, "st_4h", st4H, "held", held.Round(time.Second).String())
			case flipped:
				c.logger.Info("Early exit allowed on SuperTrend flip", "symbol", symbol,
					"from", st4HPrev, "to", st4H, "held", held.Round(time.Second).String())
			default:
				c.logger.Debug("Exit blocked during cooldown", "symbol", symbol, "held", held.Round(time.Second).String())
				shouldExit = false
			}
		}
	}

	if shouldExit {
		c.logger.Info("Exit signal", "symbol", symbol, "st_4h", st4H, "st_4h_prev", st4HPrev)
		c.exitPosition(ctx, symbol)
	}
}
