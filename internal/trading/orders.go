package trading

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"bybit-pullback-bot/internal/bybit"
	"bybit-pullback-bot/internal/strategy"
)

func bybitSideToInternal(side string) (string, error) {
	switch side {
	case "Buy":
		return strategy.SideLong, nil
	case "Sell":
		return strategy.SideShort, nil
	}
	return "", fmt.Errorf("invalid venue side %q", side)
}

func internalSideToBybit(side string) (string, error) {
	switch side {
	case strategy.SideLong:
		return "Buy", nil
	case strategy.SideShort:
		return "Sell", nil
	}
	return "", fmt.Errorf("invalid side %q", side)
}

// exitSideBybit returns the venue side that closes a position.
func exitSideBybit(positionSide string) (string, error) {
	switch positionSide {
	case strategy.SideLong:
		return "Sell", nil
	case strategy.SideShort:
		return "Buy", nil
	}
	return "", fmt.Errorf("invalid position side %q", positionSide)
}

func calculatePnL(side string, entryPrice, exitPrice, qty float64) (float64, error) {
	if side != strategy.SideLong && side != strategy.SideShort {
		return 0, fmt.Errorf("invalid side %q", side)
	}
	if entryPrice <= 0 || exitPrice <= 0 || qty <= 0 {
		return 0, fmt.Errorf("invalid pnl inputs: entry=%v exit=%v qty=%v", entryPrice, exitPrice, qty)
	}
	if side == strategy.SideLong {
		return (exitPrice - entryPrice) * qty, nil
	}
	return (entryPrice - exitPrice) * qty, nil
}

// tradingParams snapshots the sizing fields that the config-update API can
// change at runtime under c.mu.
func (c *Controller) tradingParams() (sizeUSDT float64, leverage int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.TradingConfig.PositionSizeUSDT, c.cfg.TradingConfig.Leverage
}

// requiredMargin is the entry margin with a buffer for volatile markets.
func (c *Controller) requiredMargin() float64 {
	sizeUSDT, leverage := c.tradingParams()
	return sizeUSDT / float64(leverage) * marginBufferMultiplier
}

// tpTargetProfit is the profit the partial TP aims for: the entire entry
// margin plus round-trip fees on the closed half.
func (c *Controller) tpTargetProfit() float64 {
	sizeUSDT, leverage := c.tradingParams()
	margin := sizeUSDT / float64(leverage)
	fees := sizeUSDT * partialTPFraction * tpFeeRate
	return margin + fees
}

// tpTargetPrice converts a target profit into a limit price. Targets beyond
// 50% of entry or within 0.1% of it are rejected.
func tpTargetPrice(side string, entryPrice, targetProfit, qtyPartial float64) (float64, error) {
	if entryPrice <= 0 || targetProfit <= 0 || qtyPartial <= 0 {
		return 0, fmt.Errorf("invalid tp inputs: entry=%v profit=%v qty=%v", entryPrice, targetProfit, qtyPartial)
	}

	var target float64
	switch side {
	case strategy.SideLong:
		target = entryPrice + targetProfit/qtyPartial
		if target > entryPrice*1.5 {
			return 0, fmt.Errorf("target price %v exceeds 50%% above entry %v", target, entryPrice)
		}
	case strategy.SideShort:
		target = entryPrice - targetProfit/qtyPartial
		if target < entryPrice*0.5 {
			return 0, fmt.Errorf("target price %v below 50%% under entry %v", target, entryPrice)
		}
	default:
		return 0, fmt.Errorf("invalid side %q", side)
	}

	if target <= 0 {
		return 0, fmt.Errorf("non-positive target price %v", target)
	}
	if math.Abs(target-entryPrice)/entryPrice*100 < 0.1 {
		return 0, fmt.Errorf("target price %v too close to entry %v", target, entryPrice)
	}
	return target, nil
}

// adjustQtyToStep floors qty to the symbol's step size, clamped to the
// min/max order quantities. The input is returned when the lookup fails.
func (c *Controller) adjustQtyToStep(ctx context.Context, symbol string, qty float64) float64 {
	info, err := c.client.GetInstrumentsInfo(ctx, symbol)
	if err != nil || info == nil {
		c.logger.Error("Instrument info unavailable for qty adjust", "symbol", symbol)
		return qty
	}

	step := parseFloatOr(info.LotSizeFilter.QtyStep, 0.001)
	minQty := parseFloatOr(info.LotSizeFilter.MinOrderQty, 0.001)
	maxQty := parseFloatOr(info.LotSizeFilter.MaxOrderQty, 1000000)
	if step <= 0 {
		return qty
	}

	adjusted := math.Floor(qty/step+1e-9) * step
	return math.Max(minQty, math.Min(adjusted, maxQty))
}

// adjustPriceToTick rounds price to the symbol's tick size, clamped to the
// min/max prices. The input is returned when the lookup fails.
func (c *Controller) adjustPriceToTick(ctx context.Context, symbol string, price float64) float64 {
	info, err := c.client.GetInstrumentsInfo(ctx, symbol)
	if err != nil || info == nil {
		c.logger.Error("Instrument info unavailable for price adjust", "symbol", symbol)
		return price
	}

	tick := parseFloatOr(info.PriceFilter.TickSize, 0.01)
	minPrice := parseFloatOr(info.PriceFilter.MinPrice, 0)
	maxPrice := parseFloatOr(info.PriceFilter.MaxPrice, 1000000)
	if tick <= 0 {
		return price
	}

	adjusted := math.Round(price/tick) * tick
	return math.Max(minPrice, math.Min(adjusted, maxPrice))
}

func parseFloatOr(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// enterPosition places a market order and adopts the resulting position from
// the venue, then places the partial TP.
func (c *Controller) enterPosition(ctx context.Context, symbol, side string) {
	c.entryMu.Lock()
	placed := func() bool {
		defer c.entryMu.Unlock()

		c.mu.Lock()
		state := c.states[symbol]
		if state.HasPosition() {
			c.mu.Unlock()
			c.logger.Debug("Position already exists, skipping entry", "symbol", symbol)
			return false
		}
		c.mu.Unlock()

		c.updateAccountBalance(ctx)
		c.mu.Lock()
		balance := c.accountBalance
		hasBalance := c.hasBalance
		c.mu.Unlock()
		if !hasBalance {
			c.logger.Warn("Cannot get account balance at order time", "symbol", symbol)
			return false
		}
		if required := c.requiredMargin(); balance < required {
			c.logger.Warn("Insufficient balance at order time", "symbol", symbol,
				"balance", balance, "required", required)
			return false
		}

		price, err := c.currentPrice(ctx, symbol)
		if err != nil {
			c.logger.Error("Cannot get price for entry", "symbol", symbol, "error", err.Error())
			return false
		}

		sizeUSDT, _ := c.tradingParams()
		qty, err := c.client.CalculateQty(ctx, symbol, sizeUSDT, price)
		if err != nil {
			c.logger.Error("Cannot calculate order quantity", "symbol", symbol, "error", err.Error())
			c.breaker.RecordFailure()
			return false
		}

		venueSide, err := internalSideToBybit(side)
		if err != nil {
			c.logger.Error("Invalid entry side", "symbol", symbol, "side", side)
			return false
		}

		resp, err := c.client.PlaceOrder(ctx, bybit.PlaceOrderParams{
			Symbol:    symbol,
			Side:      venueSide,
			OrderType: "Market",
			Qty:       qty,
		})
		if err != nil {
			c.logger.Error("Entry order placement failed", "symbol", symbol, "error", err.Error())
			c.breaker.RecordFailure()
			return false
		}
		if resp.RetCode != 0 {
			if resp.RetCode == 110007 {
				c.logger.Warn("Insufficient balance for order", "symbol", symbol, "message", resp.RetMsg)
				return false
			}
			c.logger.Error("Entry order rejected", "symbol", symbol,
				"ret_code", resp.RetCode, "message", resp.RetMsg)
			c.breaker.RecordFailure()
			return false
		}
		return true
	}()
	if !placed {
		return
	}

	time.Sleep(time.Second)

	position, err := c.client.GetPosition(ctx, symbol)
	if err != nil || position == nil {
		c.logger.Error("Order placed but position not found", "symbol", symbol)
		return
	}

	actualSize := position.SizeFloat()
	actualEntry := position.AvgPriceFloat()
	if actualSize <= 0 || actualEntry <= 0 {
		c.logger.Error("Invalid position data after order", "symbol", symbol,
			"size", position.Size, "avg_price", position.AvgPrice)
		return
	}
	actualSide, err := bybitSideToInternal(position.Side)
	if err != nil {
		c.logger.Error("Invalid side after order", "symbol", symbol, "side", position.Side)
		return
	}

	c.mu.Lock()
	if openErr := c.states[symbol].OpenPosition(actualSide, actualSize, actualEntry); openErr != nil {
		c.mu.Unlock()
		c.logger.Error("Failed to record position", "symbol", symbol, "error", openErr.Error())
		return
	}
	c.mu.Unlock()

	c.logger.Info("Position opened", "symbol", symbol, "side", actualSide,
		"entry_price", actualEntry, "qty", actualSize)
	c.mirrorSnapshot(ctx, symbol)

	time.Sleep(500 * time.Millisecond)
	c.placePartialTP(ctx, symbol)
	c.breaker.RecordSuccess()
}

// placePartialTP places the reduce-only limit order that closes half the
// position at the margin-plus-fees target.
func (c *Controller) placePartialTP(ctx context.Context, symbol string) {
	side, size, entry, _, partialDone, _ := c.positionView(symbol)
	if side == "" || entry <= 0 || size <= 0 || partialDone {
		return
	}

	if !c.shouldPlaceTP(symbol) {
		c.logger.Debug("Trend no longer favors position, skipping TP", "symbol", symbol)
		return
	}

	orders, err := c.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		c.logger.Warn("Cannot check open orders before TP", "symbol", symbol, "error", err.Error())
		return
	}
	for _, o := range orders {
		if o.IsActiveTP() {
			c.logger.Debug("TP limit order already exists", "symbol", symbol, "order_id", o.OrderID)
			c.mu.Lock()
			c.states[symbol].TPOrderID = o.OrderID
			c.mu.Unlock()
			return
		}
	}

	targetProfit := c.tpTargetProfit()
	qtyPartial := size * partialTPFraction

	// A short can never earn more than entry*qty; cap the target below that
	if side == strategy.SideShort {
		maxProfit := entry * qtyPartial
		if targetProfit > maxProfit {
			targetProfit = maxProfit * 0.95
			c.logger.Warn("Capped TP target to achievable profit", "symbol", symbol, "target", targetProfit)
		}
	}

	targetPrice, err := tpTargetPrice(side, entry, targetProfit, qtyPartial)
	if err != nil {
		c.logger.Warn("Invalid TP target price", "symbol", symbol, "error", err.Error())
		return
	}

	info, err := c.client.GetInstrumentsInfo(ctx, symbol)
	if err != nil || info == nil {
		c.logger.Error("Instrument info unavailable for TP", "symbol", symbol)
		return
	}
	minPrice := parseFloatOr(info.PriceFilter.MinPrice, 0)
	maxPrice := parseFloatOr(info.PriceFilter.MaxPrice, 1000000)
	if targetPrice < minPrice || targetPrice > maxPrice {
		c.logger.Warn("TP target price outside valid range", "symbol", symbol, "price", targetPrice)
		return
	}

	targetPrice = c.adjustPriceToTick(ctx, symbol, targetPrice)
	if targetPrice <= 0 || targetPrice < minPrice || targetPrice > maxPrice {
		c.logger.Warn("Adjusted TP price invalid", "symbol", symbol, "price", targetPrice)
		return
	}

	qty := c.adjustQtyToStep(ctx, symbol, qtyPartial)
	minQty := parseFloatOr(info.LotSizeFilter.MinOrderQty, 0.001)
	if qty < minQty {
		c.logger.Warn("TP quantity below minimum", "symbol", symbol, "qty", qty, "min_qty", minQty)
		return
	}

	venueSide, err := exitSideBybit(side)
	if err != nil {
		return
	}

	resp, err := c.client.PlaceOrder(ctx, bybit.PlaceOrderParams{
		Symbol:     symbol,
		Side:       venueSide,
		OrderType:  "Limit",
		Qty:        qty,
		Price:      targetPrice,
		ReduceOnly: true,
	})
	if err != nil {
		c.logger.Error("TP order placement failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}
	if resp.RetCode != 0 {
		c.logger.Warn("TP order rejected", "symbol", symbol, "ret_code", resp.RetCode, "message", resp.RetMsg)
		return
	}

	if resp.Result.OrderID != "" {
		c.mu.Lock()
		c.states[symbol].TPOrderID = resp.Result.OrderID
		c.mu.Unlock()
	}

	c.logger.Info("Partial TP limit order placed", "symbol", symbol,
		"target_price", targetPrice, "qty", qty)
	c.breaker.RecordSuccess()
}

func (c *Controller) shouldPlaceTP(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[symbol]
	return strategy.ShouldPlaceTP(state.PositionSide, state.Trend4H, state.ST4HDirection)
}

func (c *Controller) clearTPOrderID(symbol string) {
	c.mu.Lock()
	c.states[symbol].TPOrderID = ""
	c.mu.Unlock()
}

// checkPartialTP verifies the TP order's fate, detecting fills, cancels and
// manual partial closes from the venue's position size, and re-places the
// order when missing.
func (c *Controller) checkPartialTP(ctx context.Context, symbol string) {
	side, size, entry, _, partialDone, tpOrderID := c.positionView(symbol)
	if side == "" || entry <= 0 || partialDone {
		return
	}

	if tpOrderID != "" {
		orders, err := c.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			c.logger.Error("Cannot check TP order status", "symbol", symbol, "error", err.Error())
			return
		}

		for _, o := range orders {
			if o.OrderID == tpOrderID {
				return // order still open
			}
		}

		// Order gone: decide from the venue's position size what happened
		position, err := c.client.GetPosition(ctx, symbol)
		if err != nil {
			c.logger.Error("Cannot verify position after TP order vanished", "symbol", symbol, "error", err.Error())
			return
		}
		if position == nil || position.SizeFloat() <= 0 {
			c.clearTPOrderID(symbol)
			return
		}

		actualSize := position.SizeFloat()
		if size <= 0 {
			return
		}

		ratio := actualSize / size
		switch {
		case actualSize < size*0.6:
			c.logger.Info("Partial TP limit order executed", "symbol", symbol)
			c.handlePartialTPExecuted(ctx, symbol, actualSize, 0)
		case actualSize >= size*0.95:
			c.logger.Info("TP limit order was cancelled, resetting order id", "symbol", symbol)
			c.clearTPOrderID(symbol)
		case ratio >= 0.45 && ratio <= 0.55:
			c.logger.Info("Detected manual partial close, treating as TP executed",
				"symbol", symbol, "size_ratio", ratio)
			override := c.executionPriceFromRecent(ctx, symbol, side, 300*time.Second)
			c.handlePartialTPExecuted(ctx, symbol, actualSize, override)
		default:
			c.logger.Warn("Position size changed unexpectedly, resetting TP order id",
				"symbol", symbol, "size_ratio", ratio)
			c.clearTPOrderID(symbol)
		}
		return
	}

	c.logger.Info("No TP limit order found, placing new one", "symbol", symbol)
	c.placePartialTP(ctx, symbol)
}

// handlePartialTPExecuted books the closed half: realized PnL from the fill
// price (or the target as fallback), journal entry and a forced equity point.
func (c *Controller) handlePartialTPExecuted(ctx context.Context, symbol string, actualSize, exitPriceOverride float64) {
	side, size, entry, entryTime, _, tpOrderID := c.positionView(symbol)
	if side == "" || entry <= 0 || size <= 0 {
		return
	}
	if actualSize < 0 || actualSize >= size {
		c.logger.Warn("Unexpected size for partial TP", "symbol", symbol,
			"actual_size", actualSize, "tracked_size", size)
		return
	}

	qtyClosed := size - actualSize
	if qtyClosed <= 0 {
		return
	}
	targetProfit := c.tpTargetProfit()

	exitPrice := exitPriceOverride
	if exitPrice <= 0 && tpOrderID != "" {
		if execPrice, err := c.client.GetOrderExecutionPrice(ctx, symbol, tpOrderID); err == nil && execPrice > 0 {
			exitPrice = execPrice
			c.logger.Info("Using execution price from venue", "symbol", symbol, "price", exitPrice)
		}
	}
	if exitPrice <= 0 {
		c.logger.Warn("Execution price unavailable, deriving from target profit", "symbol", symbol)
		derived, err := tpTargetPrice(side, entry, targetProfit, qtyClosed)
		if err != nil {
			c.logger.Error("Cannot derive TP exit price", "symbol", symbol, "error", err.Error())
			return
		}
		exitPrice = derived
	}

	partialPnL, err := calculatePnL(side, entry, exitPrice, qtyClosed)
	if err != nil {
		c.logger.Error("Partial PnL calculation failed, using target profit", "symbol", symbol, "error", err.Error())
		partialPnL = targetProfit
	}

	c.mu.Lock()
	state := c.states[symbol]
	state.TotalPnL += partialPnL
	state.PositionSize = actualSize
	state.PartialTPDone = true
	state.TPOrderID = ""
	c.mu.Unlock()

	c.recordTrade(ctx, symbol, side, entry, exitPrice, qtyClosed, partialPnL, entryTime, true)

	c.logger.Info("Partial TP executed", "symbol", symbol,
		"pnl", partialPnL, "remaining", actualSize)
	c.mirrorSnapshot(ctx, symbol)
}

// executionPriceFromRecent scans recent fills for an exit-side execution
// within the window. Returns 0 when none is found.
func (c *Controller) executionPriceFromRecent(ctx context.Context, symbol, positionSide string, window time.Duration) float64 {
	executions, err := c.client.GetRecentExecutions(ctx, symbol, 10)
	if err != nil || len(executions) == 0 {
		return 0
	}

	exitSide, err := exitSideBybit(positionSide)
	if err != nil {
		return 0
	}

	now := time.Now()
	for _, e := range executions {
		if e.Side != exitSide {
			continue
		}
		execMs, err := strconv.ParseInt(e.ExecTime, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(execMs)) >= window {
			continue
		}
		price, err := strconv.ParseFloat(e.ExecPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		c.logger.Info("Found execution price from recent fills", "symbol", symbol, "price", price)
		return price
	}
	return 0
}

// exitPosition cancels the TP order, closes the position with a reduce-only
// market order and books the trade.
func (c *Controller) exitPosition(ctx context.Context, symbol string) {
	side, size, entry, entryTime, _, tpOrderID := c.positionView(symbol)

	if tpOrderID != "" {
		if err := c.client.CancelOrder(ctx, symbol, tpOrderID); err != nil {
			c.logger.Warn("Error cancelling TP order before exit", "symbol", symbol, "error", err.Error())
		} else {
			c.logger.Info("Cancelled TP limit order before exit", "symbol", symbol)
		}
		c.clearTPOrderID(symbol)
	}

	if side == "" || entry <= 0 || size <= 0 {
		c.logger.Error("Cannot exit, missing position data", "symbol", symbol,
			"side", side, "entry_price", entry, "size", size)
		return
	}

	exitPrice, err := c.currentPrice(ctx, symbol)
	if err != nil {
		c.logger.Error("Cannot get price for exit", "symbol", symbol, "error", err.Error())
		return
	}

	venueSide, err := exitSideBybit(side)
	if err != nil {
		return
	}

	resp, err := c.client.PlaceOrder(ctx, bybit.PlaceOrderParams{
		Symbol:     symbol,
		Side:       venueSide,
		OrderType:  "Market",
		Qty:        size,
		ReduceOnly: true,
	})
	if err != nil {
		c.logger.Error("Exit order placement failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}
	if resp.RetCode != 0 {
		c.logger.Error("Exit order rejected", "symbol", symbol,
			"ret_code", resp.RetCode, "message", resp.RetMsg)
		c.breaker.RecordFailure()
		return
	}

	pnl, err := calculatePnL(side, entry, exitPrice, size)
	if err != nil {
		c.mu.Lock()
		pnl = c.states[symbol].UnrealizedPnL(exitPrice)
		c.mu.Unlock()
		c.logger.Error("PnL calculation failed, using unrealized fallback", "symbol", symbol, "error", err.Error())
	}

	c.mu.Lock()
	c.states[symbol].ClosePosition(exitPrice, &pnl)
	c.mu.Unlock()

	c.recordTrade(ctx, symbol, side, entry, exitPrice, size, pnl, entryTime, false)

	c.logger.Info("Position closed", "symbol", symbol, "exit_price", exitPrice, "pnl", pnl)
	c.mirrorSnapshot(ctx, symbol)
	c.breaker.RecordSuccess()
}

// recordTrade books the trade in the file journal and the optional mirrors,
// and forces an equity point.
func (c *Controller) recordTrade(ctx context.Context, symbol, side string, entryPrice, exitPrice, size, pnl float64, entryTime time.Time, isPartial bool) {
	trade := c.trades.Record(symbol, side, entryPrice, exitPrice, size, pnl, entryTime, isPartial)

	if c.tradeStore != nil {
		if err := c.tradeStore.Insert(ctx, trade); err != nil {
			c.logger.Warn("Trade store insert failed", "symbol", symbol, "error", err.Error())
		}
	}

	if equity, ok := c.currentEquity(); ok {
		c.equity.Add(equity, true)
	}
}

// mirrorSnapshot pushes the symbol's state snapshot into Redis when a
// snapshot store is configured.
func (c *Controller) mirrorSnapshot(ctx context.Context, symbol string) {
	if c.snapshots == nil {
		return
	}

	c.mu.Lock()
	state := c.states[symbol]
	snapshot := state.StatusSnapshot()
	hasPosition := state.HasPosition()
	c.mu.Unlock()

	var err error
	if hasPosition {
		err = c.snapshots.SavePosition(ctx, symbol, snapshot)
	} else {
		err = c.snapshots.ClearPosition(ctx, symbol)
	}
	if err != nil {
		c.logger.Debug("Snapshot mirror failed", "symbol", symbol, "error", err.Error())
	}
}
