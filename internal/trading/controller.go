// Package trading implements the contrarian pullback engine: 4H trend
// filter, 1H pullback entries, partial take profits and trend-flip exits.
package trading

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bybit-pullback-bot/config"
	"bybit-pullback-bot/internal/bybit"
	"bybit-pullback-bot/internal/circuit"
	"bybit-pullback-bot/internal/journal"
	"bybit-pullback-bot/internal/logging"
	"bybit-pullback-bot/internal/strategy"

	"github.com/rs/zerolog"
)

const (
	interval1H = "60"
	interval4H = "240"

	maxOpenPositions = 8

	// Entry needs margin plus headroom for volatile markets
	marginBufferMultiplier = 1.5

	// Round-trip taker fees charged on the partial position value
	tpFeeRate = 0.002

	// Fraction of the position closed by the partial TP
	partialTPFraction = 0.5

	// Minimum hold before flip exits; opposite-ST and genuine flips override
	minHoldTime = time.Hour

	// Price move from entry that triggers an exit re-check, in percent
	priceMoveRecheckPct = 0.5

	klineLimit1H = 100
)

// Controller runs the trading engine across all configured symbols.
type Controller struct {
	cfg     *config.Config
	client  bybit.Client
	stream  *bybit.MarketStream
	breaker *circuit.Breaker
	logger  *logging.Logger

	equity *journal.EquityJournal
	trades *journal.TradeJournal

	// Optional persistence mirrors
	tradeStore *journal.TradeStore
	snapshots  *journal.SnapshotStore

	mu             sync.Mutex
	states         map[string]*strategy.SymbolState
	prices         map[string]float64
	last4HUpdate   map[string]time.Time
	accountBalance float64
	totalEquity    float64
	hasBalance     bool
	hasEquity      bool
	lastBalanceAt  time.Time
	tradingEnabled bool
	running        bool
	startTime      time.Time

	// Serializes the balance check + market order section of entries
	entryMu sync.Mutex

	// Per-symbol locks serializing candle, ticker and periodic-loop reactions
	symbolMu map[string]*sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options carries optional collaborators for NewController.
type Options struct {
	Stream     *bybit.MarketStream
	TradeStore *journal.TradeStore
	Snapshots  *journal.SnapshotStore
	JournalLog zerolog.Logger
}

// NewController builds a controller for the configured symbols. A nil stream
// means REST-only operation.
func NewController(cfg *config.Config, client bybit.Client, opts Options) *Controller {
	dataDir := cfg.EngineConfig.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	c := &Controller{
		cfg:            cfg,
		client:         client,
		stream:         opts.Stream,
		breaker:        circuit.NewBreaker(nil),
		logger:         logging.WithComponent("controller"),
		equity:         journal.NewEquityJournal(filepath.Join(dataDir, "equity_history.json"), opts.JournalLog),
		trades:         journal.NewTradeJournal(filepath.Join(dataDir, "trade_history.json"), opts.JournalLog),
		tradeStore:     opts.TradeStore,
		snapshots:      opts.Snapshots,
		states:         make(map[string]*strategy.SymbolState),
		prices:         make(map[string]float64),
		last4HUpdate:   make(map[string]time.Time),
		symbolMu:       make(map[string]*sync.Mutex),
		tradingEnabled: cfg.EngineConfig.TradingEnabled,
		stopChan:       make(chan struct{}),
	}

	for _, symbol := range cfg.TradingConfig.Symbols {
		c.states[symbol] = strategy.NewSymbolState(symbol)
		c.symbolMu[symbol] = &sync.Mutex{}
	}

	c.breaker.OnTrip(func(reason string) {
		c.logger.Warn("Circuit breaker tripped, pausing trading", "reason", reason)
	})
	c.breaker.OnReset(func() {
		c.logger.Info("Circuit breaker reset, resuming trading")
	})

	return c
}

// Start brings up the engine: leverage setup, position sync, kline priming,
// the market stream, and the periodic loop. It returns once the loop is
// running.
func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info("Contrarian pullback engine starting",
		"symbols", strings.Join(c.cfg.TradingConfig.Symbols, ","),
		"position_size_usdt", c.cfg.TradingConfig.PositionSizeUSDT,
		"leverage", c.cfg.TradingConfig.Leverage,
		"margin_mode", c.cfg.TradingConfig.MarginMode)

	c.mu.Lock()
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.setupLeverage(ctx)
	c.syncPositions(ctx)
	c.updateAccountBalance(ctx)
	c.initializeKlines(ctx)
	c.startStream()

	c.wg.Add(1)
	go c.runLoop(ctx)

	return nil
}

// Stop shuts the engine down and flushes the journals.
func (c *Controller) Stop() {
	c.logger.Info("Stopping engine")

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()

	if c.stream != nil {
		c.stream.Stop()
	}

	c.equity.Flush()
	c.trades.Flush()

	if c.tradeStore != nil {
		c.tradeStore.Close()
	}
	if c.snapshots != nil {
		c.snapshots.Close()
	}

	c.logger.Info("Engine stopped")
}

// IsRunning reports whether the periodic loop is active.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) setupLeverage(ctx context.Context) {
	c.logger.Info("Setting up leverage and margin mode")

	for _, symbol := range c.cfg.TradingConfig.Symbols {
		if err := c.client.SetLeverage(ctx, symbol, c.cfg.TradingConfig.Leverage); err != nil {
			c.logger.Warn("Leverage setup failed", "symbol", symbol, "error", err.Error())
			c.breaker.RecordFailure()
			continue
		}
		if err := c.client.SetMarginMode(ctx, symbol, c.cfg.TradingConfig.MarginMode, c.cfg.TradingConfig.Leverage); err != nil {
			c.logger.Warn("Margin mode setup failed", "symbol", symbol, "error", err.Error())
			c.breaker.RecordFailure()
			continue
		}
		c.logger.Info("Symbol configured", "symbol", symbol,
			"leverage", c.cfg.TradingConfig.Leverage, "margin_mode", c.cfg.TradingConfig.MarginMode)
		c.breaker.RecordSuccess()
	}
}

// syncPositions adopts positions already open on the venue, reattaching or
// placing their partial TP orders.
func (c *Controller) syncPositions(ctx context.Context) {
	c.logger.Info("Syncing existing positions")

	for _, symbol := range c.cfg.TradingConfig.Symbols {
		position, err := c.client.GetPosition(ctx, symbol)
		if err != nil {
			c.logger.Error("Position sync failed", "symbol", symbol, "error", err.Error())
			c.breaker.RecordFailure()
			continue
		}
		c.breaker.RecordSuccess()

		if position == nil || position.SizeFloat() <= 0 {
			continue
		}

		side, err := bybitSideToInternal(position.Side)
		if err != nil {
			c.logger.Warn("Skipping position with unknown side", "symbol", symbol, "side", position.Side)
			continue
		}

		entryPrice := position.AvgPriceFloat()
		c.mu.Lock()
		state := c.states[symbol]
		if openErr := state.OpenPosition(side, position.SizeFloat(), entryPrice); openErr != nil {
			c.mu.Unlock()
			c.logger.Error("Failed to adopt position", "symbol", symbol, "error", openErr.Error())
			continue
		}
		c.mu.Unlock()

		c.logger.Info("Adopted existing position", "symbol", symbol, "side", side, "entry_price", entryPrice)

		orders, err := c.client.GetOpenOrders(ctx, symbol)
		if err != nil {
			c.logger.Warn("Cannot check for TP order", "symbol", symbol, "error", err.Error())
			continue
		}

		tpFound := false
		for _, o := range orders {
			if o.IsActiveTP() {
				c.mu.Lock()
				state.TPOrderID = o.OrderID
				c.mu.Unlock()
				c.logger.Info("Found existing TP limit order", "symbol", symbol, "order_id", o.OrderID)
				tpFound = true
				break
			}
		}
		if !tpFound {
			time.Sleep(500 * time.Millisecond)
			c.placePartialTP(ctx, symbol)
		}
	}
}

// initializeKlines seeds the stream cache with REST history so indicators
// have data before the first streamed candle.
func (c *Controller) initializeKlines(ctx context.Context) {
	if c.stream == nil {
		return
	}
	c.logger.Info("Priming kline cache from REST")

	limit4H := c.cfg.IndicatorConfig.EMAPeriod4H + 50
	for _, symbol := range c.cfg.TradingConfig.Symbols {
		for _, fetch := range []struct {
			interval string
			limit    int
		}{
			{interval1H, klineLimit1H},
			{interval4H, limit4H},
		} {
			klines, err := c.client.GetKlines(ctx, symbol, fetch.interval, fetch.limit)
			if err != nil {
				c.logger.Error("Kline priming failed", "symbol", symbol, "interval", fetch.interval, "error", err.Error())
				c.breaker.RecordFailure()
				continue
			}
			// REST order is newest-first, the cache wants chronological
			chronological := make([]bybit.Kline, len(klines))
			for i, k := range klines {
				chronological[len(klines)-1-i] = k
			}
			c.stream.Cache().Seed(symbol, fetch.interval, chronological)
			c.breaker.RecordSuccess()
		}
	}
	c.logger.Info("Kline cache primed")
}

func (c *Controller) startStream() {
	if c.stream == nil {
		c.logger.Warn("No market stream configured, running REST-only")
		return
	}

	c.stream.SetTickerHandler(c.handleTicker)
	c.stream.SetConfirmedKlineHandler(c.handleConfirmedKline)

	if err := c.stream.Start(); err != nil {
		c.logger.Warn("Market stream connect failed, running REST-only", "error", err.Error())
		return
	}

	for _, symbol := range c.cfg.TradingConfig.Symbols {
		if err := c.stream.SubscribeTicker(symbol); err != nil {
			c.logger.Warn("Ticker subscribe failed", "symbol", symbol, "error", err.Error())
		}
		for _, interval := range []string{interval1H, interval4H} {
			if err := c.stream.SubscribeKline(symbol, interval); err != nil {
				c.logger.Warn("Kline subscribe failed", "symbol", symbol, "interval", interval, "error", err.Error())
			}
		}
	}

	c.logger.Info("Market stream active", "symbols", len(c.cfg.TradingConfig.Symbols))
}

// runLoop is the periodic safety net around the event-driven candle path. It
// reconciles positions, refreshes the 4H trend and re-checks TPs and exits.
func (c *Controller) runLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.EngineConfig.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	c.logger.Info("Trading loop started", "check_interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	balanceCounter := 0
	for {
		select {
		case <-c.stopChan:
			c.logger.Info("Trading loop stopped")
			return
		case <-ctx.Done():
			c.logger.Info("Trading loop cancelled")
			return
		case <-ticker.C:
			if ok, reason := c.breaker.Allow(); !ok {
				c.logger.Debug("Skipping iteration", "reason", reason)
				continue
			}

			balanceCounter++
			if balanceCounter >= 10 {
				c.updateAccountBalance(ctx)
				balanceCounter = 0
			}

			for _, symbol := range c.cfg.TradingConfig.Symbols {
				select {
				case <-c.stopChan:
					return
				case <-ctx.Done():
					return
				default:
				}
				c.processSymbol(ctx, symbol)
			}
		}
	}
}

// withSymbolLock serializes all reactions for one symbol. The stream candle
// and ticker handlers and the periodic loop go through here, so TP
// management, exit checks and reconciliation for a symbol never interleave.
func (c *Controller) withSymbolLock(symbol string, fn func()) {
	if mu, ok := c.symbolMu[symbol]; ok {
		mu.Lock()
		defer mu.Unlock()
	}
	fn()
}

func (c *Controller) processSymbol(ctx context.Context, symbol string) {
	c.withSymbolLock(symbol, func() { c.processSymbolLocked(ctx, symbol) })
}

func (c *Controller) processSymbolLocked(ctx context.Context, symbol string) {
	c.verifyPosition(ctx, symbol)

	c.mu.Lock()
	lastUpdate, ok := c.last4HUpdate[symbol]
	c.mu.Unlock()

	refreshAfter := time.Duration(c.cfg.EngineConfig.Update4HHours) * time.Hour
	if !ok || time.Since(lastUpdate) > refreshAfter {
		c.update4HTrend(ctx, symbol)
	}

	c.update1HSignal(ctx, symbol)

	side, _, _, _, partialDone, _ := c.positionView(symbol)
	if side != "" && !partialDone {
		c.checkPartialTP(ctx, symbol)
	}
	if side != "" {
		c.checkExit(ctx, symbol)
	}
}

// verifyPosition reconciles tracked state against the venue, adopting the
// venue's truth on any mismatch.
func (c *Controller) verifyPosition(ctx context.Context, symbol string) {
	position, err := c.client.GetPosition(ctx, symbol)
	if err != nil {
		c.logger.Debug("Position verify failed", "symbol", symbol, "error", err.Error())
		c.breaker.RecordFailure()
		return
	}
	c.breaker.RecordSuccess()

	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[symbol]

	if position == nil || position.SizeFloat() <= 0 {
		if state.HasPosition() {
			c.logger.Warn("Position in state but not on venue, clearing", "symbol", symbol)
			state.ResetPosition()
		}
		return
	}

	side, err := bybitSideToInternal(position.Side)
	if err != nil {
		c.logger.Warn("Invalid side from venue", "symbol", symbol, "side", position.Side)
		return
	}

	actualSize := position.SizeFloat()
	actualEntry := position.AvgPriceFloat()
	if actualEntry <= 0 {
		c.logger.Warn("Invalid entry price from venue", "symbol", symbol, "avg_price", position.AvgPrice)
		return
	}

	switch {
	case !state.HasPosition():
		c.logger.Warn("Position found on venue but not in state, syncing", "symbol", symbol)
		state.OpenPosition(side, actualSize, actualEntry)
	case state.PositionSide != side || math.Abs(state.PositionSize-actualSize) > 0.0001:
		// Manual partial close detection is handled in checkPartialTP
		c.logger.Warn("Position mismatch, updating state from venue", "symbol", symbol)
		state.OpenPosition(side, actualSize, actualEntry)
	}
}

// updateAccountBalance refreshes the wallet balance and total equity caches
// and feeds the equity journal.
func (c *Controller) updateAccountBalance(ctx context.Context) {
	balance, err := c.client.GetWalletBalance(ctx)
	if err != nil {
		c.logger.Debug("Balance update failed", "error", err.Error())
		c.breaker.RecordFailure()
	} else {
		c.mu.Lock()
		c.accountBalance = balance
		c.hasBalance = true
		c.lastBalanceAt = time.Now()
		c.mu.Unlock()
		c.breaker.RecordSuccess()
	}

	equity, err := c.client.GetTotalEquity(ctx)
	if err != nil {
		c.logger.Debug("Equity update failed", "error", err.Error())
		c.breaker.RecordFailure()
		return
	}
	c.mu.Lock()
	c.totalEquity = equity
	c.hasEquity = true
	c.mu.Unlock()
	c.breaker.RecordSuccess()

	c.equity.Add(equity, false)
}

// currentEquity returns live equity: balance plus open PnL when positions are
// open, the venue-reported total equity otherwise. ok is false when no
// balance data is available yet.
func (c *Controller) currentEquity() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hasOpen := false
	for _, state := range c.states {
		if state.HasPosition() {
			hasOpen = true
			break
		}
	}

	if hasOpen {
		if !c.hasBalance {
			return 0, false
		}
		unrealized := 0.0
		for symbol, state := range c.states {
			if price, ok := c.prices[symbol]; ok && state.HasPosition() {
				unrealized += state.UnrealizedPnL(price)
			}
		}
		return c.accountBalance + unrealized, true
	}

	if c.hasEquity {
		return c.totalEquity, true
	}
	if c.hasBalance {
		return c.accountBalance, true
	}
	return 0, false
}

// currentPrice returns the cached streamed price, falling back to the REST
// ticker with one retry.
func (c *Controller) currentPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	price, ok := c.prices[symbol]
	c.mu.Unlock()
	if ok && price > 0 {
		return price, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		ticker, err := c.client.GetTicker(ctx, symbol)
		if err == nil && ticker != nil {
			if last, lastErr := ticker.Last(); lastErr == nil && last > 0 {
				c.mu.Lock()
				c.prices[symbol] = last
				c.mu.Unlock()
				c.breaker.RecordSuccess()
				return last, nil
			}
		}
		if attempt == 0 {
			time.Sleep(500 * time.Millisecond)
		} else {
			c.breaker.RecordFailure()
		}
	}

	c.mu.Lock()
	price, ok = c.prices[symbol]
	c.mu.Unlock()
	if ok && price > 0 {
		return price, nil
	}
	return 0, fmt.Errorf("no price available for %s", symbol)
}

// positionView reads the position fields of a symbol under the state lock.
func (c *Controller) positionView(symbol string) (side string, size, entry float64, entryTime time.Time, partialDone bool, tpOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[symbol]
	if !ok {
		return
	}
	return state.PositionSide, state.PositionSize, state.EntryPrice, state.EntryTime, state.PartialTPDone, state.TPOrderID
}
