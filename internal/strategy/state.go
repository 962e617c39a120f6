package strategy

import (
	"fmt"
	"time"
)

// Position sides
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Trend classifications
const (
	TrendBullish = "BULLISH"
	TrendBearish = "BEARISH"
	TrendNeutral = "NEUTRAL"
)

// SymbolState tracks trend, signal and position data for one symbol. It is
// not self-locking; the trading engine serializes access through its own
// state mutex.
type SymbolState struct {
	Symbol string

	// 4H trend data
	Trend4H         string
	EMA2004H        float64
	ST4HDirection   string
	ST4HPrevDir     string
	ST4HValue       float64
	Last4HUpdate    time.Time

	// 1H signal data
	ST1HDirection string
	ST1HPrevDir   string
	ST1HValue     float64

	// Position data
	PositionSide string
	PositionSize float64
	EntryPrice   float64
	EntryTime    time.Time

	// Stats
	TotalTrades   int
	WinningTrades int
	TotalPnL      float64

	// Partial TP tracking
	PartialTPDone bool
	TPOrderID     string

	// Watermarks of the last processed confirmed candles, unix ms
	LastProcessed1HCandle int64
	LastProcessed4HCandle int64
}

// NewSymbolState creates an empty state for a symbol.
func NewSymbolState(symbol string) *SymbolState {
	return &SymbolState{Symbol: symbol}
}

// UpdateTrend4H records new 4H trend data. On the very first update the
// previous ST direction is seeded with the current one so a cold start never
// looks like a flip.
func (s *SymbolState) UpdateTrend4H(trend string, ema200 float64, stDir string, stVal float64) {
	if s.ST4HDirection == "" {
		s.ST4HPrevDir = stDir
	} else {
		s.ST4HPrevDir = s.ST4HDirection
	}

	s.Trend4H = trend
	s.EMA2004H = ema200
	s.ST4HDirection = stDir
	s.ST4HValue = stVal
	s.Last4HUpdate = time.Now()
}

// Update1HSignal records new 1H SuperTrend data.
func (s *SymbolState) Update1HSignal(stDir string, stVal float64) {
	s.ST1HPrevDir = s.ST1HDirection
	s.ST1HDirection = stDir
	s.ST1HValue = stVal
}

// OpenPosition records a new position and resets TP tracking.
func (s *SymbolState) OpenPosition(side string, size, price float64) error {
	if side != SideLong && side != SideShort {
		return fmt.Errorf("invalid side %q, must be LONG or SHORT", side)
	}
	if size <= 0 {
		return fmt.Errorf("invalid size %v, must be positive", size)
	}
	if price <= 0 {
		return fmt.Errorf("invalid price %v, must be positive", price)
	}

	s.PositionSide = side
	s.PositionSize = size
	s.EntryPrice = price
	s.EntryTime = time.Now()
	s.PartialTPDone = false
	s.TPOrderID = ""
	return nil
}

// ClosePosition updates stats with the realized PnL and resets position
// fields. When pnl is NaN-free zero and computable, callers pass the
// pre-calculated value; a nil pointer means compute from entry/exit here.
func (s *SymbolState) ClosePosition(exitPrice float64, pnl *float64) error {
	if s.PositionSide == "" || s.EntryPrice <= 0 {
		return nil
	}
	if exitPrice <= 0 {
		return fmt.Errorf("invalid exit price %v, must be positive", exitPrice)
	}

	realized := 0.0
	if pnl != nil {
		realized = *pnl
	} else {
		if s.PositionSide == SideLong {
			realized = (exitPrice - s.EntryPrice) * s.PositionSize
		} else {
			realized = (s.EntryPrice - exitPrice) * s.PositionSize
		}
	}

	s.TotalTrades++
	if realized > 0 {
		s.WinningTrades++
	}
	s.TotalPnL += realized

	s.ResetPosition()
	return nil
}

// ResetPosition clears position fields without touching stats. Used when the
// venue reports the position gone.
func (s *SymbolState) ResetPosition() {
	s.PositionSide = ""
	s.PositionSize = 0
	s.EntryPrice = 0
	s.EntryTime = time.Time{}
	s.PartialTPDone = false
	s.TPOrderID = ""
}

// HasPosition reports whether an open position is tracked.
func (s *SymbolState) HasPosition() bool {
	return s.PositionSide != "" && s.PositionSize > 0
}

// UnrealizedPnL returns the open PnL in USDT at the given price.
func (s *SymbolState) UnrealizedPnL(currentPrice float64) float64 {
	if !s.HasPosition() || s.EntryPrice <= 0 || currentPrice <= 0 {
		return 0
	}
	if s.PositionSide == SideLong {
		return (currentPrice - s.EntryPrice) * s.PositionSize
	}
	return (s.EntryPrice - currentPrice) * s.PositionSize
}

// UnrealizedPnLPercent returns the open PnL as a percentage of entry.
func (s *SymbolState) UnrealizedPnLPercent(currentPrice float64) float64 {
	if s.PositionSide == "" || s.EntryPrice <= 0 || currentPrice <= 0 {
		return 0
	}
	if s.PositionSide == SideLong {
		return (currentPrice - s.EntryPrice) / s.EntryPrice * 100
	}
	return (s.EntryPrice - currentPrice) / s.EntryPrice * 100
}

// IsContrarian reports whether the current 1H signal opposes the 4H trend.
func (s *SymbolState) IsContrarian() bool {
	if s.Trend4H == "" || s.ST1HDirection == "" {
		return false
	}
	return (s.Trend4H == TrendBullish && s.ST1HDirection == "red") ||
		(s.Trend4H == TrendBearish && s.ST1HDirection == "green")
}

// StatusSnapshot returns the state as a JSON-friendly map.
func (s *SymbolState) StatusSnapshot() map[string]interface{} {
	winRate := 0.0
	if s.TotalTrades > 0 {
		winRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}

	snapshot := map[string]interface{}{
		"symbol":          s.Symbol,
		"trend_4h":        orNil(s.Trend4H),
		"ema200_4h":       roundOrNil(s.EMA2004H),
		"st_4h":           orNil(s.ST4HDirection),
		"st_4h_value":     roundOrNil(s.ST4HValue),
		"st_4h_prev":      orNil(s.ST4HPrevDir),
		"st_1h":           orNil(s.ST1HDirection),
		"st_1h_value":     roundOrNil(s.ST1HValue),
		"st_1h_prev":      orNil(s.ST1HPrevDir),
		"is_contrarian":   s.IsContrarian(),
		"position":        orNil(s.PositionSide),
		"position_size":   s.PositionSize,
		"entry_price":     roundOrNil(s.EntryPrice),
		"partial_tp_done": s.PartialTPDone,
		"total_trades":    s.TotalTrades,
		"win_rate":        round1(winRate),
		"total_pnl":       round2(s.TotalPnL),
	}
	if !s.EntryTime.IsZero() {
		snapshot["entry_time"] = s.EntryTime.Format(time.RFC3339)
	} else {
		snapshot["entry_time"] = nil
	}
	return snapshot
}

func orNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func roundOrNil(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return round2(v)
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func round2(v float64) float64 {
	if v < 0 {
		return -float64(int(-v*100+0.5)) / 100
	}
	return float64(int(v*100+0.5)) / 100
}
