package strategy

import "math"

// ST directions as emitted by the indicator package
const (
	DirGreen = "green"
	DirRed   = "red"
)

// DetectTrend classifies the 4H trend from price position and SuperTrend
// direction. A close exactly on the EMA is NEUTRAL regardless of ST.
func DetectTrend(close, ema200 float64, stDirection string) string {
	switch {
	case close > ema200 && stDirection == DirGreen:
		return TrendBullish
	case close < ema200 && stDirection == DirRed:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// CheckEntrySignal returns the side to enter, or "" when there is no signal.
// Entries are contrarian: the 1H SuperTrend must oppose the 4H trend.
func CheckEntrySignal(trend4H, st1HDirection string) string {
	if trend4H == "" || st1HDirection == "" {
		return ""
	}

	// Price pulling back in an uptrend, buy the dip
	if trend4H == TrendBullish && st1HDirection == DirRed {
		return SideLong
	}

	// Price bouncing in a downtrend, sell the rip
	if trend4H == TrendBearish && st1HDirection == DirGreen {
		return SideShort
	}

	return ""
}

// CheckExitSignal reports whether an open position should be closed. A 4H ST
// opposite to the position exits immediately, a green-to-red or red-to-green
// flip exits on the transition.
func CheckExitSignal(positionSide, st4HDirection, st4HPrevDirection string) bool {
	if positionSide == "" || st4HDirection == "" {
		return false
	}

	if positionSide == SideLong && st4HDirection == DirRed {
		return true
	}
	if positionSide == SideShort && st4HDirection == DirGreen {
		return true
	}

	if st4HPrevDirection == "" {
		return false
	}

	if positionSide == SideLong {
		return st4HPrevDirection == DirGreen && st4HDirection == DirRed
	}
	if positionSide == SideShort {
		return st4HPrevDirection == DirRed && st4HDirection == DirGreen
	}

	return false
}

// ShouldPlaceTP reports whether the partial take-profit order should exist.
// The TP is only kept while the trend still favors the position.
func ShouldPlaceTP(positionSide, trend4H, st4HDirection string) bool {
	switch positionSide {
	case SideLong:
		return trend4H == TrendBullish && st4HDirection == DirGreen
	case SideShort:
		return trend4H == TrendBearish && st4HDirection == DirRed
	}
	return false
}

// SignalStrength scores an entry signal 1-3 by the close's distance from the
// 4H EMA200, or 0 when there is no signal. Farther from the EMA means a more
// established trend.
func SignalStrength(trend4H, st1HDirection string, ema2004H, closePrice float64) int {
	if CheckEntrySignal(trend4H, st1HDirection) == "" {
		return 0
	}
	if ema2004H <= 0 {
		return 1
	}

	distancePct := math.Abs((closePrice-ema2004H)/ema2004H) * 100
	switch {
	case distancePct >= 5:
		return 3
	case distancePct >= 2:
		return 2
	default:
		return 1
	}
}
