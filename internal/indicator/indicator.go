// Package indicator implements the TradingView-compatible indicator kernel
// used by the pullback strategy: EMA, Wilder ATR and SuperTrend.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"bybit-pullback-bot/internal/bybit"
)

// SuperTrend directions
const (
	DirectionGreen = "green"
	DirectionRed   = "red"
)

// sortedCloses returns the close series in chronological order.
func sortedCopy(klines []bybit.Kline) []bybit.Kline {
	out := make([]bybit.Kline, len(klines))
	copy(out, klines)
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func validate(klines []bybit.Kline) error {
	if len(klines) == 0 {
		return fmt.Errorf("no candle data")
	}
	for i, k := range klines {
		if math.IsNaN(k.High) || math.IsNaN(k.Low) || math.IsNaN(k.Close) {
			return fmt.Errorf("candle %d contains invalid numeric values", i)
		}
	}
	return nil
}

// EMA calculates the exponential moving average of the close series for the
// most recent candle. Matches ewm(span=period, adjust=false): seeded at the
// first close with alpha = 2/(period+1).
func EMA(klines []bybit.Kline, period int) (float64, error) {
	if err := validate(klines); err != nil {
		return 0, err
	}
	if period < 1 {
		return 0, fmt.Errorf("period must be >= 1, got %d", period)
	}
	if len(klines) < period {
		return 0, fmt.Errorf("need at least %d candles for EMA%d, got %d", period, period, len(klines))
	}

	sorted := sortedCopy(klines)
	alpha := 2.0 / (float64(period) + 1.0)

	ema := sorted[0].Close
	for i := 1; i < len(sorted); i++ {
		ema = alpha*sorted[i].Close + (1-alpha)*ema
	}

	if math.IsNaN(ema) {
		return 0, fmt.Errorf("EMA calculation resulted in NaN")
	}
	return ema, nil
}

// EMASeries calculates the EMA for every candle. The first period-1 values
// are NaN, mirroring the warmup region.
func EMASeries(klines []bybit.Kline, period int) ([]float64, error) {
	if err := validate(klines); err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("period must be >= 1, got %d", period)
	}

	sorted := sortedCopy(klines)
	alpha := 2.0 / (float64(period) + 1.0)

	out := make([]float64, len(sorted))
	ema := sorted[0].Close
	for i := range sorted {
		if i > 0 {
			ema = alpha*sorted[i].Close + (1-alpha)*ema
		}
		if i < period-1 {
			out[i] = math.NaN()
		} else {
			out[i] = ema
		}
	}
	return out, nil
}

// SMA calculates the simple moving average of the close series for the most
// recent candle.
func SMA(klines []bybit.Kline, period int) (float64, error) {
	if err := validate(klines); err != nil {
		return 0, err
	}
	if len(klines) < period {
		return 0, fmt.Errorf("need at least %d candles for SMA%d, got %d", period, period, len(klines))
	}

	sorted := sortedCopy(klines)
	sum := 0.0
	for _, k := range sorted[len(sorted)-period:] {
		sum += k.Close
	}
	return sum / float64(period), nil
}

// trueRange computes the TR series. Index 0 uses high-low only since there is
// no previous close.
func trueRange(sorted []bybit.Kline) []float64 {
	tr := make([]float64, len(sorted))
	for i, k := range sorted {
		hl := k.High - k.Low
		if i == 0 {
			tr[i] = hl
			continue
		}
		prevClose := sorted[i-1].Close
		hc := math.Abs(k.High - prevClose)
		lc := math.Abs(k.Low - prevClose)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// rma computes the Wilder moving average: the first defined value at index
// period-1 is the SMA of the first period samples, after that
// rma[i] = (rma[i-1]*(period-1) + x[i]) / period. Earlier indices are NaN.
func rma(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(series) < period {
		return out
	}

	sum := 0.0
	for _, v := range series[:period] {
		sum += v
	}
	out[period-1] = sum / float64(period)

	alpha := 1.0 / float64(period)
	for i := period; i < len(series); i++ {
		out[i] = alpha*series[i] + (1-alpha)*out[i-1]
	}
	return out
}

// ATR calculates the Wilder average true range series.
func ATR(klines []bybit.Kline, period int) ([]float64, error) {
	if err := validate(klines); err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("period must be >= 1, got %d", period)
	}
	sorted := sortedCopy(klines)
	return rma(trueRange(sorted), period), nil
}

// SuperTrend calculates the classic ATR SuperTrend and returns the direction
// ("green" for uptrend, "red" for downtrend) and line value on the last
// candle. Band carry-forward, trend decision against the previous final
// bands, and band locking follow the TradingView formulation.
func SuperTrend(klines []bybit.Kline, period int, multiplier float64) (string, float64, error) {
	dirs, values, err := SuperTrendSeries(klines, period, multiplier)
	if err != nil {
		return "", 0, err
	}
	if len(dirs) == 0 {
		return "", 0, fmt.Errorf("need at least %d candles for SuperTrend calculation, got %d", period+1, len(klines))
	}

	last := values[len(values)-1]
	if math.IsNaN(last) {
		return "", 0, fmt.Errorf("SuperTrend calculation resulted in NaN")
	}
	return dirs[len(dirs)-1], last, nil
}

// SuperTrendSeries calculates the SuperTrend direction and value for every
// candle. Values in the ATR warmup region are NaN.
func SuperTrendSeries(klines []bybit.Kline, period int, multiplier float64) ([]string, []float64, error) {
	if err := validate(klines); err != nil {
		return nil, nil, err
	}
	if period < 1 {
		return nil, nil, fmt.Errorf("period must be >= 1, got %d", period)
	}
	if multiplier <= 0 {
		return nil, nil, fmt.Errorf("multiplier must be > 0, got %v", multiplier)
	}
	if len(klines) < period+1 {
		return nil, nil, fmt.Errorf("need at least %d candles for SuperTrend calculation, got %d", period+1, len(klines))
	}

	sorted := sortedCopy(klines)
	atr := rma(trueRange(sorted), period)

	n := len(sorted)
	basicUpper := make([]float64, n)
	basicLower := make([]float64, n)
	for i, k := range sorted {
		hl2 := (k.High + k.Low) / 2.0
		basicUpper[i] = hl2 + multiplier*atr[i]
		basicLower[i] = hl2 - multiplier*atr[i]
	}

	finalUpper := make([]float64, n)
	finalLower := make([]float64, n)
	st := make([]float64, n)
	trend := make([]int, n) // 1 = UP, -1 = DOWN

	for i := 0; i < n; i++ {
		if i == 0 {
			finalUpper[i] = basicUpper[i]
			finalLower[i] = basicLower[i]
			trend[i] = 1
			st[i] = finalLower[i]
			continue
		}

		prevClose := sorted[i-1].Close

		// Final upper band
		bu := basicUpper[i]
		if math.IsNaN(finalUpper[i-1]) {
			finalUpper[i] = bu
		} else if bu < finalUpper[i-1] || prevClose > finalUpper[i-1] {
			finalUpper[i] = bu
		} else {
			finalUpper[i] = finalUpper[i-1]
		}

		// Final lower band
		bl := basicLower[i]
		if math.IsNaN(finalLower[i-1]) {
			finalLower[i] = bl
		} else if bl > finalLower[i-1] || prevClose < finalLower[i-1] {
			finalLower[i] = bl
		} else {
			finalLower[i] = finalLower[i-1]
		}

		// Trend decision against the previous final bands
		currClose := sorted[i].Close
		switch {
		case currClose > finalUpper[i-1]:
			trend[i] = 1
		case currClose < finalLower[i-1]:
			trend[i] = -1
		default:
			trend[i] = trend[i-1]

			// Band locking when the trend is inherited
			if trend[i] == 1 && finalLower[i] < finalLower[i-1] {
				finalLower[i] = finalLower[i-1]
			}
			if trend[i] == -1 && finalUpper[i] > finalUpper[i-1] {
				finalUpper[i] = finalUpper[i-1]
			}
		}

		if trend[i] == 1 {
			st[i] = finalLower[i]
		} else {
			st[i] = finalUpper[i]
		}
	}

	dirs := make([]string, n)
	for i, t := range trend {
		if t == 1 {
			dirs[i] = DirectionGreen
		} else {
			dirs[i] = DirectionRed
		}
	}
	return dirs, st, nil
}
