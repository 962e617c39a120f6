package indicator

import (
	"math"
	"testing"

	"bybit-pullback-bot/internal/bybit"
)

func candle(start int64, high, low, close float64) bybit.Kline {
	return bybit.Kline{StartTime: start, High: high, Low: low, Close: close, Confirmed: true}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMA(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 1, 1, 1),
		candle(2, 2, 2, 2),
		candle(3, 3, 3, 3),
		candle(4, 4, 4, 4),
	}

	// alpha 0.5: 1 -> 1.5 -> 2.25 -> 3.125
	ema, err := EMA(klines, 3)
	if err != nil {
		t.Fatalf("EMA: %v", err)
	}
	if !almostEqual(ema, 3.125) {
		t.Errorf("EMA = %v, want 3.125", ema)
	}
}

func TestEMAInputOrderIndependent(t *testing.T) {
	ordered := []bybit.Kline{
		candle(1, 1, 1, 1),
		candle(2, 2, 2, 2),
		candle(3, 3, 3, 3),
		candle(4, 4, 4, 4),
	}
	shuffled := []bybit.Kline{ordered[2], ordered[0], ordered[3], ordered[1]}

	a, err := EMA(ordered, 3)
	if err != nil {
		t.Fatalf("EMA ordered: %v", err)
	}
	b, err := EMA(shuffled, 3)
	if err != nil {
		t.Fatalf("EMA shuffled: %v", err)
	}
	if a != b {
		t.Errorf("EMA depends on input order: %v vs %v", a, b)
	}
}

func TestEMAErrors(t *testing.T) {
	klines := []bybit.Kline{candle(1, 1, 1, 1), candle(2, 2, 2, 2)}

	if _, err := EMA(nil, 3); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := EMA(klines, 0); err == nil {
		t.Error("expected error for period 0")
	}
	if _, err := EMA(klines, 3); err == nil {
		t.Error("expected error for too few candles")
	}
	bad := []bybit.Kline{candle(1, 1, 1, 1), {StartTime: 2, High: 2, Low: 2, Close: math.NaN()}}
	if _, err := EMA(bad, 1); err == nil {
		t.Error("expected error for NaN close")
	}
}

func TestEMASeriesWarmup(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 1, 1, 1),
		candle(2, 2, 2, 2),
		candle(3, 3, 3, 3),
		candle(4, 4, 4, 4),
	}

	series, err := EMASeries(klines, 3)
	if err != nil {
		t.Fatalf("EMASeries: %v", err)
	}
	if len(series) != 4 {
		t.Fatalf("series length = %d, want 4", len(series))
	}
	if !math.IsNaN(series[0]) || !math.IsNaN(series[1]) {
		t.Error("warmup values should be NaN")
	}
	if !almostEqual(series[2], 2.25) || !almostEqual(series[3], 3.125) {
		t.Errorf("series tail = %v %v, want 2.25 3.125", series[2], series[3])
	}
}

func TestSMA(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 1, 1, 1),
		candle(2, 2, 2, 2),
		candle(3, 3, 3, 3),
		candle(4, 4, 4, 4),
	}

	sma, err := SMA(klines, 3)
	if err != nil {
		t.Fatalf("SMA: %v", err)
	}
	if !almostEqual(sma, 3) {
		t.Errorf("SMA = %v, want 3", sma)
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 10, 8, 9),
		candle(2, 11, 9, 10),
		candle(3, 12, 10, 11),
	}

	atr, err := ATR(klines, 2)
	if err != nil {
		t.Fatalf("ATR: %v", err)
	}
	if !math.IsNaN(atr[0]) {
		t.Error("ATR warmup value should be NaN")
	}
	// TR is 2 everywhere: SMA seed 2, then (2*1 + 2)/2 = 2
	if !almostEqual(atr[1], 2) || !almostEqual(atr[2], 2) {
		t.Errorf("ATR = %v, want [NaN 2 2]", atr)
	}
}

func TestATRUsesGapsAgainstPrevClose(t *testing.T) {
	// Second candle gaps down: TR must use |low - prevClose|
	klines := []bybit.Kline{
		candle(1, 14, 12, 13),
		candle(2, 10, 9, 9.5),
	}

	atr, err := ATR(klines, 2)
	if err != nil {
		t.Fatalf("ATR: %v", err)
	}
	// TR0 = 2, TR1 = max(1, |10-13|, |9-13|) = 4, seed = 3
	if !almostEqual(atr[1], 3) {
		t.Errorf("ATR[1] = %v, want 3", atr[1])
	}
}

func TestSuperTrendUptrend(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 10, 8, 9),
		candle(2, 11, 9, 10),
		candle(3, 12, 10, 11),
		candle(4, 13, 11, 12),
	}

	dir, value, err := SuperTrend(klines, 2, 1.0)
	if err != nil {
		t.Fatalf("SuperTrend: %v", err)
	}
	if dir != DirectionGreen {
		t.Errorf("direction = %q, want green", dir)
	}
	// Last final lower band: hl2 12 - ATR 2
	if !almostEqual(value, 10) {
		t.Errorf("value = %v, want 10", value)
	}
}

func TestSuperTrendFlipsToDowntrend(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 14, 12, 13),
		candle(2, 13, 11, 12),
		candle(3, 9, 7, 8),
		candle(4, 8, 6, 7),
	}

	dir, value, err := SuperTrend(klines, 2, 1.0)
	if err != nil {
		t.Fatalf("SuperTrend: %v", err)
	}
	if dir != DirectionRed {
		t.Errorf("direction = %q, want red", dir)
	}
	// Final upper band after the flip: hl2 7 + ATR 2.75
	if !almostEqual(value, 9.75) {
		t.Errorf("value = %v, want 9.75", value)
	}
}

func TestSuperTrendSeriesDirections(t *testing.T) {
	klines := []bybit.Kline{
		candle(1, 14, 12, 13),
		candle(2, 13, 11, 12),
		candle(3, 9, 7, 8),
		candle(4, 8, 6, 7),
	}

	dirs, values, err := SuperTrendSeries(klines, 2, 1.0)
	if err != nil {
		t.Fatalf("SuperTrendSeries: %v", err)
	}
	if len(dirs) != 4 || len(values) != 4 {
		t.Fatalf("series lengths = %d/%d, want 4", len(dirs), len(values))
	}
	// Trend inherits UP until the close breaks the lower band at index 2
	want := []string{DirectionGreen, DirectionGreen, DirectionRed, DirectionRed}
	for i, d := range dirs {
		if d != want[i] {
			t.Errorf("dirs[%d] = %q, want %q", i, d, want[i])
		}
	}
	if !almostEqual(values[2], 11.5) {
		t.Errorf("values[2] = %v, want 11.5", values[2])
	}
}

func TestSuperTrendErrors(t *testing.T) {
	klines := []bybit.Kline{candle(1, 10, 8, 9), candle(2, 11, 9, 10)}

	if _, _, err := SuperTrend(klines, 2, 1.0); err == nil {
		t.Error("expected error for too few candles")
	}
	if _, _, err := SuperTrend(klines, 0, 1.0); err == nil {
		t.Error("expected error for period 0")
	}
	if _, _, err := SuperTrend(klines, 1, 0); err == nil {
		t.Error("expected error for multiplier 0")
	}
}

func TestSuperTrendFlatCandles(t *testing.T) {
	// Zero true range: both bands collapse onto hl2 and the trend is
	// inherited through band locking all the way to the last candle
	klines := []bybit.Kline{
		candle(1, 10, 10, 10),
		candle(2, 10, 10, 10),
		candle(3, 10, 10, 10),
		candle(4, 10, 10, 10),
	}

	dirs, values, err := SuperTrendSeries(klines, 2, 3.0)
	if err != nil {
		t.Fatalf("SuperTrendSeries: %v", err)
	}
	if !math.IsNaN(values[0]) {
		t.Errorf("values[0] = %v, want NaN in the warmup region", values[0])
	}
	for i := 1; i < len(values); i++ {
		if dirs[i] != DirectionGreen {
			t.Errorf("dirs[%d] = %s, want green", i, dirs[i])
		}
		if !almostEqual(values[i], 10) {
			t.Errorf("values[%d] = %v, want 10", i, values[i])
		}
	}

	dir, value, err := SuperTrend(klines, 2, 3.0)
	if err != nil {
		t.Fatalf("SuperTrend: %v", err)
	}
	if dir != DirectionGreen || !almostEqual(value, 10) {
		t.Errorf("SuperTrend = %s/%v, want green/10", dir, value)
	}
}
