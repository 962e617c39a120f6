package strategy

import "testing"

func TestDetectTrend(t *testing.T) {
	tests := []struct {
		name     string
		close    float64
		ema200   float64
		stDir    string
		expected string
	}{
		{"bullish when above ema and green", 105, 100, DirGreen, TrendBullish},
		{"bearish when below ema and red", 95, 100, DirRed, TrendBearish},
		{"neutral when above ema but red", 105, 100, DirRed, TrendNeutral},
		{"neutral when below ema but green", 95, 100, DirGreen, TrendNeutral},
		{"neutral when exactly on ema", 100, 100, DirGreen, TrendNeutral},
		{"neutral on empty direction", 105, 100, "", TrendNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectTrend(tt.close, tt.ema200, tt.stDir)
			if got != tt.expected {
				t.Errorf("DetectTrend(%v, %v, %q) = %q, want %q",
					tt.close, tt.ema200, tt.stDir, got, tt.expected)
			}
		})
	}
}

func TestCheckEntrySignal(t *testing.T) {
	tests := []struct {
		name     string
		trend    string
		st1H     string
		expected string
	}{
		{"long on bullish pullback", TrendBullish, DirRed, SideLong},
		{"short on bearish bounce", TrendBearish, DirGreen, SideShort},
		{"no signal when aligned bullish", TrendBullish, DirGreen, ""},
		{"no signal when aligned bearish", TrendBearish, DirRed, ""},
		{"no signal on neutral trend", TrendNeutral, DirRed, ""},
		{"no signal on empty trend", "", DirRed, ""},
		{"no signal on empty direction", TrendBullish, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckEntrySignal(tt.trend, tt.st1H)
			if got != tt.expected {
				t.Errorf("CheckEntrySignal(%q, %q) = %q, want %q",
					tt.trend, tt.st1H, got, tt.expected)
			}
		})
	}
}

func TestCheckExitSignal(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		st4H     string
		st4HPrev string
		expected bool
	}{
		{"long exits on opposite st", SideLong, DirRed, DirRed, true},
		{"short exits on opposite st", SideShort, DirGreen, DirGreen, true},
		{"long exits on green to red flip", SideLong, DirRed, DirGreen, true},
		{"short exits on red to green flip", SideShort, DirGreen, DirRed, true},
		{"long holds while green", SideLong, DirGreen, DirGreen, false},
		{"short holds while red", SideShort, DirRed, DirRed, false},
		{"long holds on red to green flip", SideLong, DirGreen, DirRed, false},
		{"no exit without position", "", DirRed, DirGreen, false},
		{"no exit without direction", SideLong, "", DirGreen, false},
		{"long aligned with empty prev holds", SideLong, DirGreen, "", false},
		{"long opposite with empty prev exits", SideLong, DirRed, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckExitSignal(tt.side, tt.st4H, tt.st4HPrev)
			if got != tt.expected {
				t.Errorf("CheckExitSignal(%q, %q, %q) = %v, want %v",
					tt.side, tt.st4H, tt.st4HPrev, got, tt.expected)
			}
		})
	}
}

func TestShouldPlaceTP(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		trend    string
		st4H     string
		expected bool
	}{
		{"long with bullish trend", SideLong, TrendBullish, DirGreen, true},
		{"short with bearish trend", SideShort, TrendBearish, DirRed, true},
		{"long after trend degraded", SideLong, TrendNeutral, DirGreen, false},
		{"long after st flipped", SideLong, TrendBullish, DirRed, false},
		{"short after st flipped", SideShort, TrendBearish, DirGreen, false},
		{"no position", "", TrendBullish, DirGreen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldPlaceTP(tt.side, tt.trend, tt.st4H)
			if got != tt.expected {
				t.Errorf("ShouldPlaceTP(%q, %q, %q) = %v, want %v",
					tt.side, tt.trend, tt.st4H, got, tt.expected)
			}
		})
	}
}

func TestSignalStrength(t *testing.T) {
	tests := []struct {
		name     string
		trend    string
		st1H     string
		ema      float64
		close    float64
		expected int
	}{
		{"no signal scores zero", TrendBullish, DirGreen, 100, 106, 0},
		{"strong when far from ema", TrendBullish, DirRed, 100, 106, 3},
		{"medium when near ema", TrendBullish, DirRed, 100, 103, 2},
		{"weak when at ema", TrendBullish, DirRed, 100, 100.5, 1},
		{"strength uses absolute distance", TrendBearish, DirGreen, 100, 94, 3},
		{"weak fallback without ema", TrendBullish, DirRed, 0, 100, 1},
		{"boundary five percent is strong", TrendBullish, DirRed, 100, 105, 3},
		{"boundary two percent is medium", TrendBullish, DirRed, 100, 102, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SignalStrength(tt.trend, tt.st1H, tt.ema, tt.close)
			if got != tt.expected {
				t.Errorf("SignalStrength(%q, %q, %v, %v) = %d, want %d",
					tt.trend, tt.st1H, tt.ema, tt.close, got, tt.expected)
			}
		})
	}
}
