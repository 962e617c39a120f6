package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestEquityJournalAppendFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity_history.json")
	j := NewEquityJournal(path, testLogger())

	if !j.Add(10000, false) {
		t.Fatal("first point should always append")
	}
	if j.Add(10050, false) {
		t.Error("0.5% move within the hour should be skipped")
	}
	if !j.Add(10150, false) {
		t.Error("1.5% move should append")
	}
	if !j.Add(10150, true) {
		t.Error("forced point should append")
	}
	if j.Add(0, true) {
		t.Error("non-positive equity should be rejected")
	}

	if got := len(j.History(0)); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestEquityJournalStaleInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity_history.json")
	j := NewEquityJournal(path, testLogger())

	j.mu.Lock()
	j.points = []EquityPoint{{
		Timestamp: time.Now().Add(-2 * time.Hour).Format(time.RFC3339),
		Value:     10000,
	}}
	j.mu.Unlock()

	if !j.Add(10001, false) {
		t.Error("point older than an hour should force a new sample")
	}
}

func TestEquityJournalPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity_history.json")
	j := NewEquityJournal(path, testLogger())
	j.Add(10000, true)
	j.Flush()

	reloaded := NewEquityJournal(path, testLogger())
	history := reloaded.History(0)
	if len(history) != 1 {
		t.Fatalf("reloaded history length = %d, want 1", len(history))
	}
	if history[0].Value != 10000 {
		t.Errorf("reloaded value = %v, want 10000", history[0].Value)
	}
}

func TestEquityJournalCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "equity_history.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := NewEquityJournal(path, testLogger())
	if len(j.History(0)) != 0 {
		t.Error("corrupt file should start an empty journal")
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("corrupt file should be moved to .bak: %v", err)
	}
}

func TestTradeJournalRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_history.json")
	j := NewTradeJournal(path, testLogger())

	entry := time.Now().Add(-30 * time.Minute)
	trade := j.Record("BTCUSDT", "LONG", 50000, 51000, 0.1, 100, entry, false)

	if trade.ID == "" {
		t.Error("trade id should be set")
	}
	if trade.PnLPercent != 2 {
		t.Errorf("PnLPercent = %v, want 2", trade.PnLPercent)
	}
	if trade.IsPartial {
		t.Error("IsPartial should be false")
	}
	if j.Len() != 1 {
		t.Errorf("Len = %d, want 1", j.Len())
	}
}

func TestTradeJournalZeroValueGuards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_history.json")
	j := NewTradeJournal(path, testLogger())

	trade := j.Record("BTCUSDT", "SHORT", 0, 100, 0, -5, time.Time{}, true)
	if trade.PnLPercent != 0 {
		t.Errorf("PnLPercent with zero position value = %v, want 0", trade.PnLPercent)
	}
	if trade.EntryTime == "" {
		t.Error("zero entry time should fall back to now")
	}
}

func TestTradeJournalCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trade_history.json")
	j := NewTradeJournal(path, testLogger())

	j.mu.Lock()
	j.trades = make([]Trade, maxHistoryPoints)
	j.mu.Unlock()

	j.Record("ETHUSDT", "LONG", 3000, 3050, 1, 50, time.Now(), false)
	if j.Len() != maxHistoryPoints {
		t.Errorf("Len = %d, want %d", j.Len(), maxHistoryPoints)
	}
	trades := j.Trades(1)
	if len(trades) != 1 || trades[0].Symbol != "ETHUSDT" {
		t.Error("newest trade should survive the cap")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := writeJSONAtomic(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("writeJSONAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["a"] != 1 {
		t.Errorf("decoded = %v", decoded)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain")
	}
}
