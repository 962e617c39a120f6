// Package journal persists equity and trade history as JSON files, with
// optional Postgres and Redis mirrors.
package journal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxHistoryPoints = 1000
	saveEvery        = 10

	// Equity points are skipped unless the value moved at least this much
	// or this much time passed since the last point.
	minEquityChangePct = 1.0
	minEquityInterval  = time.Hour
)

// EquityPoint is one sampled account equity value.
type EquityPoint struct {
	Timestamp string  `json:"timestamp"`
	Time      string  `json:"time"`
	Value     float64 `json:"value"`
}

type equityFile struct {
	LastUpdate string        `json:"last_update"`
	History    []EquityPoint `json:"history"`
}

// Trade is one completed (or partial) round trip.
type Trade struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Size       float64 `json:"size"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
	EntryTime  string  `json:"entry_time"`
	ExitTime   string  `json:"exit_time"`
	Timestamp  string  `json:"timestamp"`
	IsPartial  bool    `json:"is_partial"`
}

type tradeFile struct {
	LastUpdate string  `json:"last_update"`
	Trades     []Trade `json:"trades"`
}

// EquityJournal keeps a capped equity curve backed by a JSON file.
type EquityJournal struct {
	mu     sync.Mutex
	path   string
	points []EquityPoint
	logger zerolog.Logger
}

// NewEquityJournal loads existing history from path. A corrupt file is moved
// aside to .bak and the journal starts empty.
func NewEquityJournal(path string, logger zerolog.Logger) *EquityJournal {
	j := &EquityJournal{
		path:   path,
		logger: logger.With().Str("component", "EquityJournal").Logger(),
	}
	j.load()
	return j
}

func (j *EquityJournal) load() {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Error().Err(err).Str("path", j.path).Msg("Failed to read equity history")
		}
		return
	}

	var file equityFile
	if err := json.Unmarshal(data, &file); err != nil {
		j.logger.Error().Err(err).Str("path", j.path).Msg("Corrupted equity history, moving to .bak")
		if renameErr := os.Rename(j.path, j.path+".bak"); renameErr != nil {
			j.logger.Error().Err(renameErr).Msg("Failed to back up corrupted equity history")
		}
		return
	}

	j.points = file.History
	j.logger.Info().Int("points", len(j.points)).Msg("Loaded equity history")
}

// Add records an equity sample. Without force the sample is skipped unless the
// history is empty, the value moved >= 1% since the last point, or an hour has
// passed. It reports whether the point was appended.
func (j *EquityJournal) Add(equity float64, force bool) bool {
	if equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
		return false
	}

	j.mu.Lock()
	now := time.Now()
	point := EquityPoint{
		Timestamp: now.Format(time.RFC3339),
		Time:      now.Format("15:04:05"),
		Value:     round4(equity),
	}

	shouldAdd := force || len(j.points) == 0
	if !shouldAdd {
		last := j.points[len(j.points)-1]
		changePct := 0.0
		if last.Value > 0 {
			changePct = math.Abs((point.Value - last.Value) / last.Value * 100)
		}
		lastTime, err := time.Parse(time.RFC3339, last.Timestamp)
		shouldAdd = changePct >= minEquityChangePct ||
			(err == nil && now.Sub(lastTime) >= minEquityInterval)
	}

	if !shouldAdd {
		j.mu.Unlock()
		return false
	}

	j.points = append(j.points, point)
	if len(j.points) > maxHistoryPoints {
		j.points = j.points[len(j.points)-maxHistoryPoints:]
	}

	persist := force || len(j.points)%saveEvery == 0
	var snapshot []EquityPoint
	if persist {
		snapshot = append([]EquityPoint(nil), j.points...)
	}
	j.mu.Unlock()

	if persist {
		go j.save(snapshot)
	}
	return true
}

// History returns up to limit most recent points, oldest-first.
func (j *EquityJournal) History(limit int) []EquityPoint {
	j.mu.Lock()
	defer j.mu.Unlock()

	points := j.points
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	out := make([]EquityPoint, len(points))
	copy(out, points)
	return out
}

// Last returns the most recent point, or false when empty.
func (j *EquityJournal) Last() (EquityPoint, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.points) == 0 {
		return EquityPoint{}, false
	}
	return j.points[len(j.points)-1], true
}

// Flush writes the current history to disk synchronously.
func (j *EquityJournal) Flush() {
	j.mu.Lock()
	snapshot := append([]EquityPoint(nil), j.points...)
	j.mu.Unlock()
	j.save(snapshot)
}

func (j *EquityJournal) save(points []EquityPoint) {
	file := equityFile{
		LastUpdate: time.Now().Format(time.RFC3339),
		History:    points,
	}
	if err := writeJSONAtomic(j.path, file); err != nil {
		j.logger.Error().Err(err).Str("path", j.path).Msg("Failed to save equity history")
	}
}

// TradeJournal keeps a capped trade log backed by a JSON file.
type TradeJournal struct {
	mu     sync.Mutex
	path   string
	trades []Trade
	logger zerolog.Logger
}

// NewTradeJournal loads existing trades from path. A corrupt file is moved
// aside to .bak and the journal starts empty.
func NewTradeJournal(path string, logger zerolog.Logger) *TradeJournal {
	j := &TradeJournal{
		path:   path,
		logger: logger.With().Str("component", "TradeJournal").Logger(),
	}
	j.load()
	return j
}

func (j *TradeJournal) load() {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Error().Err(err).Str("path", j.path).Msg("Failed to read trade history")
		}
		return
	}

	var file tradeFile
	if err := json.Unmarshal(data, &file); err != nil {
		j.logger.Error().Err(err).Str("path", j.path).Msg("Corrupted trade history, moving to .bak")
		if renameErr := os.Rename(j.path, j.path+".bak"); renameErr != nil {
			j.logger.Error().Err(renameErr).Msg("Failed to back up corrupted trade history")
		}
		return
	}

	j.trades = file.Trades
	j.logger.Info().Int("trades", len(j.trades)).Msg("Loaded trade history")
}

// Record appends a completed trade and persists asynchronously.
func (j *TradeJournal) Record(symbol, side string, entryPrice, exitPrice, size, pnl float64, entryTime time.Time, isPartial bool) Trade {
	now := time.Now()

	positionValue := entryPrice * size
	pnlPercent := 0.0
	if positionValue > 0 {
		pnlPercent = round2(pnl / positionValue * 100)
	}
	if entryTime.IsZero() {
		entryTime = now
	}

	j.mu.Lock()
	trade := Trade{
		ID:         fmt.Sprintf("%s_%d_%d", symbol, now.Unix(), len(j.trades)),
		Symbol:     symbol,
		Side:       side,
		EntryPrice: round2(entryPrice),
		ExitPrice:  round2(exitPrice),
		Size:       round6(size),
		PnL:        round2(pnl),
		PnLPercent: pnlPercent,
		EntryTime:  entryTime.Format(time.RFC3339),
		ExitTime:   now.Format(time.RFC3339),
		Timestamp:  now.Format(time.RFC3339),
		IsPartial:  isPartial,
	}

	j.trades = append(j.trades, trade)
	if len(j.trades) > maxHistoryPoints {
		j.trades = j.trades[len(j.trades)-maxHistoryPoints:]
	}
	snapshot := append([]Trade(nil), j.trades...)
	j.mu.Unlock()

	go j.save(snapshot)
	return trade
}

// Trades returns up to limit most recent trades, oldest-first.
func (j *TradeJournal) Trades(limit int) []Trade {
	j.mu.Lock()
	defer j.mu.Unlock()

	trades := j.trades
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	out := make([]Trade, len(trades))
	copy(out, trades)
	return out
}

// Len returns the number of recorded trades.
func (j *TradeJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.trades)
}

// Flush writes the current trades to disk synchronously.
func (j *TradeJournal) Flush() {
	j.mu.Lock()
	snapshot := append([]Trade(nil), j.trades...)
	j.mu.Unlock()
	j.save(snapshot)
}

func (j *TradeJournal) save(trades []Trade) {
	file := tradeFile{
		LastUpdate: time.Now().Format(time.RFC3339),
		Trades:     trades,
	}
	if err := writeJSONAtomic(j.path, file); err != nil {
		j.logger.Error().Err(err).Str("path", j.path).Msg("Failed to save trade history")
	}
}

// writeJSONAtomic writes v to path via a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round6(v float64) float64 {
	return math.Round(v*1000000) / 1000000
}
