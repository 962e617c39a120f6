package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	positionKeyFormat = "pullback:position:%s"
	snapshotTTL       = 24 * time.Hour
)

// SnapshotStore mirrors per-symbol position snapshots into Redis so an
// external dashboard can read live state. Optional, like TradeStore.
type SnapshotStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewSnapshotStore connects to Redis and verifies connectivity.
func NewSnapshotStore(addr, password string, db int, logger zerolog.Logger) (*SnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	s := &SnapshotStore{
		client: client,
		logger: logger.With().Str("component", "SnapshotStore").Logger(),
	}
	s.logger.Info().Str("addr", addr).Msg("Connected to Redis snapshot store")
	return s, nil
}

// SavePosition writes the symbol's state snapshot under a TTL'd key.
func (s *SnapshotStore) SavePosition(ctx context.Context, symbol string, snapshot map[string]interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", symbol, err)
	}

	key := fmt.Sprintf(positionKeyFormat, symbol)
	if err := s.client.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", symbol, err)
	}
	return nil
}

// LoadPosition reads a symbol's snapshot, returning nil when absent.
func (s *SnapshotStore) LoadPosition(ctx context.Context, symbol string) (map[string]interface{}, error) {
	key := fmt.Sprintf(positionKeyFormat, symbol)
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", symbol, err)
	}

	var snapshot map[string]interface{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", symbol, err)
	}
	return snapshot, nil
}

// ClearPosition removes a symbol's snapshot.
func (s *SnapshotStore) ClearPosition(ctx context.Context, symbol string) error {
	key := fmt.Sprintf(positionKeyFormat, symbol)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("clear snapshot for %s: %w", symbol, err)
	}
	return nil
}

// Close releases the Redis client.
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}
