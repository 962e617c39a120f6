package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TradeStore mirrors completed trades into PostgreSQL. It is optional; when
// no DSN is configured the engine runs on the file journals alone.
type TradeStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewTradeStore connects to Postgres and ensures the trades table exists.
func NewTradeStore(ctx context.Context, dsn string, logger zerolog.Logger) (*TradeStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &TradeStore{
		pool:   pool,
		logger: logger.With().Str("component", "TradeStore").Logger(),
	}

	if err := s.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.Info().Msg("Connected to PostgreSQL trade store")
	return s, nil
}

func (s *TradeStore) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS trades (
		id VARCHAR(64) PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(5) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		exit_price DECIMAL(20, 8) NOT NULL,
		size DECIMAL(20, 8) NOT NULL,
		pnl DECIMAL(20, 8) NOT NULL,
		pnl_percent DECIMAL(10, 4) NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_time TIMESTAMPTZ NOT NULL,
		is_partial BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create trades table: %w", err)
	}
	return nil
}

// Insert writes one trade row. Conflicting ids are ignored so replays from
// the file journal are safe.
func (s *TradeStore) Insert(ctx context.Context, trade Trade) error {
	const query = `INSERT INTO trades
		(id, symbol, side, entry_price, exit_price, size, pnl, pnl_percent, entry_time, exit_time, is_partial)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	entryTime, err := time.Parse(time.RFC3339, trade.EntryTime)
	if err != nil {
		entryTime = time.Now()
	}
	exitTime, err := time.Parse(time.RFC3339, trade.ExitTime)
	if err != nil {
		exitTime = time.Now()
	}

	_, err = s.pool.Exec(ctx, query,
		trade.ID, trade.Symbol, trade.Side,
		trade.EntryPrice, trade.ExitPrice, trade.Size,
		trade.PnL, trade.PnLPercent,
		entryTime, exitTime, trade.IsPartial,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *TradeStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
