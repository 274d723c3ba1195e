// Package storage implements the TimescaleDB sink and the batching
// writer that feeds it, per SPEC_FULL.md §4.C7.
package storage

import (
	"context"
	"fmt"

	"github.com/ibs-source/adam-logger/internal/config"
	"github.com/ibs-source/adam-logger/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimescaleSink writes batches of readings to a TimescaleDB hypertable
// whose primary key is (timestamp, device_id, channel); conflicting rows
// are skipped rather than erroring, so a retried batch is idempotent.
type TimescaleSink struct {
	pool  *pgxpool.Pool
	table string
}

// NewTimescaleSink opens a connection pool per cfg and verifies
// connectivity within cfg.InitTimeout.
func NewTimescaleSink(ctx context.Context, cfg config.TimescaleConfig) (*TimescaleSink, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, sslMode(cfg.SSLMode),
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("storage: parsing pool config: %w", err)
	}
	poolCfg.MinConns = int32(cfg.PoolMinConns)
	poolCfg.MaxConns = int32(cfg.PoolMaxConns)

	initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(initCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: opening pool: %w", err)
	}
	if err := pool.Ping(initCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &TimescaleSink{pool: pool, table: cfg.Table}, nil
}

func sslMode(enabled bool) string {
	if enabled {
		return "require"
	}
	return "disable"
}

// WriteBatch inserts every reading, skipping rows whose
// (timestamp, device_id, channel) primary key already exists.
func (s *TimescaleSink) WriteBatch(ctx context.Context, readings []domain.DeviceReading) error {
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s (timestamp, device_id, channel, raw_value, processed_value, rate, quality, unit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (timestamp, device_id, channel) DO NOTHING`,
		s.table,
	)
	for _, r := range readings {
		batch.Queue(query, r.Timestamp, r.DeviceID, r.Channel, r.RawValue, r.ProcessedValue, r.Rate, r.Quality.String(), r.Unit)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range readings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: batch insert: %w", err)
		}
	}
	return nil
}

// TestConnection pings the pool.
func (s *TimescaleSink) TestConnection(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *TimescaleSink) Close() error {
	s.pool.Close()
	return nil
}

