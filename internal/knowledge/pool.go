package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PoolConfig configures the PostgreSQL connection pool.
type PoolConfig struct {
	URL      string
	MaxConns int32 // 0 = pgxpool default
}

// connectAttempts is the number of pool connect attempts before giving up.
// Backoff grows linearly between attempts.
const connectAttempts = 3

// NewPool creates a pgx connection pool with pgvector type support.
// Connection failures are retried with backoff; the vector extension is
// created on success so a fresh database works without manual setup.
func NewPool(ctx context.Context, cfg PoolConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				if _, err = pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
					pool.Close()
					return nil, fmt.Errorf("create vector extension: %w", err)
				}
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err

		if attempt == connectAttempts {
			break
		}

		delay := time.Duration(attempt) * time.Second
		logger.Warn("postgres connect failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("connect postgres after %d attempts: %w", connectAttempts, lastErr)
}
