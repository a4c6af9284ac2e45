// Package db owns the Postgres pool behind the engine's cold paths: the
// workflow definition registry and the run history archive.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/officeflow/engine/common/config"
	"github.com/officeflow/engine/common/logger"
)

const (
	connectTimeout = 5 * time.Second
	healthTimeout  = 3 * time.Second
)

// DB wraps pgxpool. The pool is embedded; repositories use Query/QueryRow/
// Exec directly.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens a pool sized from config and verifies connectivity before
// returning. A database that cannot be reached at startup is a hard error;
// the binary should not come up half-wired.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns,
	)
	return &DB{Pool: pool, log: log}, nil
}

// Close drains and closes the pool
func (db *DB) Close() {
	db.log.Info("closing database pool")
	db.Pool.Close()
}

// Health pings with a short deadline; used by readiness checks
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}
