// Package postgres implements the persistence interfaces on PostgreSQL
// with the TimescaleDB extension.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/perpfolio/perpfolio/internal/persistence"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns pool defaults. The pool is bounded so writers
// serialize on it rather than piling up server-side.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Connect opens the pool, pings it, and builds the repository set.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, *persistence.Repository, error) {
	if cfg.DSN == "" {
		return nil, nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return db, NewRepository(db, cfg.QueryTimeout), nil
}

// NewRepository builds the repository set over an existing pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &persistence.Repository{
		Traders:   NewTradersRepo(db, timeout),
		Trades:    NewTradesRepo(db, timeout),
		Funding:   NewFundingRepo(db, timeout),
		Snapshots: NewSnapshotsRepo(db, timeout),
		Gaps:      NewGapsRepo(db, timeout),
		Discovery: NewDiscoveryRepo(db, timeout),
	}
}
