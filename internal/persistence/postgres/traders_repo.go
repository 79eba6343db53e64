package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

type tradersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradersRepo creates the PostgreSQL traders repository.
func NewTradersRepo(db *sqlx.DB, timeout time.Duration) persistence.TradersRepo {
	return &tradersRepo{db: db, timeout: timeout}
}

// Create inserts a trader if the address is new and returns the row either
// way. The address is normalized; the upsert never overwrites first_seen_at
// or discovery_source of an existing row.
func (r *tradersRepo) Create(ctx context.Context, address, source string) (*persistence.Trader, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	address = upstream.NormalizeAddress(address)

	query := `
		INSERT INTO traders (address, first_seen_at, last_updated_at, is_active, discovery_source)
		VALUES ($1, NOW(), NOW(), TRUE, $2)
		ON CONFLICT (address) DO UPDATE SET last_updated_at = NOW()
		RETURNING id, address, first_seen_at, last_updated_at, is_active, discovery_source`

	var trader persistence.Trader
	if err := r.db.GetContext(ctx, &trader, query, address, source); err != nil {
		return nil, fmt.Errorf("create trader %s: %w", address, err)
	}
	return &trader, nil
}

func (r *tradersRepo) GetByAddress(ctx context.Context, address string) (*persistence.Trader, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, address, first_seen_at, last_updated_at, is_active, discovery_source
		FROM traders
		WHERE address = $1`

	var trader persistence.Trader
	err := r.db.GetContext(ctx, &trader, query, upstream.NormalizeAddress(address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trader by address: %w", err)
	}
	return &trader, nil
}

func (r *tradersRepo) ListActive(ctx context.Context) ([]persistence.Trader, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, address, first_seen_at, last_updated_at, is_active, discovery_source
		FROM traders
		WHERE is_active
		ORDER BY first_seen_at`

	var traders []persistence.Trader
	if err := r.db.SelectContext(ctx, &traders, query); err != nil {
		return nil, fmt.Errorf("list active traders: %w", err)
	}
	return traders, nil
}

func (r *tradersRepo) SetActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE traders SET is_active = $2, last_updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set trader %d active=%t: %w", id, active, err)
	}
	return nil
}

func (r *tradersRepo) Touch(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE traders SET last_updated_at = $2 WHERE id = $1 AND last_updated_at < $2`, id, at)
	if err != nil {
		return fmt.Errorf("touch trader %d: %w", id, err)
	}
	return nil
}

func (r *tradersRepo) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM traders`); err != nil {
		return 0, fmt.Errorf("count traders: %w", err)
	}
	return count, nil
}
