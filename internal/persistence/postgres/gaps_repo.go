package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/perpfolio/perpfolio/internal/persistence"
)

type gapsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGapsRepo creates the PostgreSQL data-gaps repository.
func NewGapsRepo(db *sqlx.DB, timeout time.Duration) persistence.GapsRepo {
	return &gapsRepo{db: db, timeout: timeout}
}

// Insert records one detected gap. Re-detections of the same open window
// are collapsed by the partial unique index on (trader_id, gap_type,
// gap_start) where resolved_at is null.
func (r *gapsRepo) Insert(ctx context.Context, gap persistence.DataGap) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO data_gaps (trader_id, gap_start, gap_end, gap_type, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trader_id, gap_type, gap_start) WHERE resolved_at IS NULL
		DO UPDATE SET gap_end = GREATEST(data_gaps.gap_end, EXCLUDED.gap_end)`

	_, err := r.db.ExecContext(ctx, query,
		gap.TraderID, gap.GapStart, gap.GapEnd, gap.GapType, gap.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert gap for trader %d: %w", gap.TraderID, err)
	}
	return nil
}

func (r *gapsRepo) Open(ctx context.Context, traderID int64) ([]persistence.DataGap, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, trader_id, gap_start, gap_end, gap_type, detected_at, resolved_at
		FROM data_gaps
		WHERE trader_id = $1 AND resolved_at IS NULL
		ORDER BY gap_start`

	var gaps []persistence.DataGap
	if err := r.db.SelectContext(ctx, &gaps, query, traderID); err != nil {
		return nil, fmt.Errorf("open gaps for trader %d: %w", traderID, err)
	}
	return gaps, nil
}

func (r *gapsRepo) InRange(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]persistence.DataGap, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, trader_id, gap_start, gap_end, gap_type, detected_at, resolved_at
		FROM data_gaps
		WHERE trader_id = $1 AND gap_start < $3 AND gap_end > $2
		ORDER BY gap_start`

	var gaps []persistence.DataGap
	if err := r.db.SelectContext(ctx, &gaps, query, traderID, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("gaps in range for trader %d: %w", traderID, err)
	}
	return gaps, nil
}

func (r *gapsRepo) Resolve(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE data_gaps SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("resolve gap %d: %w", id, err)
	}
	return nil
}
