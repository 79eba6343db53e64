package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/persistence"
)

type fundingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFundingRepo creates the PostgreSQL funding repository.
func NewFundingRepo(db *sqlx.DB, timeout time.Duration) persistence.FundingRepo {
	return &fundingRepo{db: db, timeout: timeout}
}

// InsertBatch adds funding payments in one transaction, idempotent on
// (trader_id, coin, ts).
func (r *fundingRepo) InsertBatch(ctx context.Context, payments []persistence.FundingPayment) error {
	if len(payments) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(payments)/200+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin funding batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO funding_payments (trader_id, coin, funding_rate, payment, position_size, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trader_id, coin, ts) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare funding batch: %w", err)
	}
	defer stmt.Close()

	for _, p := range payments {
		_, err := stmt.ExecContext(ctx,
			p.TraderID, p.Coin, p.FundingRate, p.Payment, p.PositionSize, p.Timestamp)
		if err != nil {
			return fmt.Errorf("insert funding %s@%s in batch: %w", p.Coin, p.Timestamp, err)
		}
	}

	return tx.Commit()
}

func (r *fundingRepo) ListByTrader(ctx context.Context, traderID int64, tr persistence.TimeRange, limit int) ([]persistence.FundingPayment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, trader_id, coin, funding_rate, payment, position_size, ts
		FROM funding_payments
		WHERE trader_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4`

	var payments []persistence.FundingPayment
	if err := r.db.SelectContext(ctx, &payments, query, traderID, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("list funding for trader %d: %w", traderID, err)
	}
	return payments, nil
}

func (r *fundingRepo) SumInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum,
		`SELECT COALESCE(SUM(payment), 0) FROM funding_payments WHERE trader_id = $1 AND ts >= $2 AND ts < $3`,
		traderID, tr.From, tr.To)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum funding for trader %d: %w", traderID, err)
	}
	return sum, nil
}

func (r *fundingRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM funding_payments WHERE trader_id = $1 AND ts >= $2 AND ts < $3`,
		traderID, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("count funding for trader %d: %w", traderID, err)
	}
	return count, nil
}
