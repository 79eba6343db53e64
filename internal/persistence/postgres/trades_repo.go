package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/perpfolio/perpfolio/internal/persistence"
)

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates the PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

const tradeColumns = `trader_id, coin, side, size, price, closed_pnl, fee, ts, tid,
	is_liquidation, dir, start_position, tx_hash, oid`

// Insert adds one trade row. Duplicate (trader_id, tid) pairs are silently
// skipped; fills are insert-only and idempotent on the upstream id.
func (r *tradesRepo) Insert(ctx context.Context, trade persistence.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trader_id, tid, ts) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		trade.TraderID, trade.Coin, trade.Side, trade.Size, trade.Price,
		trade.ClosedPnl, trade.Fee, trade.Timestamp, trade.Tid,
		trade.IsLiquidation, trade.Dir, trade.StartPosition, trade.TxHash, trade.Oid)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("insert trade tid=%d (pq %s): %w", trade.Tid, pqErr.Code, err)
		}
		return fmt.Errorf("insert trade tid=%d: %w", trade.Tid, err)
	}
	return nil
}

// InsertBatch adds trades in one transaction, idempotent per row.
func (r *tradesRepo) InsertBatch(ctx context.Context, trades []persistence.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/200+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trades batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (trader_id, tid, ts) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare trades batch: %w", err)
	}
	defer stmt.Close()

	for _, trade := range trades {
		_, err := stmt.ExecContext(ctx,
			trade.TraderID, trade.Coin, trade.Side, trade.Size, trade.Price,
			trade.ClosedPnl, trade.Fee, trade.Timestamp, trade.Tid,
			trade.IsLiquidation, trade.Dir, trade.StartPosition, trade.TxHash, trade.Oid)
		if err != nil {
			return fmt.Errorf("insert trade tid=%d in batch: %w", trade.Tid, err)
		}
	}

	return tx.Commit()
}

func (r *tradesRepo) ListByTrader(ctx context.Context, traderID int64, tr persistence.TimeRange, limit int) ([]persistence.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ` + tradeColumns + `
		FROM trades
		WHERE trader_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4`

	var trades []persistence.Trade
	if err := r.db.SelectContext(ctx, &trades, query, traderID, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("list trades for trader %d: %w", traderID, err)
	}
	return trades, nil
}

func (r *tradesRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM trades WHERE trader_id = $1 AND ts >= $2 AND ts < $3`,
		traderID, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("count trades for trader %d: %w", traderID, err)
	}
	return count, nil
}
