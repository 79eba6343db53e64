package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/pnl"
)

type snapshotsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotsRepo creates the PostgreSQL snapshots repository.
func NewSnapshotsRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotsRepo {
	return &snapshotsRepo{db: db, timeout: timeout}
}

const snapshotFieldCount = 11

// UpsertBatch writes snapshots in one multi-row INSERT. Conflicts on
// (trader_id, ts) take the incoming row: within one millisecond the last
// writer wins, which is the intended collapse for hybrid snapshots.
func (r *snapshotsRepo) UpsertBatch(ctx context.Context, snapshots []pnl.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(snapshots)/500+1))
	defer cancel()

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO pnl_snapshots (trader_id, ts, realized_pnl, unrealized_pnl, total_pnl,
			funding_pnl, trading_pnl, total_fees, open_positions, total_volume, account_value)
		VALUES `)

	args := make([]any, 0, len(snapshots)*snapshotFieldCount)
	for i, s := range snapshots {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * snapshotFieldCount
		sb.WriteString("(")
		for j := 1; j <= snapshotFieldCount; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args,
			s.TraderID, s.Timestamp, s.RealizedPnl, s.UnrealizedPnl, s.TotalPnl,
			s.FundingPnl, s.TradingPnl, s.TotalFees, s.OpenPositions, s.TotalVolume, s.AccountValue)
	}

	sb.WriteString(`
		ON CONFLICT (trader_id, ts) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			total_pnl = EXCLUDED.total_pnl,
			funding_pnl = EXCLUDED.funding_pnl,
			trading_pnl = EXCLUDED.trading_pnl,
			total_fees = EXCLUDED.total_fees,
			open_positions = EXCLUDED.open_positions,
			total_volume = EXCLUDED.total_volume,
			account_value = EXCLUDED.account_value`)

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d snapshots: %w", len(snapshots), err)
	}
	return nil
}

type snapshotRow struct {
	TraderID      int64            `db:"trader_id"`
	Timestamp     time.Time        `db:"ts"`
	RealizedPnl   decimal.Decimal  `db:"realized_pnl"`
	UnrealizedPnl decimal.Decimal  `db:"unrealized_pnl"`
	TotalPnl      decimal.Decimal  `db:"total_pnl"`
	FundingPnl    decimal.Decimal  `db:"funding_pnl"`
	TradingPnl    decimal.Decimal  `db:"trading_pnl"`
	TotalFees     decimal.Decimal  `db:"total_fees"`
	OpenPositions int              `db:"open_positions"`
	TotalVolume   decimal.Decimal  `db:"total_volume"`
	AccountValue  *decimal.Decimal `db:"account_value"`
}

func (r *snapshotsRepo) History(ctx context.Context, traderID int64, tr persistence.TimeRange, limit int) ([]pnl.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT trader_id, ts, realized_pnl, unrealized_pnl, total_pnl,
			funding_pnl, trading_pnl, total_fees, open_positions, total_volume, account_value
		FROM pnl_snapshots
		WHERE trader_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
		LIMIT $4`

	var rows []snapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, traderID, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("snapshot history for trader %d: %w", traderID, err)
	}

	out := make([]pnl.Snapshot, 0, len(rows))
	for _, row := range rows {
		s := pnl.Snapshot{
			TraderID:      row.TraderID,
			Timestamp:     row.Timestamp,
			RealizedPnl:   row.RealizedPnl,
			UnrealizedPnl: row.UnrealizedPnl,
			TotalPnl:      row.TotalPnl,
			FundingPnl:    row.FundingPnl,
			TradingPnl:    row.TradingPnl,
			TotalFees:     row.TotalFees,
			OpenPositions: row.OpenPositions,
			TotalVolume:   row.TotalVolume,
		}
		if row.AccountValue != nil {
			av := *row.AccountValue
			s.AccountValue = &av
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *snapshotsRepo) CountInRange(ctx context.Context, traderID int64, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pnl_snapshots WHERE trader_id = $1 AND ts >= $2 AND ts < $3`,
		traderID, tr.From, tr.To)
	if err != nil {
		return 0, fmt.Errorf("count snapshots for trader %d: %w", traderID, err)
	}
	return count, nil
}

func (r *snapshotsRepo) Timestamps(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stamps []time.Time
	err := r.db.SelectContext(ctx, &stamps,
		`SELECT ts FROM pnl_snapshots WHERE trader_id = $1 AND ts >= $2 AND ts < $3 ORDER BY ts`,
		traderID, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("snapshot timestamps for trader %d: %w", traderID, err)
	}
	return stamps, nil
}

func (r *snapshotsRepo) LastTimestamp(ctx context.Context, traderID int64) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	err := r.db.GetContext(ctx, &ts,
		`SELECT ts FROM pnl_snapshots WHERE trader_id = $1 ORDER BY ts DESC LIMIT 1`, traderID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last snapshot timestamp for trader %d: %w", traderID, err)
	}
	return ts, nil
}

func (r *snapshotsRepo) Hourly(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]persistence.AggregateBucket, error) {
	return r.aggregate(ctx, "pnl_hourly", traderID, tr)
}

func (r *snapshotsRepo) Daily(ctx context.Context, traderID int64, tr persistence.TimeRange) ([]persistence.AggregateBucket, error) {
	return r.aggregate(ctx, "pnl_daily", traderID, tr)
}

func (r *snapshotsRepo) aggregate(ctx context.Context, view string, traderID int64, tr persistence.TimeRange) ([]persistence.AggregateBucket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// view is one of the two continuous aggregate names, never user input.
	query := fmt.Sprintf(`
		SELECT bucket, trader_id, total_pnl, realized_pnl, total_volume
		FROM %s
		WHERE trader_id = $1 AND bucket >= $2 AND bucket < $3
		ORDER BY bucket`, view)

	var buckets []persistence.AggregateBucket
	if err := r.db.SelectContext(ctx, &buckets, query, traderID, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("read %s for trader %d: %w", view, traderID, err)
	}
	return buckets, nil
}

func (r *snapshotsRepo) Leaderboard(ctx context.Context, limit int) ([]persistence.LeaderboardEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (s.trader_id)
			s.trader_id, t.address, s.total_pnl, s.realized_pnl, s.total_volume, s.ts AS as_of
		FROM pnl_snapshots s
		JOIN traders t ON t.id = s.trader_id
		WHERE t.is_active
		ORDER BY s.trader_id, s.ts DESC`

	var latest []persistence.LeaderboardEntry
	if err := r.db.SelectContext(ctx, &latest,
		`SELECT trader_id, address, total_pnl, realized_pnl, total_volume, as_of
		 FROM (`+query+`) latest
		 ORDER BY total_pnl DESC
		 LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	return latest, nil
}
