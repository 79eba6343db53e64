package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/perpfolio/perpfolio/internal/persistence"
	"github.com/perpfolio/perpfolio/internal/upstream"
)

type discoveryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDiscoveryRepo creates the PostgreSQL discovery-queue repository.
func NewDiscoveryRepo(db *sqlx.DB, timeout time.Duration) persistence.DiscoveryRepo {
	return &discoveryRepo{db: db, timeout: timeout}
}

// InsertBatch enqueues discovered addresses. The queue is unique by
// address; re-discoveries are dropped.
func (r *discoveryRepo) InsertBatch(ctx context.Context, items []persistence.DiscoveryItem) error {
	if len(items) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin discovery batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trader_discovery_queue (id, address, source, priority, discovered_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare discovery batch: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		at := item.DiscoveredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			id, upstream.NormalizeAddress(item.Address), item.Source, item.Priority, at, item.Notes)
		if err != nil {
			return fmt.Errorf("enqueue discovery %s: %w", item.Address, err)
		}
	}

	return tx.Commit()
}

func (r *discoveryRepo) NextUnprocessed(ctx context.Context, limit int) ([]persistence.DiscoveryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, address, source, priority, discovered_at, processed_at, notes
		FROM trader_discovery_queue
		WHERE processed_at IS NULL AND priority >= 0
		ORDER BY priority DESC, discovered_at ASC
		LIMIT $1`

	var items []persistence.DiscoveryItem
	if err := r.db.SelectContext(ctx, &items, query, limit); err != nil {
		return nil, fmt.Errorf("next unprocessed discoveries: %w", err)
	}
	return items, nil
}

func (r *discoveryRepo) MarkProcessed(ctx context.Context, id string, notes string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE trader_discovery_queue SET processed_at = NOW(), notes = $2
		 WHERE id = $1 AND processed_at IS NULL`, id, notes)
	if err != nil {
		return fmt.Errorf("mark discovery %s processed: %w", id, err)
	}
	return nil
}

func (r *discoveryRepo) KnownAddresses(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var addresses []string
	if err := r.db.SelectContext(ctx, &addresses,
		`SELECT address FROM trader_discovery_queue`); err != nil {
		return nil, fmt.Errorf("known discovery addresses: %w", err)
	}
	return addresses, nil
}
