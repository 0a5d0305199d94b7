package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/deesec/internal/identity"
	"go.uber.org/zap"
)

// recordsLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all ledger instances.
const recordsLockKey = int64(7_301_100_001)

// PostgresBackend persists records to the records table.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend creates a PostgresBackend backed by the given pool.
func NewPostgresBackend(pool *pgxpool.Pool, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{pool: pool, logger: logger}
}

// Append implements Backend.
// It takes a transaction-scoped advisory lock, derives the next identifier
// from the current row count, and inserts the row in the same transaction.
func (b *PostgresBackend) Append(ctx context.Context, contentRef string, owner identity.Identity) (*Record, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", recordsLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var next int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM records").Scan(&next); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	rec := &Record{
		ID:               uint64(next),
		ContentReference: contentRef,
		Owner:            owner,
		CreatedAt:        nowUTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO records (id, content_ref, owner, created_at) VALUES ($1, $2, $3, $4)`,
		next, rec.ContentReference, string(rec.Owner), rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit record tx: %w", err)
	}

	b.logger.Debug("record row inserted", zap.Int64("id", next))
	return rec, nil
}

// Get implements Backend.
func (b *PostgresBackend) Get(ctx context.Context, id uint64) (*Record, error) {
	if id > uint64(1<<63-1) {
		return nil, notFound(id)
	}
	var (
		rowID int64
		owner string
		rec   Record
	)
	err := b.pool.QueryRow(ctx,
		`SELECT id, content_ref, owner, created_at FROM records WHERE id = $1`, int64(id),
	).Scan(&rowID, &rec.ContentReference, &owner, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	rec.ID = uint64(rowID)
	rec.Owner = identity.Identity(owner)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// Len implements Backend.
func (b *PostgresBackend) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint64(n), nil
}

// ListByOwner implements Backend.
func (b *PostgresBackend) ListByOwner(ctx context.Context, owner identity.Identity) ([]*Record, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT id, content_ref, owner, created_at FROM records WHERE owner = $1 ORDER BY id`,
		string(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("query records by owner: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rowID int64
			o     string
			rec   Record
		)
		if err := rows.Scan(&rowID, &rec.ContentReference, &o, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.ID = uint64(rowID)
		rec.Owner = identity.Identity(o)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
