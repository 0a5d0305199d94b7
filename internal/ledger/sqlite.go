package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/deesec/internal/identity"
)

// SQLiteBackend persists records in a SQLite database opened by
// storage.OpenSQLite. The handle is limited to one connection, so every
// Append transaction is the only writer.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a SQLiteBackend over db.
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// Append implements Backend.
func (b *SQLiteBackend) Append(ctx context.Context, contentRef string, owner identity.Identity) (*Record, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&next); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	rec := &Record{
		ID:               uint64(next),
		ContentReference: contentRef,
		Owner:            owner,
		CreatedAt:        nowUTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, content_ref, owner, created_at) VALUES (?, ?, ?, ?)`,
		next, rec.ContentReference, string(rec.Owner), rec.CreatedAt.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit record tx: %w", err)
	}
	return rec, nil
}

// Get implements Backend.
func (b *SQLiteBackend) Get(ctx context.Context, id uint64) (*Record, error) {
	if id > uint64(1<<63-1) {
		return nil, notFound(id)
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT id, content_ref, owner, created_at FROM records WHERE id = ?`, int64(id))
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// Len implements Backend.
func (b *SQLiteBackend) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint64(n), nil
}

// ListByOwner implements Backend.
func (b *SQLiteBackend) ListByOwner(ctx context.Context, owner identity.Identity) ([]*Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, content_ref, owner, created_at FROM records WHERE owner = ? ORDER BY id`,
		string(owner))
	if err != nil {
		return nil, fmt.Errorf("query records by owner: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(s rowScanner) (*Record, error) {
	var (
		id      int64
		owner   string
		created int64
		rec     Record
	)
	if err := s.Scan(&id, &rec.ContentReference, &owner, &created); err != nil {
		return nil, err
	}
	rec.ID = uint64(id)
	rec.Owner = identity.Identity(owner)
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}
