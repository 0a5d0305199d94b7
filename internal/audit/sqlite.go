package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists the chain in the audit_chain table of a database
// opened by storage.OpenSQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore over db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, next func(*Entry) (*Entry, error)) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tail, err := scanSQLiteEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_chain ORDER BY idx DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		tail = nil
	} else if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	e, err := next(tail)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_chain (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Index), e.At.UnixNano(), e.EventID, e.Type, int64(e.RecordID),
		e.Actor, e.Subject, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return e, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, index uint64) (*Entry, error) {
	if index > uint64(1<<63-1) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_chain WHERE idx = ?`, int64(index)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return uint64(n), nil
}

// Walk implements Store.
func (s *SQLiteStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_chain ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*Entry, error) {
	var (
		e                 Entry
		idx, at, recordID int64
	)
	if err := row.Scan(&idx, &at, &e.EventID, &e.Type, &recordID,
		&e.Actor, &e.Subject, &e.DataHash, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Index = uint64(idx)
	e.RecordID = uint64(recordID)
	e.At = time.Unix(0, at).UTC()
	return &e, nil
}
