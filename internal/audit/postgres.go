package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chainLockKey serialises appends from every ledgerd sharing the database.
const chainLockKey = int64(7_301_100_003)

const entryColumns = `idx, at, event_id, type, record_id, actor, subject, data_hash, prev_hash, hash`

// PostgresStore persists the chain in the audit_chain table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store. The tail is read and the new entry inserted
// under a transaction-scoped advisory lock.
func (s *PostgresStore) Append(ctx context.Context, next func(*Entry) (*Entry, error)) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tail, err := scanPostgresEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_chain ORDER BY idx DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		tail = nil
	} else if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	e, err := next(tail)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_chain (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(e.Index), e.At, e.EventID, e.Type, int64(e.RecordID),
		e.Actor, e.Subject, e.DataHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}
	return e, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, index uint64) (*Entry, error) {
	if index > uint64(1<<63-1) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	e, err := scanPostgresEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_chain WHERE idx = $1`, int64(index)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return uint64(n), nil
}

// Walk implements Store.
func (s *PostgresStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM audit_chain ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanPostgresEntry(row pgx.Row) (*Entry, error) {
	var (
		e             Entry
		idx, recordID int64
	)
	if err := row.Scan(&idx, &e.At, &e.EventID, &e.Type, &recordID,
		&e.Actor, &e.Subject, &e.DataHash, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Index = uint64(idx)
	e.RecordID = uint64(recordID)
	e.At = e.At.UTC()
	return &e, nil
}
