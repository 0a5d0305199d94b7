package access

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/deesec/internal/identity"
	"go.uber.org/zap"
)

// grantsLockClass is the first key of the two-key advisory lock taken per
// record; the second key is grantsLockKey of the record identifier.
const grantsLockClass = int32(7301)

// grantsLockKey folds a 64-bit record identifier into the int4 second key.
// Identifiers that fold to the same key share a lock, which only adds
// contention: seq ordering comes from the grants table itself.
func grantsLockKey(recordID uint64) int32 {
	return int32(uint32(recordID) ^ uint32(recordID>>32))
}

// PostgresLog persists grants to the grants table.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements GrantLog.
func (p *PostgresLog) Append(ctx context.Context, recordID uint64, grantee, grantor identity.Identity) (*Grant, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialises grants on one record across ledger instances.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", grantsLockClass, grantsLockKey(recordID)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	g := Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Grantor:   grantor,
		GrantedAt: nowUTC(),
	}
	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO grants (record_id, grantee, grantor, granted_at)
		 VALUES ($1, $2, $3, $4) RETURNING seq`,
		int64(recordID), string(grantee), string(grantor), g.GrantedAt,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("insert grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit grant tx: %w", err)
	}
	g.Seq = uint64(seq)
	p.logger.Debug("grant row inserted", zap.Int64("seq", seq))
	return &g, nil
}

// List implements GrantLog.
func (p *PostgresLog) List(ctx context.Context, recordID uint64) ([]Grant, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT seq, grantee, grantor, granted_at FROM grants WHERE record_id = $1 ORDER BY seq`,
		int64(recordID),
	)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			seq              int64
			grantee, grantor string
			g                Grant
		)
		if err := rows.Scan(&seq, &grantee, &grantor, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		g.RecordID = recordID
		g.Seq = uint64(seq)
		g.Grantee = identity.Identity(grantee)
		g.Grantor = identity.Identity(grantor)
		g.GrantedAt = g.GrantedAt.UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}
