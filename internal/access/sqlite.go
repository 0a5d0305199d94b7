package access

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmerrifield20/deesec/internal/identity"
)

// SQLiteLog persists grants in the grants table of a SQLite database
// opened by storage.OpenSQLite.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates a SQLiteLog over db.
func NewSQLiteLog(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db}
}

// Append implements GrantLog.
func (s *SQLiteLog) Append(ctx context.Context, recordID uint64, grantee, grantor identity.Identity) (*Grant, error) {
	g := Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Grantor:   grantor,
		GrantedAt: nowUTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (record_id, grantee, grantor, granted_at) VALUES (?, ?, ?, ?)`,
		int64(recordID), string(grantee), string(grantor), g.GrantedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert grant: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("grant seq: %w", err)
	}
	g.Seq = uint64(seq)
	return &g, nil
}

// List implements GrantLog.
func (s *SQLiteLog) List(ctx context.Context, recordID uint64) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, grantee, grantor, granted_at FROM grants WHERE record_id = ? ORDER BY seq`,
		int64(recordID))
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			seq, granted     int64
			grantee, grantor string
		)
		if err := rows.Scan(&seq, &grantee, &grantor, &granted); err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		out = append(out, Grant{
			RecordID:  recordID,
			Grantee:   identity.Identity(grantee),
			Grantor:   identity.Identity(grantor),
			Seq:       uint64(seq),
			GrantedAt: time.Unix(0, granted).UTC(),
		})
	}
	return out, rows.Err()
}
