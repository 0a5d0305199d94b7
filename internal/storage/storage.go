// Package storage opens the database behind the ledger and wires the
// matching record backend and grant log onto the same handle.
package storage

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverLevelDB  = "leveldb"
)

// Stores is an opened record backend, grant log and audit chain store
// sharing one handle.
type Stores struct {
	Records ledger.Backend
	Grants  access.GrantLog
	Audit   audit.Store
	Close   func() error
}

// Open opens the store selected by driver. dsn is a connection URL for
// postgres, a file path for sqlite, and a directory for leveldb; it is
// ignored for memory.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Stores, error) {
	switch driver {
	case DriverMemory, "":
		return &Stores{
			Records: ledger.NewMemoryBackend(),
			Grants:  access.NewMemoryLog(),
			Audit:   audit.NewMemoryStore(),
			Close:   func() error { return nil },
		}, nil

	case DriverPostgres:
		pool, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if _, err := Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Stores{
			Records: ledger.NewPostgresBackend(pool, logger),
			Grants:  access.NewPostgresLog(pool, logger),
			Audit:   audit.NewPostgresStore(pool),
			Close:   func() error { pool.Close(); return nil },
		}, nil

	case DriverSQLite:
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Records: ledger.NewSQLiteBackend(db),
			Grants:  access.NewSQLiteLog(db),
			Audit:   audit.NewSQLiteStore(db),
			Close:   db.Close,
		}, nil

	case DriverLevelDB:
		db, err := OpenLevelDB(dsn)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Records: ledger.NewLevelDBBackend(db),
			Grants:  access.NewLevelDBLog(db),
			Audit:   audit.NewLevelDBStore(db),
			Close:   db.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}
