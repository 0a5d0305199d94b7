package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

func stores(t *testing.T) map[string]audit.Store {
	t.Helper()

	sqlDB, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	lvl, err := storage.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { lvl.Close() })

	out := map[string]audit.Store{
		"memory":  audit.NewMemoryStore(),
		"sqlite":  audit.NewSQLiteStore(sqlDB),
		"leveldb": audit.NewLevelDBStore(lvl),
	}

	if dsn := os.Getenv("DEESEC_TEST_DATABASE_URL"); dsn != "" {
		pool, err := storage.OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		_, err = storage.Migrate(ctx, pool, zap.NewNop())
		require.NoError(t, err)
		_, err = pool.Exec(ctx, "TRUNCATE audit_chain")
		require.NoError(t, err)
		out["postgres"] = audit.NewPostgresStore(pool)
	}
	return out
}

func appendSample(t *testing.T, c *audit.Chain) []*audit.Entry {
	t.Helper()
	var out []*audit.Entry
	for _, e := range []events.Event{
		events.NewRecordCreated(0, "0xAAA", "Qm1"),
		events.NewPermissionGranted(0, "0xAAA", "0xBBB"),
		events.NewRecordCreated(1, "0xBBB", "Qm2"),
	} {
		entry, err := c.Append(ctx, e)
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func TestChain_emptyRootIsGenesis(t *testing.T) {
	for name, s := range stores(t) {
		c := audit.NewChain(s, zap.NewNop())
		root, err := c.Root(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, audit.GenesisHash, root, name)
		assert.NoError(t, c.Verify(ctx), name)
	}
}

func TestChain_appendLinksEntries(t *testing.T) {
	for name, s := range stores(t) {
		c := audit.NewChain(s, zap.NewNop())
		entries := appendSample(t, c)

		assert.Equal(t, audit.GenesisHash, entries[0].PrevHash, name)
		for i := 1; i < len(entries); i++ {
			assert.Equal(t, uint64(i), entries[i].Index, name)
			assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash, name)
		}
		assert.Equal(t, "permission.granted", entries[1].Type, name)
		assert.Equal(t, "0xBBB", entries[1].Subject, name)

		n, err := c.Len(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, uint64(3), n, name)

		root, err := c.Root(ctx)
		require.NoError(t, err, name)
		assert.Equal(t, entries[2].Hash, root, name)

		got, err := c.Get(ctx, 1)
		require.NoError(t, err, name)
		assert.Equal(t, entries[1].Hash, got.Hash, name)
		assert.True(t, entries[1].At.Equal(got.At), name)

		_, err = c.Get(ctx, 3)
		assert.ErrorIs(t, err, audit.ErrNotFound, name)

		require.NoError(t, c.Verify(ctx), name)
		st, err := c.Status(ctx)
		require.NoError(t, err, name)
		assert.True(t, st.Intact, name)
		assert.Equal(t, uint64(3), st.Length, name)
	}
}

func TestChain_sinkDeliversFromBus(t *testing.T) {
	c := audit.NewChain(audit.NewMemoryStore(), zap.NewNop())
	bus := events.NewBus(zap.NewNop(), c)
	bus.Publish(ctx, events.NewRecordCreated(0, "0xAAA", "Qm"))
	bus.Publish(ctx, events.NewPermissionGranted(0, "0xAAA", "0xBBB"))
	bus.Close()

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.NoError(t, c.Verify(ctx))
}

func TestChain_detectsTamperingSQLite(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()

	c := audit.NewChain(audit.NewSQLiteStore(db), zap.NewNop())
	appendSample(t, c)

	_, err = db.Exec(`UPDATE audit_chain SET actor = '0xEVE' WHERE idx = 1`)
	require.NoError(t, err)

	assert.ErrorContains(t, c.Verify(ctx), "entry 1 has invalid hash")
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Intact)
	assert.NotEmpty(t, st.Problem)
}

func TestChain_detectsDroppedEntryLevelDB(t *testing.T) {
	db, err := storage.OpenLevelDB("")
	require.NoError(t, err)
	defer db.Close()

	c := audit.NewChain(audit.NewLevelDBStore(db), zap.NewNop())
	appendSample(t, c)

	require.NoError(t, db.Delete(audit.EntryKey(1), nil))
	assert.ErrorContains(t, c.Verify(ctx), "entry 1 missing")
}
