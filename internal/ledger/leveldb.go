package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key prefixes
var (
	prefixRecord   = []byte{'R'}
	prefixOwner    = []byte{'O'}
	keyRecordCount = []byte{'N'}
)

// LevelDBBackend persists records in a LevelDB database. A record, its
// owner index entry and the new count are written in a single batch.
type LevelDBBackend struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBBackend creates a LevelDBBackend over db.
func NewLevelDBBackend(db *leveldb.DB) *LevelDBBackend {
	return &LevelDBBackend{db: db}
}

func recordKey(id uint64) []byte {
	k := make([]byte, 0, len(prefixRecord)+8)
	k = append(k, prefixRecord...)
	return binary.BigEndian.AppendUint64(k, id)
}

func ownerPrefix(owner identity.Identity) []byte {
	k := make([]byte, 0, len(prefixOwner)+len(owner)+1)
	k = append(k, prefixOwner...)
	k = append(k, owner...)
	return append(k, 0)
}

func ownerKey(owner identity.Identity, id uint64) []byte {
	return binary.BigEndian.AppendUint64(ownerPrefix(owner), id)
}

// Append implements Backend.
func (b *LevelDBBackend) Append(_ context.Context, contentRef string, owner identity.Identity) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := readCounter(b.db, keyRecordCount)
	if err != nil {
		return nil, fmt.Errorf("read record count: %w", err)
	}

	rec := &Record{
		ID:               next,
		ContentReference: contentRef,
		Owner:            owner,
		CreatedAt:        nowUTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(recordKey(next), data)
	batch.Put(ownerKey(owner, next), nil)
	batch.Put(keyRecordCount, binary.BigEndian.AppendUint64(nil, next+1))
	if err := b.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write record batch: %w", err)
	}
	return rec, nil
}

// Get implements Backend.
func (b *LevelDBBackend) Get(_ context.Context, id uint64) (*Record, error) {
	data, err := b.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	return &rec, nil
}

// Len implements Backend.
func (b *LevelDBBackend) Len(_ context.Context) (uint64, error) {
	n, err := readCounter(b.db, keyRecordCount)
	if err != nil {
		return 0, fmt.Errorf("read record count: %w", err)
	}
	return n, nil
}

// ListByOwner implements Backend.
func (b *LevelDBBackend) ListByOwner(ctx context.Context, owner identity.Identity) ([]*Record, error) {
	prefix := ownerPrefix(owner)
	iter := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	var ids []uint64
	for iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(k[len(prefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan owner index: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// readCounter returns the big-endian counter stored under key, or 0.
func readCounter(db *leveldb.DB, key []byte) (uint64, error) {
	v, err := db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt counter %q: %d bytes", key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
