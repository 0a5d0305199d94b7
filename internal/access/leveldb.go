package access

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

var (
	prefixGrant = []byte{'G'}
	keyGrantSeq = []byte{'S'}
)

// LevelDBLog persists grants in a LevelDB database. Keys are ordered by
// record then sequence, so a prefix scan returns one record's grants in
// issuance order.
type LevelDBLog struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBLog creates a LevelDBLog over db.
func NewLevelDBLog(db *leveldb.DB) *LevelDBLog {
	return &LevelDBLog{db: db}
}

func grantPrefix(recordID uint64) []byte {
	k := make([]byte, 0, len(prefixGrant)+16)
	k = append(k, prefixGrant...)
	return binary.BigEndian.AppendUint64(k, recordID)
}

// Append implements GrantLog.
func (l *LevelDBLog) Append(_ context.Context, recordID uint64, grantee, grantor identity.Identity) (*Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var last uint64
	v, err := l.db.Get(keyGrantSeq, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read grant seq: %w", err)
	case len(v) != 8:
		return nil, fmt.Errorf("corrupt grant seq: %d bytes", len(v))
	default:
		last = binary.BigEndian.Uint64(v)
	}

	g := Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Grantor:   grantor,
		Seq:       last + 1,
		GrantedAt: nowUTC(),
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode grant: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(binary.BigEndian.AppendUint64(grantPrefix(recordID), g.Seq), data)
	batch.Put(keyGrantSeq, binary.BigEndian.AppendUint64(nil, g.Seq))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write grant batch: %w", err)
	}
	return &g, nil
}

// List implements GrantLog.
func (l *LevelDBLog) List(_ context.Context, recordID uint64) ([]Grant, error) {
	iter := l.db.NewIterator(util.BytesPrefix(grantPrefix(recordID)), nil)
	defer iter.Release()

	var out []Grant
	for iter.Next() {
		var g Grant
		if err := json.Unmarshal(iter.Value(), &g); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		out = append(out, g)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan grants: %w", err)
	}
	return out, nil
}
