package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// prefixEntry keys entries as 'A' + big-endian index, so iteration order
// is chain order.
var prefixEntry = []byte{'A'}

// EntryKey returns the LevelDB key of the entry at index.
func EntryKey(index uint64) []byte {
	k := make([]byte, 0, len(prefixEntry)+8)
	k = append(k, prefixEntry...)
	return binary.BigEndian.AppendUint64(k, index)
}

// LevelDBStore persists the chain in a LevelDB database shared with the
// ledger's record and grant keys.
type LevelDBStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// NewLevelDBStore creates a LevelDBStore over db.
func NewLevelDBStore(db *leveldb.DB) *LevelDBStore {
	return &LevelDBStore{db: db}
}

// Append implements Store.
func (s *LevelDBStore) Append(_ context.Context, next func(*Entry) (*Entry, error)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail, err := s.tail()
	if err != nil {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}
	e, err := next(tail)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	if err := s.db.Put(EntryKey(e.Index), data, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, fmt.Errorf("write audit entry: %w", err)
	}
	return e, nil
}

func (s *LevelDBStore) tail() (*Entry, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixEntry), nil)
	defer it.Release()
	if !it.Last() {
		return nil, it.Error()
	}
	var e Entry
	if err := json.Unmarshal(it.Value(), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Get implements Store.
func (s *LevelDBStore) Get(_ context.Context, index uint64) (*Entry, error) {
	data, err := s.db.Get(EntryKey(index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode audit entry %d: %w", index, err)
	}
	return &e, nil
}

// Len implements Store.
func (s *LevelDBStore) Len(_ context.Context) (uint64, error) {
	t, err := s.tail()
	if err != nil {
		return 0, fmt.Errorf("read chain tail: %w", err)
	}
	if t == nil {
		return 0, nil
	}
	return t.Index + 1, nil
}

// Walk implements Store.
func (s *LevelDBStore) Walk(ctx context.Context, fn func(*Entry) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix(prefixEntry), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return it.Error()
}
