package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// OpenLevelDB opens (creating if needed) the LevelDB database in dir.
// An empty dir opens a throwaway in-memory database.
func OpenLevelDB(dir string) (*leveldb.DB, error) {
	if dir == "" {
		db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
		if err != nil {
			return nil, fmt.Errorf("open memory leveldb: %w", err)
		}
		return db, nil
	}
	db, err := leveldb.OpenFile(dir, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return db, nil
}
