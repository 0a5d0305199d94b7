package access

import (
	"context"
	"sync"

	"github.com/jmerrifield20/deesec/internal/identity"
)

// MemoryLog is an in-memory GrantLog.
type MemoryLog struct {
	mu       sync.RWMutex
	seq      uint64
	byRecord map[uint64][]Grant
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byRecord: make(map[uint64][]Grant)}
}

// Append implements GrantLog.
func (m *MemoryLog) Append(_ context.Context, recordID uint64, grantee, grantor identity.Identity) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	g := Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Grantor:   grantor,
		Seq:       m.seq,
		GrantedAt: nowUTC(),
	}
	m.byRecord[recordID] = append(m.byRecord[recordID], g)
	return &g, nil
}

// List implements GrantLog.
func (m *MemoryLog) List(_ context.Context, recordID uint64) ([]Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byRecord[recordID]
	out := make([]Grant, len(src))
	copy(out, src)
	return out, nil
}
