package ledger

import (
	"context"
	"sync"

	"github.com/jmerrifield20/deesec/internal/identity"
)

// MemoryBackend is an in-memory, thread-safe Backend implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Append implements Backend.
func (m *MemoryBackend) Append(_ context.Context, contentRef string, owner identity.Identity) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &Record{
		ID:               uint64(len(m.records)),
		ContentReference: contentRef,
		Owner:            owner,
		CreatedAt:        nowUTC(),
	}
	m.records = append(m.records, rec)
	cp := *rec
	return &cp, nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, id uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id >= uint64(len(m.records)) {
		return nil, notFound(id)
	}
	cp := *m.records[id]
	return &cp, nil
}

// Len implements Backend.
func (m *MemoryBackend) Len(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}

// ListByOwner implements Backend.
func (m *MemoryBackend) ListByOwner(_ context.Context, owner identity.Identity) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if r.Owner == owner {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
