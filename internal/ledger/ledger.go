// Package ledger is the record store of the access-controlled ledger.
//
// A record is an immutable (content reference, owner) pair. Identifiers are
// assigned densely from 0 in creation order; the record count advances in
// the same atomic commit that stores the record, so no reader ever observes
// a reserved identifier without its content.
//
// Four Backend implementations are provided:
//   - MemoryBackend:   in-process, for tests and single-process use.
//   - PostgresBackend: durable, serialised by an advisory lock.
//   - SQLiteBackend:   durable, single-writer SQLite file.
//   - LevelDBBackend:  durable, prefixed keys committed in one batch.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"go.uber.org/zap"
)

// Error kinds reported by the ledger and the access controller.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("record not found")
	ErrUnauthorized    = errors.New("requester is not the record owner")
	ErrUnauthenticated = errors.New("no resolvable identity")
)

// Record is a single immutable ledger entry.
type Record struct {
	ID               uint64            `json:"id"`
	ContentReference string            `json:"content_reference"`
	Owner            identity.Identity `json:"owner"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Backend persists records. Implementations must assign identifiers densely
// and commit the identifier, content and owner as one unit.
type Backend interface {
	// Append stores a new record under the next identifier.
	Append(ctx context.Context, contentRef string, owner identity.Identity) (*Record, error)

	// Get returns the record with the given identifier, or ErrNotFound.
	Get(ctx context.Context, id uint64) (*Record, error)

	// Len returns the number of records stored.
	Len(ctx context.Context) (uint64, error)

	// ListByOwner returns the records owned by owner in identifier order.
	ListByOwner(ctx context.Context, owner identity.Identity) ([]*Record, error)
}

// Ledger validates calls and delegates storage to a Backend.
type Ledger struct {
	backend   Backend
	publisher events.Publisher // nil = no notifications
	onAppend  func()           // nil = no metrics
	logger    *zap.Logger

	// commitMu is held for writing from Append until record.created is
	// published, so no reader sees a record before its event is out.
	commitMu sync.RWMutex
}

// New creates a Ledger over backend.
func New(backend Backend, logger *zap.Logger) *Ledger {
	return &Ledger{backend: backend, logger: logger}
}

// SetPublisher configures where record.created events are sent.
func (l *Ledger) SetPublisher(p events.Publisher) {
	l.publisher = p
}

// SetAppendRecorder configures a callback invoked after every committed record.
func (l *Ledger) SetAppendRecorder(fn func()) {
	l.onAppend = fn
}

// CreateRecord stores a record owned by creator and returns its identifier.
// The content reference is stored exactly as given; it is rejected when it
// is empty or only whitespace.
func (l *Ledger) CreateRecord(ctx context.Context, contentRef string, creator identity.Identity) (uint64, error) {
	owner := identity.New(string(creator))
	if owner.IsZero() {
		return 0, fmt.Errorf("create record: %w", ErrUnauthenticated)
	}
	if strings.TrimSpace(contentRef) == "" {
		return 0, fmt.Errorf("create record: %w: content reference must not be empty", ErrInvalidInput)
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	rec, err := l.backend.Append(ctx, contentRef, owner)
	if err != nil {
		return 0, fmt.Errorf("create record: %w", err)
	}

	l.logger.Debug("record created",
		zap.Uint64("id", rec.ID),
		zap.String("owner", string(rec.Owner)),
		zap.String("content_ref", rec.ContentReference),
	)
	if l.onAppend != nil {
		l.onAppend()
	}
	if l.publisher != nil {
		l.publisher.Publish(ctx, events.NewRecordCreated(rec.ID, string(rec.Owner), rec.ContentReference))
	}
	return rec.ID, nil
}

// GetRecord returns the record with the given identifier.
func (l *Ledger) GetRecord(ctx context.Context, id uint64) (*Record, error) {
	l.commitMu.RLock()
	defer l.commitMu.RUnlock()
	rec, err := l.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordCount returns the number of records created so far.
func (l *Ledger) RecordCount(ctx context.Context) (uint64, error) {
	l.commitMu.RLock()
	defer l.commitMu.RUnlock()
	return l.backend.Len(ctx)
}

// RecordsByOwner returns every record owned by owner.
func (l *Ledger) RecordsByOwner(ctx context.Context, owner identity.Identity) ([]*Record, error) {
	owner = identity.New(string(owner))
	if owner.IsZero() {
		return nil, fmt.Errorf("list records: %w: owner must not be empty", ErrInvalidInput)
	}
	l.commitMu.RLock()
	defer l.commitMu.RUnlock()
	return l.backend.ListByOwner(ctx, owner)
}

// nowUTC is truncated to microseconds, the resolution every backend stores.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func notFound(id uint64) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}
