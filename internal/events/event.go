// Package events carries ledger notifications from the component that
// committed a change to everyone watching.
//
// Events are produced only after the mutating operation has committed. The
// Bus delivers them in commit order to in-process subscribers and to
// sinks such as Redis pub/sub, signed webhooks or an asynq queue. Each sink
// has its own dispatcher goroutine.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a kind of ledger event.
type Type string

const (
	TypeRecordCreated     Type = "record.created"
	TypePermissionGranted Type = "permission.granted"
)

// Event is a single ledger notification.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     Type      `json:"type"`
	RecordID uint64    `json:"record_id"`
	// Actor is the identity that performed the change: the creator of a
	// record or the requester of a grant.
	Actor string `json:"actor"`
	// Subject is the grantee for permission.granted; empty otherwise.
	Subject          string    `json:"subject,omitempty"`
	ContentReference string    `json:"content_reference,omitempty"`
	At               time.Time `json:"at"`
}

// NewRecordCreated builds the event announcing a committed record.
func NewRecordCreated(recordID uint64, owner, contentRef string) Event {
	return Event{
		ID:               uuid.New(),
		Type:             TypeRecordCreated,
		RecordID:         recordID,
		Actor:            owner,
		ContentReference: contentRef,
		At:               time.Now().UTC(),
	}
}

// NewPermissionGranted builds the event announcing a committed grant.
func NewPermissionGranted(recordID uint64, requester, grantee string) Event {
	return Event{
		ID:       uuid.New(),
		Type:     TypePermissionGranted,
		RecordID: recordID,
		Actor:    requester,
		Subject:  grantee,
		At:       time.Now().UTC(),
	}
}

// Publisher accepts committed events. Publish must not block on slow
// consumers and never fails the caller's operation.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink delivers events to a destination outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}
