// Package access controls who may read or use a ledger record.
//
// Only a record's owner may grant permission on it. Grants are append-only:
// there is no revocation, and granting the same identity twice is allowed
// and logged twice. Every successful grant emits exactly one
// permission.granted event after it has been committed.
package access

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

// Grant is one entry of the permission log.
type Grant struct {
	RecordID  uint64            `json:"record_id"`
	Grantee   identity.Identity `json:"grantee"`
	Grantor   identity.Identity `json:"grantor"`
	Seq       uint64            `json:"seq"`
	GrantedAt time.Time         `json:"granted_at"`
}

// Receipt is returned to the caller of a successful grant.
type Receipt struct {
	Grant   Grant     `json:"grant"`
	EventID uuid.UUID `json:"event_id"`
}

// GrantLog persists grants. Seq values must increase in append order.
type GrantLog interface {
	// Append stores a grant and returns it with Seq and GrantedAt set.
	Append(ctx context.Context, recordID uint64, grantee, grantor identity.Identity) (*Grant, error)

	// List returns every grant on recordID in issuance order.
	List(ctx context.Context, recordID uint64) ([]Grant, error)
}

// RecordReader is the part of the ledger the controller depends on.
type RecordReader interface {
	GetRecord(ctx context.Context, id uint64) (*ledger.Record, error)
}

const stripeCount = 64

// Controller enforces owner-only grants over a GrantLog.
type Controller struct {
	records   RecordReader
	log       GrantLog
	publisher events.Publisher // nil = no notifications
	onGrant   func()
	stripes   [stripeCount]sync.Mutex
	logger    *zap.Logger
}

// NewController creates a Controller.
func NewController(records RecordReader, log GrantLog, logger *zap.Logger) *Controller {
	return &Controller{records: records, log: log, logger: logger}
}

// SetPublisher configures where permission.granted events are sent.
func (c *Controller) SetPublisher(p events.Publisher) {
	c.publisher = p
}

// SetGrantRecorder configures a callback invoked after every committed grant.
func (c *Controller) SetGrantRecorder(fn func()) {
	c.onGrant = fn
}

// GrantPermission records that requester, the owner of recordID, grants
// grantee permission on it.
//
// Checks run in a fixed order: the record must exist, the requester must be
// known, the requester must own the record, and the grantee must be a
// non-empty identity other than the requester.
func (c *Controller) GrantPermission(ctx context.Context, recordID uint64, grantee, requester identity.Identity) (*Receipt, error) {
	rec, err := c.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("grant permission: %w", err)
	}

	requester = identity.New(string(requester))
	if requester.IsZero() {
		return nil, fmt.Errorf("grant permission: %w", ledger.ErrUnauthenticated)
	}
	if rec.Owner != requester {
		return nil, fmt.Errorf("grant permission on record %d: %w", recordID, ledger.ErrUnauthorized)
	}

	grantee = identity.New(string(grantee))
	if grantee.IsZero() {
		return nil, fmt.Errorf("grant permission: %w: grantee must not be empty", ledger.ErrInvalidInput)
	}
	if grantee == requester {
		return nil, fmt.Errorf("grant permission: %w: owner cannot grant to itself", ledger.ErrInvalidInput)
	}

	// Holding the stripe across publish keeps per-record events in log order.
	mu := &c.stripes[recordID%stripeCount]
	mu.Lock()
	defer mu.Unlock()

	g, err := c.log.Append(ctx, recordID, grantee, requester)
	if err != nil {
		return nil, fmt.Errorf("grant permission: %w", err)
	}

	ev := events.NewPermissionGranted(recordID, string(requester), string(grantee))
	c.logger.Info("permission granted",
		zap.Uint64("record_id", recordID),
		zap.String("grantee", string(grantee)),
		zap.String("grantor", string(requester)),
		zap.Uint64("seq", g.Seq),
	)
	if c.onGrant != nil {
		c.onGrant()
	}
	if c.publisher != nil {
		c.publisher.Publish(ctx, ev)
	}
	return &Receipt{Grant: *g, EventID: ev.ID}, nil
}

// ListGrants returns the grants on recordID in issuance order. The sequence
// queries the log each time it is ranged over. An unknown record yields a
// single ErrNotFound.
func (c *Controller) ListGrants(ctx context.Context, recordID uint64) iter.Seq2[Grant, error] {
	return func(yield func(Grant, error) bool) {
		if _, err := c.records.GetRecord(ctx, recordID); err != nil {
			yield(Grant{}, err)
			return
		}
		grants, err := c.log.List(ctx, recordID)
		if err != nil {
			yield(Grant{}, fmt.Errorf("list grants: %w", err))
			return
		}
		for _, g := range grants {
			if !yield(g, nil) {
				return
			}
		}
	}
}

// Grantees returns the distinct identities granted permission on recordID,
// in order of their first grant.
func (c *Controller) Grantees(ctx context.Context, recordID uint64) ([]identity.Identity, error) {
	seen := make(map[identity.Identity]bool)
	var out []identity.Identity
	for g, err := range c.ListGrants(ctx, recordID) {
		if err != nil {
			return nil, err
		}
		if !seen[g.Grantee] {
			seen[g.Grantee] = true
			out = append(out, g.Grantee)
		}
	}
	return out, nil
}

// HasAccess reports whether who owns recordID or has been granted
// permission on it.
func (c *Controller) HasAccess(ctx context.Context, recordID uint64, who identity.Identity) (bool, error) {
	rec, err := c.records.GetRecord(ctx, recordID)
	if err != nil {
		return false, err
	}
	who = identity.New(string(who))
	if who.IsZero() {
		return false, nil
	}
	if rec.Owner == who {
		return true, nil
	}
	grants, err := c.log.List(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	for _, g := range grants {
		if g.Grantee == who {
			return true, nil
		}
	}
	return false, nil
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
