// Package audit keeps a tamper-evident hash chain of committed ledger
// events.
//
// Every entry stores the Keccak-256 hash of its predecessor, starting from
// GenesisHash, so rewriting or dropping any stored entry is detected by
// Verify. The chain is fed by the event bus as a Sink and sits beside the
// record store in the same database:
//   - MemoryStore:   in-process, for tests and the memory driver.
//   - PostgresStore: durable, serialised by an advisory lock.
//   - SQLiteStore:   durable, in the ledger's SQLite file.
//   - LevelDBStore:  durable, under its own key prefix.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/deesec/internal/events"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

// GenesisHash is the PrevHash of the first entry and the root of an empty
// chain.
var GenesisHash = "0x" + strings.Repeat("0", 64)

// ErrNotFound is returned by Get for an index past the chain tip.
var ErrNotFound = errors.New("audit entry not found")

// Entry is one link of the chain.
type Entry struct {
	Index    uint64    `json:"index"`
	At       time.Time `json:"at"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	RecordID uint64    `json:"record_id"`
	Actor    string    `json:"actor"`
	Subject  string    `json:"subject,omitempty"`
	DataHash string    `json:"data_hash"`
	PrevHash string    `json:"prev_hash"`
	Hash     string    `json:"hash"`
}

func keccak(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// hashEntry covers every field except Hash itself.
func hashEntry(e *Entry) string {
	s := fmt.Sprintf("%d|%s|%s|%s|%d|%s|%s|%s|%s",
		e.Index, e.At.UTC().Format(time.RFC3339Nano),
		e.EventID, e.Type, e.RecordID, e.Actor, e.Subject,
		e.DataHash, e.PrevHash,
	)
	return keccak([]byte(s))
}

// Store persists chain entries.
type Store interface {
	// Append reads the tail (nil for an empty chain) and stores next(tail)
	// as one atomic step.
	Append(ctx context.Context, next func(tail *Entry) (*Entry, error)) (*Entry, error)

	// Get returns the entry at index, or ErrNotFound.
	Get(ctx context.Context, index uint64) (*Entry, error)

	// Len returns the number of entries.
	Len(ctx context.Context) (uint64, error)

	// Walk calls fn on every entry in index order. fn must not call back
	// into the store.
	Walk(ctx context.Context, fn func(*Entry) error) error
}

// Status summarises the chain for operators.
type Status struct {
	Length uint64 `json:"length"`
	Root   string `json:"root"`
	Intact bool   `json:"intact"`
	// Problem describes the first inconsistency when Intact is false.
	Problem string `json:"problem,omitempty"`
}

// Chain appends events to a Store and checks its integrity.
type Chain struct {
	store  Store
	logger *zap.Logger
}

// NewChain creates a Chain over store.
func NewChain(store Store, logger *zap.Logger) *Chain {
	return &Chain{store: store, logger: logger}
}

// Name implements events.Sink.
func (c *Chain) Name() string { return "audit" }

// Deliver implements events.Sink.
func (c *Chain) Deliver(ctx context.Context, e events.Event) error {
	_, err := c.Append(ctx, e)
	return err
}

// Append links e to the chain tip.
func (c *Chain) Append(ctx context.Context, e events.Event) (*Entry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	dataHash := keccak(data)

	entry, err := c.store.Append(ctx, func(tail *Entry) (*Entry, error) {
		next := &Entry{
			At:       time.Now().UTC().Truncate(time.Microsecond),
			EventID:  e.ID.String(),
			Type:     string(e.Type),
			RecordID: e.RecordID,
			Actor:    e.Actor,
			Subject:  e.Subject,
			DataHash: dataHash,
			PrevHash: GenesisHash,
		}
		if tail != nil {
			next.Index = tail.Index + 1
			next.PrevHash = tail.Hash
		}
		next.Hash = hashEntry(next)
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	c.logger.Debug("audit entry appended",
		zap.Uint64("index", entry.Index),
		zap.String("type", entry.Type),
		zap.Uint64("record_id", entry.RecordID),
	)
	return entry, nil
}

// Get returns the entry at index.
func (c *Chain) Get(ctx context.Context, index uint64) (*Entry, error) {
	return c.store.Get(ctx, index)
}

// Len returns the number of entries.
func (c *Chain) Len(ctx context.Context) (uint64, error) {
	return c.store.Len(ctx)
}

// Root returns the hash of the chain tip, or GenesisHash when empty.
func (c *Chain) Root(ctx context.Context) (string, error) {
	n, err := c.store.Len(ctx)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return GenesisHash, nil
	}
	tip, err := c.store.Get(ctx, n-1)
	if err != nil {
		return "", err
	}
	return tip.Hash, nil
}

// Verify walks the whole chain and returns nil if every link is intact.
// O(n) in chain length.
func (c *Chain) Verify(ctx context.Context) error {
	var (
		want     uint64
		prevHash = GenesisHash
	)
	return c.store.Walk(ctx, func(e *Entry) error {
		if e.Index != want {
			return fmt.Errorf("entry %d missing, found %d", want, e.Index)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("hash chain broken at index %d", e.Index)
		}
		if e.Hash != hashEntry(e) {
			return fmt.Errorf("entry %d has invalid hash", e.Index)
		}
		want++
		prevHash = e.Hash
		return nil
	})
}

// Status verifies the chain and reports its length and root. A broken
// chain is reported in Status, not as an error.
func (c *Chain) Status(ctx context.Context) (*Status, error) {
	n, err := c.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	root, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}
	s := &Status{Length: n, Root: root, Intact: true}
	if err := c.Verify(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.Intact = false
		s.Problem = err.Error()
	}
	return s, nil
}
