package client

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// AuditStatus describes the ledger's event hash chain.
type AuditStatus struct {
	Length  uint64 `json:"length"`
	Root    string `json:"root"`
	Intact  bool   `json:"intact"`
	Problem string `json:"problem,omitempty"`
}

// AuditEntry is one link of the event hash chain.
type AuditEntry struct {
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

// AuditStatus verifies the chain server-side and returns the result.
func (c *Client) AuditStatus(ctx context.Context) (*AuditStatus, error) {
	var st AuditStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AuditEntry fetches the chain entry at index.
func (c *Client) AuditEntry(ctx context.Context, index uint64) (*AuditEntry, error) {
	var e AuditEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/"+strconv.FormatUint(index, 10), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
