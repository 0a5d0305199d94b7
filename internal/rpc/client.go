package rpc

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls deesec.ledger.v1.Ledger over an established connection.
// Errors returned by the server match the ledger sentinels with errors.Is.
type Client struct {
	conn     grpc.ClientConnInterface
	identity identity.Identity
	token    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithIdentity sends id as the plain caller identity.
func WithIdentity(id identity.Identity) ClientOption {
	return func(c *Client) { c.identity = id }
}

// WithToken sends token as the bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{conn: conn}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	switch {
	case c.token != "":
		return metadata.AppendToOutgoingContext(ctx, MetadataAuthorization, "Bearer "+c.token)
	case !c.identity.IsZero():
		return metadata.AppendToOutgoingContext(ctx, MetadataIdentity, string(c.identity))
	}
	return ctx
}

func (c *Client) invoke(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), method(name), in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// CreateRecord stores a record owned by the caller.
func (c *Client) CreateRecord(ctx context.Context, contentRef string) (uint64, error) {
	out, err := c.invoke(ctx, "CreateRecord", newStruct(map[string]*structpb.Value{
		"content_reference": str(contentRef),
	}))
	if err != nil {
		return 0, err
	}
	return uint64Field(out, "id")
}

// GetRecord fetches one record.
func (c *Client) GetRecord(ctx context.Context, id uint64) (*ledger.Record, error) {
	out, err := c.invoke(ctx, "GetRecord", newStruct(map[string]*structpb.Value{"id": u64(id)}))
	if err != nil {
		return nil, err
	}
	return recordFromStruct(out)
}

// RecordCount returns the number of records.
func (c *Client) RecordCount(ctx context.Context) (uint64, error) {
	out, err := c.invoke(ctx, "RecordCount", newStruct(nil))
	if err != nil {
		return 0, err
	}
	return uint64Field(out, "count")
}

// RecordsByOwner lists the records of owner, or of the caller when owner is empty.
func (c *Client) RecordsByOwner(ctx context.Context, owner identity.Identity) ([]*ledger.Record, error) {
	out, err := c.invoke(ctx, "RecordsByOwner", newStruct(map[string]*structpb.Value{"owner": str(string(owner))}))
	if err != nil {
		return nil, err
	}
	var recs []*ledger.Record
	for _, s := range listField(out, "records") {
		r, err := recordFromStruct(s)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// GrantPermission grants grantee permission on recordID as the caller.
func (c *Client) GrantPermission(ctx context.Context, recordID uint64, grantee identity.Identity) (*access.Receipt, error) {
	out, err := c.invoke(ctx, "GrantPermission", newStruct(map[string]*structpb.Value{
		"record_id": u64(recordID),
		"grantee":   str(string(grantee)),
	}))
	if err != nil {
		return nil, err
	}
	g, err := grantFromStruct(out.GetFields()["grant"].GetStructValue())
	if err != nil {
		return nil, err
	}
	eid, err := uuid.Parse(stringField(out, "event_id"))
	if err != nil {
		return nil, err
	}
	return &access.Receipt{Grant: g, EventID: eid}, nil
}

// ListGrants returns the grants on recordID in issuance order.
func (c *Client) ListGrants(ctx context.Context, recordID uint64) ([]access.Grant, error) {
	out, err := c.invoke(ctx, "ListGrants", newStruct(map[string]*structpb.Value{"record_id": u64(recordID)}))
	if err != nil {
		return nil, err
	}
	var grants []access.Grant
	for _, s := range listField(out, "grants") {
		g, err := grantFromStruct(s)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// HasAccess reports whether who may use recordID.
func (c *Client) HasAccess(ctx context.Context, recordID uint64, who identity.Identity) (bool, error) {
	out, err := c.invoke(ctx, "HasAccess", newStruct(map[string]*structpb.Value{
		"record_id": u64(recordID),
		"identity":  str(string(who)),
	}))
	if err != nil {
		return false, err
	}
	return out.GetFields()["allowed"].GetBoolValue(), nil
}

// WatchFilter narrows WatchEvents. Zero values match everything.
type WatchFilter struct {
	RecordID *uint64
	Type     events.Type
}

// WatchEvents streams committed events to fn until ctx is done, the server
// ends the stream, or fn returns false. It returns once the subscription is
// live, and runs fn on a separate goroutine; the returned channel yields the
// terminal error (nil on a clean end).
func (c *Client) WatchEvents(ctx context.Context, f WatchFilter, fn func(events.Event) bool) (<-chan error, error) {
	in := map[string]*structpb.Value{}
	if f.RecordID != nil {
		in["record_id"] = u64(*f.RecordID)
	}
	if f.Type != "" {
		in["type"] = str(string(f.Type))
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], method("WatchEvents"))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(newStruct(in)); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if _, err := stream.Header(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	done := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					done <- nil
				} else {
					done <- fromStatus(err)
				}
				return
			}
			e, err := eventFromStruct(msg)
			if err != nil {
				done <- err
				return
			}
			if !fn(e) {
				done <- nil
				return
			}
		}
	}()
	return done, nil
}
