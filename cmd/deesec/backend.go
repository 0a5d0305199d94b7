package main

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/rpc"
	"github.com/jmerrifield20/deesec/pkg/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ledgerAPI is the set of operations the CLI needs, served either by the
// HTTP SDK or by the gRPC client.
type ledgerAPI interface {
	CreateRecord(ctx context.Context, contentRef string) (uint64, error)
	GetRecord(ctx context.Context, id uint64) (*client.Record, error)
	RecordCount(ctx context.Context) (uint64, error)
	RecordsByOwner(ctx context.Context, owner string) ([]client.Record, error)
	GrantPermission(ctx context.Context, id uint64, grantee string) (*client.Receipt, error)
	ListGrants(ctx context.Context, id uint64) ([]client.Grant, error)
	HasAccess(ctx context.Context, id uint64, who string) (bool, error)
	Watch(ctx context.Context, f client.WatchOptions, fn func(client.Event) bool) error
}

// connect returns the API selected by the global flags and a func that
// releases it.
func connect() (ledgerAPI, func(), error) {
	if grpcAddr != "" {
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", grpcAddr, err)
		}
		var opts []rpc.ClientOption
		if asWho != "" {
			opts = append(opts, rpc.WithIdentity(identity.New(asWho)))
		}
		if token != "" {
			opts = append(opts, rpc.WithToken(token))
		}
		return grpcAPI{rpc.NewClient(conn, opts...)}, func() { _ = conn.Close() }, nil
	}

	var opts []client.Option
	if asWho != "" {
		opts = append(opts, client.WithIdentity(asWho))
	}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	c, err := client.New(serverURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {}, nil
}

// grpcAPI adapts rpc.Client to the SDK's value types.
type grpcAPI struct {
	c *rpc.Client
}

func (g grpcAPI) CreateRecord(ctx context.Context, contentRef string) (uint64, error) {
	return g.c.CreateRecord(ctx, contentRef)
}

func (g grpcAPI) GetRecord(ctx context.Context, id uint64) (*client.Record, error) {
	rec, err := g.c.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &client.Record{
		ID:               rec.ID,
		ContentReference: rec.ContentReference,
		Owner:            string(rec.Owner),
		CreatedAt:        rec.CreatedAt,
	}, nil
}

func (g grpcAPI) RecordCount(ctx context.Context) (uint64, error) {
	return g.c.RecordCount(ctx)
}

func (g grpcAPI) RecordsByOwner(ctx context.Context, owner string) ([]client.Record, error) {
	if owner == "" {
		owner = asWho
	}
	recs, err := g.c.RecordsByOwner(ctx, identity.New(owner))
	if err != nil {
		return nil, err
	}
	out := make([]client.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, client.Record{
			ID:               r.ID,
			ContentReference: r.ContentReference,
			Owner:            string(r.Owner),
			CreatedAt:        r.CreatedAt,
		})
	}
	return out, nil
}

func (g grpcAPI) GrantPermission(ctx context.Context, id uint64, grantee string) (*client.Receipt, error) {
	r, err := g.c.GrantPermission(ctx, id, identity.New(grantee))
	if err != nil {
		return nil, err
	}
	return &client.Receipt{Grant: sdkGrant(r.Grant), EventID: r.EventID.String()}, nil
}

func (g grpcAPI) ListGrants(ctx context.Context, id uint64) ([]client.Grant, error) {
	grants, err := g.c.ListGrants(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]client.Grant, 0, len(grants))
	for _, gr := range grants {
		out = append(out, sdkGrant(gr))
	}
	return out, nil
}

func (g grpcAPI) HasAccess(ctx context.Context, id uint64, who string) (bool, error) {
	return g.c.HasAccess(ctx, id, identity.New(who))
}

func (g grpcAPI) Watch(ctx context.Context, f client.WatchOptions, fn func(client.Event) bool) error {
	done, err := g.c.WatchEvents(ctx, rpc.WatchFilter{RecordID: f.RecordID, Type: events.Type(f.Type)}, func(e events.Event) bool {
		return fn(client.Event{
			ID:               e.ID.String(),
			Type:             string(e.Type),
			RecordID:         e.RecordID,
			Actor:            e.Actor,
			Subject:          e.Subject,
			ContentReference: e.ContentReference,
			At:               e.At,
		})
	})
	if err != nil {
		return err
	}
	if f.OnOpen != nil {
		f.OnOpen()
	}
	return <-done
}
