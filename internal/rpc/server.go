package rpc

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements LedgerService over a ledger and its access controller.
type Server struct {
	ledger *ledger.Ledger
	access *access.Controller
	bus    *events.Bus // nil disables WatchEvents
	logger *zap.Logger
}

// NewServer creates a Server.
func NewServer(l *ledger.Ledger, a *access.Controller, bus *events.Bus, logger *zap.Logger) *Server {
	return &Server{ledger: l, access: a, bus: bus, logger: logger}
}

// NewGRPCServer builds a grpc.Server with the ledger service, the standard
// health service and reflection registered.
func NewGRPCServer(s *Server, auth identity.Authenticator, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		LoggingInterceptor(logger),
		IdentityInterceptor(auth),
	))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)

	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, healthSvc)
	healthSvc.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	return gs
}

// CreateRecord implements LedgerService.
func (s *Server) CreateRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.ledger.CreateRecord(ctx, stringField(in, "content_reference"), identity.FromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]*structpb.Value{"id": u64(id)}), nil
}

// GetRecord implements LedgerService.
func (s *Server) GetRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uint64Field(in, "id")
	if err != nil {
		return nil, toStatus(err)
	}
	rec, err := s.ledger.GetRecord(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return recordToStruct(rec), nil
}

// RecordCount implements LedgerService.
func (s *Server) RecordCount(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.ledger.RecordCount(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]*structpb.Value{"count": u64(n)}), nil
}

// RecordsByOwner implements LedgerService. An absent owner means the caller.
func (s *Server) RecordsByOwner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner := identity.New(stringField(in, "owner"))
	if owner.IsZero() {
		owner = identity.FromContext(ctx)
	}
	if owner.IsZero() {
		return nil, toStatus(fmt.Errorf("list records: %w", ledger.ErrUnauthenticated))
	}
	recs, err := s.ledger.RecordsByOwner(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]*structpb.Struct, len(recs))
	for i, r := range recs {
		items[i] = recordToStruct(r)
	}
	return newStruct(map[string]*structpb.Value{"records": listValue(items)}), nil
}

// GrantPermission implements LedgerService.
func (s *Server) GrantPermission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rid, err := uint64Field(in, "record_id")
	if err != nil {
		return nil, toStatus(err)
	}
	receipt, err := s.access.GrantPermission(ctx, rid, identity.Identity(stringField(in, "grantee")), identity.FromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]*structpb.Value{
		"grant":    structpb.NewStructValue(grantToStruct(receipt.Grant)),
		"event_id": str(receipt.EventID.String()),
	}), nil
}

// ListGrants implements LedgerService.
func (s *Server) ListGrants(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rid, err := uint64Field(in, "record_id")
	if err != nil {
		return nil, toStatus(err)
	}
	var items []*structpb.Struct
	for g, err := range s.access.ListGrants(ctx, rid) {
		if err != nil {
			return nil, toStatus(err)
		}
		items = append(items, grantToStruct(g))
	}
	return newStruct(map[string]*structpb.Value{"grants": listValue(items)}), nil
}

// HasAccess implements LedgerService.
func (s *Server) HasAccess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rid, err := uint64Field(in, "record_id")
	if err != nil {
		return nil, toStatus(err)
	}
	allowed, err := s.access.HasAccess(ctx, rid, identity.Identity(stringField(in, "identity")))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]*structpb.Value{"allowed": structpb.NewBoolValue(allowed)}), nil
}

// WatchEvents implements LedgerService. It streams committed events until
// the client goes away, optionally filtered by record_id and type.
func (s *Server) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.bus == nil {
		return status.Error(codes.Unimplemented, "event stream disabled")
	}
	var filterRecord *uint64
	if _, ok := in.GetFields()["record_id"]; ok {
		rid, err := uint64Field(in, "record_id")
		if err != nil {
			return toStatus(err)
		}
		filterRecord = &rid
	}
	filterType := events.Type(stringField(in, "type"))

	ctx := stream.Context()
	ch, cancel := s.bus.Subscribe(ctx)
	defer cancel()

	// An empty header tells the client the subscription is live.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if filterRecord != nil && e.RecordID != *filterRecord {
				continue
			}
			if filterType != "" && e.Type != filterType {
				continue
			}
			if err := stream.SendMsg(eventToStruct(e)); err != nil {
				s.logger.Debug("watch stream send failed", zap.Error(err))
				return err
			}
		}
	}
}
