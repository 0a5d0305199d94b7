// Package rpc serves the ledger over gRPC.
//
// The service deesec.ledger.v1.Ledger is described by a hand-written
// grpc.ServiceDesc whose request and response messages are
// google.protobuf.Struct values, so no generated stubs are needed:
//
//	CreateRecord     {content_reference}        -> {id}
//	GetRecord        {id}                       -> record
//	RecordCount      {}                         -> {count}
//	RecordsByOwner   {owner}                    -> {records}
//	GrantPermission  {record_id, grantee}       -> {grant, event_id}
//	ListGrants       {record_id}                -> {grants}
//	HasAccess        {record_id, identity}      -> {allowed}
//	WatchEvents      {record_id?, type?}        -> stream of events
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "deesec.ledger.v1.Ledger"

// LedgerService is implemented by Server.
type LedgerService interface {
	CreateRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetRecord(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RecordCount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RecordsByOwner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GrantPermission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListGrants(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	HasAccess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error
}

type unaryCall func(s LedgerService, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes deesec.ledger.v1.Ledger for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerService)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateRecord", LedgerService.CreateRecord),
		unary("GetRecord", LedgerService.GetRecord),
		unary("RecordCount", LedgerService.RecordCount),
		unary("RecordsByOwner", LedgerService.RecordsByOwner),
		unary("GrantPermission", LedgerService.GrantPermission),
		unary("ListGrants", LedgerService.ListGrants),
		unary("HasAccess", LedgerService.HasAccess),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(LedgerService).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "deesec/ledger/v1/ledger.proto",
}

func method(name string) string { return "/" + ServiceName + "/" + name }
