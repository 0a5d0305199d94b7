package rpc

import (
	"context"
	"strings"
	"time"

	"github.com/jmerrifield20/deesec/internal/identity"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys carrying the caller credential.
const (
	MetadataAuthorization = "authorization"
	MetadataIdentity      = "x-ledger-identity"
)

// credential returns the bearer token from the authorization metadata, or
// else the plain identity metadata.
func credential(md metadata.MD) string {
	if v := md.Get(MetadataAuthorization); len(v) > 0 && strings.HasPrefix(v[0], "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(v[0], "Bearer "))
	}
	if v := md.Get(MetadataIdentity); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// IdentityInterceptor resolves the caller identity from request metadata and
// stores it in the handler context. Calls without a credential proceed
// anonymously; an invalid credential fails with Unauthenticated.
func IdentityInterceptor(auth identity.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		cred := credential(md)
		if cred == "" {
			return handler(ctx, req)
		}
		id, err := auth.Authenticate(cred)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid credential: %v", err)
		}
		return handler(identity.WithContext(ctx, id), req)
	}
}

// LoggingInterceptor returns a gRPC unary server interceptor that logs each call.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
