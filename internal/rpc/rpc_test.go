package rpc_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"github.com/jmerrifield20/deesec/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	conn *grpc.ClientConn
	bus  *events.Bus
}

func startServer(t *testing.T, auth identity.Authenticator) *harness {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	l := ledger.New(ledger.NewMemoryBackend(), zap.NewNop())
	l.SetPublisher(bus)
	ctrl := access.NewController(l, access.NewMemoryLog(), zap.NewNop())
	ctrl.SetPublisher(bus)

	lis := bufconn.Listen(1 << 20)
	gs := rpc.NewGRPCServer(rpc.NewServer(l, ctrl, bus, zap.NewNop()), auth, zap.NewNop())
	go gs.Serve(lis) //nolint:errcheck

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		bus.Close()
	})
	return &harness{conn: conn, bus: bus}
}

func TestLedgerService_endToEnd(t *testing.T) {
	h := startServer(t, identity.OpenAuthenticator{})
	ctx := context.Background()
	owner := rpc.NewClient(h.conn, rpc.WithIdentity("0xAAA"))
	other := rpc.NewClient(h.conn, rpc.WithIdentity("0xBBB"))
	anon := rpc.NewClient(h.conn)

	id, err := owner.CreateRecord(ctx, "Qm123abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	rec, err := anon.GetRecord(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Qm123abc", rec.ContentReference)
	assert.Equal(t, identity.Identity("0xAAA"), rec.Owner)
	assert.False(t, rec.CreatedAt.IsZero())

	n, err := anon.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	receipt, err := owner.GrantPermission(ctx, 0, "0xBBB")
	require.NoError(t, err)
	assert.Equal(t, identity.Identity("0xBBB"), receipt.Grant.Grantee)

	grants, err := anon.ListGrants(ctx, 0)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, receipt.Grant.Seq, grants[0].Seq)

	ok, err := anon.HasAccess(ctx, 0, "0xBBB")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = anon.HasAccess(ctx, 0, "0xCCC")
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := owner.RecordsByOwner(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recs, err = other.RecordsByOwner(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLedgerService_errorMapping(t *testing.T) {
	h := startServer(t, identity.OpenAuthenticator{})
	ctx := context.Background()
	owner := rpc.NewClient(h.conn, rpc.WithIdentity("0xAAA"))
	other := rpc.NewClient(h.conn, rpc.WithIdentity("0xBBB"))
	anon := rpc.NewClient(h.conn)

	_, err := owner.CreateRecord(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = anon.CreateRecord(ctx, "Qm")
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = owner.CreateRecord(ctx, "Qm")
	require.NoError(t, err)

	_, err = other.GrantPermission(ctx, 0, "0xCCC")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = owner.GrantPermission(ctx, 99, "0xBBB")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, codes.NotFound, status.Code(err))

	st, _ := status.FromError(err)
	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if i, ok := d.(*errdetails.ErrorInfo); ok {
			info = i
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, rpc.ReasonNotFound, info.GetReason())
	assert.Equal(t, rpc.ErrorDomain, info.GetDomain())

	_, err = anon.ListGrants(ctx, 42)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedgerService_tokenAuth(t *testing.T) {
	key, err := identity.LoadOrCreateKey(t.TempDir() + "/key.pem")
	require.NoError(t, err)
	tokens := identity.NewTokenIssuer(key, "deesec-test", time.Hour)
	h := startServer(t, tokens)
	ctx := context.Background()

	tok, err := tokens.Issue("0xAAA")
	require.NoError(t, err)
	c := rpc.NewClient(h.conn, rpc.WithToken(tok))
	_, err = c.CreateRecord(ctx, "Qm")
	require.NoError(t, err)
	rec, err := c.GetRecord(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, identity.Identity("0xAAA"), rec.Owner)

	bad := rpc.NewClient(h.conn, rpc.WithToken("garbage"))
	_, err = bad.CreateRecord(ctx, "Qm")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, errors.Is(err, ledger.ErrUnauthorized))
}

func TestHealthService(t *testing.T) {
	h := startServer(t, identity.OpenAuthenticator{})
	resp, err := grpc_health_v1.NewHealthClient(h.conn).Check(context.Background(),
		&grpc_health_v1.HealthCheckRequest{Service: rpc.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestWatchEvents(t *testing.T) {
	h := startServer(t, identity.OpenAuthenticator{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := rpc.NewClient(h.conn, rpc.WithIdentity("0xAAA"))

	got := make(chan events.Event, 4)
	done, err := c.WatchEvents(ctx, rpc.WatchFilter{Type: events.TypePermissionGranted}, func(e events.Event) bool {
		got <- e
		return false
	})
	require.NoError(t, err)

	_, err = c.CreateRecord(ctx, "Qm")
	require.NoError(t, err)
	receipt, err := c.GrantPermission(ctx, 0, "0xBBB")
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, events.TypePermissionGranted, e.Type)
		assert.Equal(t, receipt.EventID, e.ID)
		assert.Equal(t, "0xBBB", e.Subject)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	require.NoError(t, <-done)
}
