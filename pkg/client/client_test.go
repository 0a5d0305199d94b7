package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/api"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"github.com/jmerrifield20/deesec/pkg/client"
	"go.uber.org/zap"
)

func startLedger(t *testing.T, auth identity.Authenticator) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	chain := audit.NewChain(audit.NewMemoryStore(), zap.NewNop())
	bus := events.NewBus(zap.NewNop(), chain)
	l := ledger.New(ledger.NewMemoryBackend(), zap.NewNop())
	l.SetPublisher(bus)
	ctrl := access.NewController(l, access.NewMemoryLog(), zap.NewNop())
	ctrl.SetPublisher(bus)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(api.NewRouter(ctx, api.Options{
		Ledger:        l,
		Access:        ctrl,
		Bus:           bus,
		Authenticator: auth,
		Audit:         chain,
		MaxBodyBytes:  1 << 20,
		Logger:        zap.NewNop(),
	}))
	t.Cleanup(func() {
		bus.Close()
		srv.Close()
		cancel()
	})
	return srv
}

func TestClient_recordsAndGrants(t *testing.T) {
	srv := startLedger(t, identity.OpenAuthenticator{})
	ctx := context.Background()
	owner := client.MustNew(srv.URL, client.WithIdentity("0xAAA"))
	reader := client.MustNew(srv.URL)

	id, err := owner.CreateRecord(ctx, "Qm123abc")
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Errorf("id: got %d, want 0", id)
	}

	rec, err := reader.GetRecord(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != "0xAAA" || rec.ContentReference != "Qm123abc" {
		t.Errorf("record: got %+v", rec)
	}

	n, err := reader.RecordCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}

	receipt, err := owner.GrantPermission(ctx, id, "0xBBB")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Grant.Grantee != "0xBBB" || receipt.EventID == "" {
		t.Errorf("receipt: got %+v", receipt)
	}

	grants, err := reader.ListGrants(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].Grantor != "0xAAA" {
		t.Errorf("grants: got %+v", grants)
	}

	ok, err := reader.HasAccess(ctx, id, "0xBBB")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected 0xBBB to have access")
	}

	recs, err := owner.RecordsByOwner(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("own records: got %d, want 1", len(recs))
	}
}

func TestClient_errorsMatchSentinels(t *testing.T) {
	srv := startLedger(t, identity.OpenAuthenticator{})
	ctx := context.Background()
	owner := client.MustNew(srv.URL, client.WithIdentity("0xAAA"))
	other := client.MustNew(srv.URL, client.WithIdentity("0xBBB"))
	anon := client.MustNew(srv.URL)

	if _, err := owner.CreateRecord(ctx, " "); !errors.Is(err, client.ErrInvalidInput) {
		t.Errorf("empty content: got %v", err)
	}
	if _, err := anon.CreateRecord(ctx, "Qm"); !errors.Is(err, client.ErrUnauthenticated) {
		t.Errorf("anonymous create: got %v", err)
	}
	if _, err := owner.CreateRecord(ctx, "Qm"); err != nil {
		t.Fatal(err)
	}
	if _, err := other.GrantPermission(ctx, 0, "0xCCC"); !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("non-owner grant: got %v", err)
	}
	_, err := owner.GetRecord(ctx, 99)
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("missing record: got %v", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Errorf("expected APIError with status 404, got %v", err)
	}
}

func TestClient_bearerToken(t *testing.T) {
	key, err := identity.LoadOrCreateKey(t.TempDir() + "/key.pem")
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(key, "deesec-test", time.Hour)
	srv := startLedger(t, tokens)

	tok, err := tokens.Issue("0xAAA")
	if err != nil {
		t.Fatal(err)
	}
	c := client.MustNew(srv.URL, client.WithBearerToken(tok))
	id, err := c.CreateRecord(context.Background(), "Qm")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := c.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Owner != "0xAAA" {
		t.Errorf("owner: got %q, want 0xAAA", rec.Owner)
	}
}

func TestClient_watch(t *testing.T) {
	srv := startLedger(t, identity.OpenAuthenticator{})
	c := client.MustNew(srv.URL, client.WithIdentity("0xAAA"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opened := make(chan struct{})
	got := make(chan client.Event, 2)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Watch(ctx, client.WatchOptions{OnOpen: func() { close(opened) }}, func(e client.Event) bool {
			got <- e
			return len(got) < 2
		})
	}()

	select {
	case <-opened:
	case <-ctx.Done():
		t.Fatal("stream never opened")
	}
	if _, err := c.CreateRecord(ctx, "Qm"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GrantPermission(ctx, 0, "0xBBB"); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	first, second := <-got, <-got
	if first.Type != "record.created" || second.Type != "permission.granted" {
		t.Errorf("event order: got %s then %s", first.Type, second.Type)
	}
}

func TestClient_audit(t *testing.T) {
	srv := startLedger(t, identity.OpenAuthenticator{})
	ctx := context.Background()
	c := client.MustNew(srv.URL, client.WithIdentity("0xAAA"))

	if _, err := c.CreateRecord(ctx, "Qm"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GrantPermission(ctx, 0, "0xBBB"); err != nil {
		t.Fatal(err)
	}

	// The chain is fed asynchronously by the event bus.
	var st *client.AuditStatus
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		st, err = c.AuditStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Length == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.Length != 2 || !st.Intact {
		t.Fatalf("audit status: got %+v", st)
	}

	first, err := c.AuditEntry(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first.Type != "record.created" || first.PrevHash != audit.GenesisHash {
		t.Errorf("entry 0: got %+v", first)
	}
	if _, err := c.AuditEntry(ctx, 5); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("missing entry: got %v", err)
	}
}

func TestNew_badURL(t *testing.T) {
	if _, err := client.New("::not a url"); err == nil {
		t.Error("expected error for bad base url")
	}
}
