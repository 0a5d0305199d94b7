package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/access"
	"github.com/jmerrifield20/deesec/internal/api"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/events"
	"github.com/jmerrifield20/deesec/internal/health"
	"github.com/jmerrifield20/deesec/internal/identity"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

type testServer struct {
	router *gin.Engine
	bus    *events.Bus
}

func setupRouter(t *testing.T, mutate ...func(*api.Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	l := ledger.New(ledger.NewMemoryBackend(), zap.NewNop())
	l.SetPublisher(bus)
	ctrl := access.NewController(l, access.NewMemoryLog(), zap.NewNop())
	ctrl.SetPublisher(bus)

	opts := api.Options{
		Ledger:       l,
		Access:       ctrl,
		Bus:          bus,
		MaxBodyBytes: 1 << 20,
		Logger:       zap.NewNop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &testServer{router: api.NewRouter(ctx, opts), bus: bus}
}

func (s *testServer) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(identity.HeaderIdentity, caller)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if code == "" {
		return
	}
	if got := decode[api.ErrorBody](t, w).Code; got != code {
		t.Errorf("error code: got %q, want %q", got, code)
	}
}

func TestCreateRecord_201(t *testing.T) {
	s := setupRouter(t)

	w := s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm123abc"})
	expectCode(t, w, http.StatusCreated, "")
	if id := decode[map[string]uint64](t, w)["id"]; id != 0 {
		t.Errorf("id: got %d, want 0", id)
	}

	w = s.do(t, http.MethodGet, "/api/v1/records/count", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if n := decode[map[string]uint64](t, w)["count"]; n != 1 {
		t.Errorf("count: got %d, want 1", n)
	}

	w = s.do(t, http.MethodGet, "/api/v1/records/0", "", nil)
	expectCode(t, w, http.StatusOK, "")
	rec := decode[ledger.Record](t, w)
	if rec.ContentReference != "Qm123abc" || rec.Owner != "0xAAA" {
		t.Errorf("record: got %+v", rec)
	}
}

func TestCreateRecord_errors(t *testing.T) {
	s := setupRouter(t)

	w := s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "  "})
	expectCode(t, w, http.StatusBadRequest, api.CodeInvalidInput)

	w = s.do(t, http.MethodPost, "/api/v1/records", "", api.CreateRecordRequest{ContentReference: "Qm"})
	expectCode(t, w, http.StatusUnauthorized, api.CodeUnauthenticated)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", strings.NewReader("{not json"))
	req.Header.Set(identity.HeaderIdentity, "0xAAA")
	rw := httptest.NewRecorder()
	s.router.ServeHTTP(rw, req)
	expectCode(t, rw, http.StatusBadRequest, api.CodeInvalidInput)
}

func TestGetRecord_404_and_400(t *testing.T) {
	s := setupRouter(t)
	expectCode(t, s.do(t, http.MethodGet, "/api/v1/records/999", "", nil), http.StatusNotFound, api.CodeNotFound)
	expectCode(t, s.do(t, http.MethodGet, "/api/v1/records/-1", "", nil), http.StatusBadRequest, api.CodeInvalidInput)
	expectCode(t, s.do(t, http.MethodGet, "/api/v1/records/abc", "", nil), http.StatusBadRequest, api.CodeInvalidInput)
}

func TestGrant_flow(t *testing.T) {
	s := setupRouter(t)
	expectCode(t, s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm"}), http.StatusCreated, "")

	w := s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xAAA", api.GrantRequest{Grantee: "0xBBB"})
	expectCode(t, w, http.StatusCreated, "")
	receipt := decode[access.Receipt](t, w)
	if receipt.Grant.Grantee != "0xBBB" || receipt.Grant.Grantor != "0xAAA" {
		t.Errorf("receipt: got %+v", receipt)
	}

	expectCode(t, s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xBBB", api.GrantRequest{Grantee: "0xCCC"}),
		http.StatusForbidden, api.CodeUnauthorized)
	expectCode(t, s.do(t, http.MethodPost, "/api/v1/records/99/grants", "0xAAA", api.GrantRequest{Grantee: "0xBBB"}),
		http.StatusNotFound, api.CodeNotFound)
	expectCode(t, s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xAAA", api.GrantRequest{Grantee: "0xAAA"}),
		http.StatusBadRequest, api.CodeInvalidInput)
	expectCode(t, s.do(t, http.MethodPost, "/api/v1/records/0/grants", "", api.GrantRequest{Grantee: "0xBBB"}),
		http.StatusUnauthorized, api.CodeUnauthenticated)

	w = s.do(t, http.MethodGet, "/api/v1/records/0/grants", "", nil)
	expectCode(t, w, http.StatusOK, "")
	grants := decode[[]access.Grant](t, w)
	if len(grants) != 1 || grants[0].Grantee != "0xBBB" {
		t.Errorf("grants: got %+v", grants)
	}

	expectCode(t, s.do(t, http.MethodGet, "/api/v1/records/5/grants", "", nil), http.StatusNotFound, api.CodeNotFound)
}

func TestAccess(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm"})
	s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xAAA", api.GrantRequest{Grantee: "0xBBB"})

	for who, want := range map[string]bool{"0xAAA": true, "0xBBB": true, "0xCCC": false} {
		w := s.do(t, http.MethodGet, "/api/v1/records/0/access/"+who, "", nil)
		expectCode(t, w, http.StatusOK, "")
		if got := decode[api.AccessResponse](t, w).Allowed; got != want {
			t.Errorf("access for %s: got %v, want %v", who, got, want)
		}
	}
}

func TestListByOwner(t *testing.T) {
	s := setupRouter(t)
	for _, owner := range []string{"0xAAA", "0xBBB", "0xAAA"} {
		s.do(t, http.MethodPost, "/api/v1/records", owner, api.CreateRecordRequest{ContentReference: "Qm"})
	}

	w := s.do(t, http.MethodGet, "/api/v1/records", "0xAAA", nil)
	expectCode(t, w, http.StatusOK, "")
	if recs := decode[[]ledger.Record](t, w); len(recs) != 2 {
		t.Errorf("caller records: got %d, want 2", len(recs))
	}

	w = s.do(t, http.MethodGet, "/api/v1/records?owner=0xBBB", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if recs := decode[[]ledger.Record](t, w); len(recs) != 1 || recs[0].ID != 1 {
		t.Errorf("0xBBB records: got %+v", recs)
	}

	w = s.do(t, http.MethodGet, "/api/v1/records?owner=0xNOBODY", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty owner list: got %s", w.Body.String())
	}

	expectCode(t, s.do(t, http.MethodGet, "/api/v1/records", "", nil), http.StatusUnauthorized, api.CodeUnauthenticated)
}

func TestTokenMode(t *testing.T) {
	key, err := identity.LoadOrCreateKey(t.TempDir() + "/key.pem")
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(key, "deesec-test", time.Hour)
	s := setupRouter(t, func(o *api.Options) {
		o.Authenticator = tokens
		o.Tokens = tokens
	})

	tok, err := tokens.Issue("0xAAA")
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", strings.NewReader(`{"content_reference":"Qm"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectCode(t, w, http.StatusCreated, "")

	w = s.do(t, http.MethodGet, "/api/v1/records/0", "", nil)
	if rec := decode[ledger.Record](t, w); rec.Owner != "0xAAA" {
		t.Errorf("owner from token: got %q", rec.Owner)
	}

	// A plain address is not a valid token.
	w = s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("plain address in token mode: got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/identity/key", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), "PUBLIC KEY") {
		t.Errorf("public key body: %s", w.Body.String())
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	s := setupRouter(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if decode[map[string]any](t, w)["status"] != "ok" {
		t.Errorf("healthz: %s", w.Body.String())
	}

	s.do(t, http.MethodGet, "/api/v1/records/count", "", nil)
	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if !strings.Contains(w.Body.String(), "deesec_requests_total") {
		t.Error("metrics output missing deesec_requests_total")
	}
}

func TestHealthz_reportsDegradedDependency(t *testing.T) {
	down := health.Target{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }}
	checker := health.New([]health.Target{down}, health.Config{FailThreshold: 1}, zap.NewNop())
	checker.CheckAll(context.Background())

	s := setupRouter(t, func(o *api.Options) { o.Health = checker })
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	expectCode(t, w, http.StatusOK, "")
	body := decode[map[string]any](t, w)
	if body["status"] != "degraded" {
		t.Errorf("status: got %v, want degraded", body["status"])
	}
	deps, _ := body["dependencies"].(map[string]any)
	if deps["redis"] != "degraded" {
		t.Errorf("dependencies: got %v", body["dependencies"])
	}
}

func TestAudit_chainFollowsCommits(t *testing.T) {
	chain := audit.NewChain(audit.NewMemoryStore(), zap.NewNop())
	s := setupRouter(t, func(o *api.Options) { o.Audit = chain })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, stop := s.bus.Subscribe(ctx)
	defer stop()

	s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm"})
	s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xAAA", api.GrantRequest{Grantee: "0xBBB"})
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			if _, err := chain.Append(ctx, e); err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}

	w := s.do(t, http.MethodGet, "/api/v1/audit", "", nil)
	expectCode(t, w, http.StatusOK, "")
	st := decode[audit.Status](t, w)
	if st.Length != 2 || !st.Intact {
		t.Errorf("audit status: got %+v", st)
	}

	w = s.do(t, http.MethodGet, "/api/v1/audit/1", "", nil)
	expectCode(t, w, http.StatusOK, "")
	if e := decode[audit.Entry](t, w); e.Type != "permission.granted" || e.Hash != st.Root {
		t.Errorf("audit entry 1: got %+v", e)
	}

	w = s.do(t, http.MethodGet, "/api/v1/audit/9", "", nil)
	expectCode(t, w, http.StatusNotFound, api.CodeNotFound)
}

func TestRateLimiter_429(t *testing.T) {
	s := setupRouter(t, func(o *api.Options) {
		o.RateLimitRPS = 1
		o.RateLimitBurst = 2
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status sequence: got %v, want [200 200 429]", codes)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := setupRouter(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("security headers missing: %v", w.Header())
	}
}

func TestEventStream(t *testing.T) {
	s := setupRouter(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?type=permission.granted", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}

	// The response headers arrive after the subscription is live.
	s.do(t, http.MethodPost, "/api/v1/records", "0xAAA", api.CreateRecordRequest{ContentReference: "Qm"})
	s.do(t, http.MethodPost, "/api/v1/records/0/grants", "0xAAA", api.GrantRequest{Grantee: "0xBBB"})

	sc := bufio.NewScanner(resp.Body)
	var eventName, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if data != "" {
			break
		}
	}
	if eventName != string(events.TypePermissionGranted) {
		t.Fatalf("event name: got %q", eventName)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		t.Fatal(err)
	}
	if e.Actor != "0xAAA" || e.Subject != "0xBBB" || e.RecordID != 0 {
		t.Errorf("event: got %+v", e)
	}
}
