package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/identity"
)

func setupIdentityRouter(auth identity.Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", identity.Middleware(auth), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gin": identity.FromGin(c).String(),
			"ctx": identity.FromContext(c.Request.Context()).String(),
		})
	})
	return r
}

func TestMiddleware_openHeader(t *testing.T) {
	router := setupIdentityRouter(identity.OpenAuthenticator{})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(identity.HeaderIdentity, "0xAAA")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := `{"ctx":"0xAAA","gin":"0xAAA"}`; w.Body.String() != want {
		t.Errorf("body: got %s, want %s", w.Body.String(), want)
	}
}

func TestMiddleware_anonymousPassesThrough(t *testing.T) {
	router := setupIdentityRouter(identity.OpenAuthenticator{})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if want := `{"ctx":"","gin":""}`; w.Body.String() != want {
		t.Errorf("body: got %s, want %s", w.Body.String(), want)
	}
}

func TestMiddleware_bearerToken(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Hour)
	router := setupIdentityRouter(ti)

	token, err := ti.Issue("0xAAA")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMiddleware_invalidToken_401(t *testing.T) {
	router := setupIdentityRouter(newTestTokenIssuer(t, time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer forged")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
