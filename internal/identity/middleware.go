package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderIdentity is the request header carrying a plain address when the
// ledger runs with an OpenAuthenticator.
const HeaderIdentity = "X-Ledger-Identity"

const ctxIdentity = "deesec_identity"

// Credential extracts the raw credential from a request: the Bearer token
// when present, otherwise the X-Ledger-Identity header.
func Credential(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(HeaderIdentity))
}

// Middleware returns a Gin middleware that resolves the caller identity
// with auth and injects it into both the Gin context and the request
// context.
//
// A request without any credential passes through anonymously; operations
// that need a caller then fail as unauthenticated. A credential that fails
// verification is rejected with 401 immediately.
func Middleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := Credential(c.Request)
		if cred == "" {
			c.Next()
			return
		}

		id, err := auth.Authenticate(cred)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid credential: " + err.Error(),
			})
			return
		}

		c.Set(ctxIdentity, id)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), id))
		c.Next()
	}
}

// FromGin retrieves the identity injected by Middleware.
func FromGin(c *gin.Context) Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(Identity)
	return id
}
