// Package identity resolves the principal behind a ledger call.
//
// An Identity is an opaque address string. The ledger core never looks
// inside it; it only compares identities for equality. How an identity is
// obtained is the transport's business:
//   - OpenAuthenticator: the credential is the address itself (dev mode)
//   - TokenIssuer:       RS256 JWTs whose subject is the address
//   - Middleware:        Gin middleware that injects the caller identity
package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidCredential is returned by an Authenticator that cannot map a
// presented credential to an identity.
var ErrInvalidCredential = errors.New("invalid credential")

// Identity is a principal address such as "0xAAA".
type Identity string

// New returns the identity for s with surrounding whitespace removed.
func New(s string) Identity {
	return Identity(strings.TrimSpace(s))
}

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool { return strings.TrimSpace(string(i)) == "" }

// String implements fmt.Stringer.
func (i Identity) String() string { return string(i) }

// Authenticator maps a raw credential presented at a call boundary to an
// Identity.
type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}

// OpenAuthenticator accepts the credential as the identity itself. It is
// only suitable for local development and tests.
type OpenAuthenticator struct{}

// Authenticate implements Authenticator.
func (OpenAuthenticator) Authenticate(credential string) (Identity, error) {
	id := New(credential)
	if id.IsZero() {
		return "", ErrInvalidCredential
	}
	return id, nil
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying id.
func WithContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored in ctx, or the zero Identity.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}
