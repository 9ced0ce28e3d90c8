// Package auth authenticates inbound requests and resolves the organization
// that owns the supplied API key, branching on the gateway's deployment
// target the same way the gateway's cache layer branches on whether caching
// is enabled: two concrete implementations of one interface, chosen once at
// construction time, never a boolean flag checked on every request.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/oakgate/ai-gateway/internal/classifier"
)

// Sentinel errors returned by Authenticator.Authenticate. Callers map these
// to the apierr taxonomy.
var (
	ErrMissingAuthorizationHeader = errors.New("auth: missing authorization header")
	ErrInvalidCredentials         = errors.New("auth: invalid credentials")
	ErrRouterNotFound             = errors.New("auth: router not found")
	ErrProviderKeyNotFound        = errors.New("auth: no key configured for provider")
)

// Context is the authenticated identity attached to a request once
// Authenticate succeeds.
type Context struct {
	APIKey string
	UserID string
	OrgID  string
}

// KeySnapshot is one entry in a KeyIndex: the owning user/org for a hashed key.
type KeySnapshot struct {
	Hash    string
	OwnerID string
	OrgID   string
}

// KeyIndex resolves a hashed API key to its owning snapshot. In Cloud mode
// this is backed by a control-plane client refreshed out-of-band; that
// refresh mechanism is an external collaborator and out of scope here — the
// interface is all Authenticate depends on.
type KeyIndex interface {
	Lookup(ctx context.Context, hash string) (KeySnapshot, bool)
}

// RouterOrgLookup resolves which organization owns a given router id, used
// only for Cloud-mode RequestKind=Router requests.
type RouterOrgLookup interface {
	OrganizationForRouter(ctx context.Context, routerID string) (string, bool)
}

// Authenticator authenticates one request and returns the resulting identity.
type Authenticator interface {
	Authenticate(ctx context.Context, kind classifier.Kind, routerID, authHeader string) (Context, error)
}

// HashKey returns the hex-encoded SHA-256 digest of an API key, the form
// stored and indexed by a KeyIndex so raw keys are never persisted.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// stripBearer removes a leading "Bearer " prefix (case-insensitive), leaving
// the raw token untouched if the prefix is absent.
func stripBearer(header string) string {
	const prefix = "Bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return header
}
