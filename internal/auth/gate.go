package auth

import (
	"context"

	"github.com/oakgate/ai-gateway/internal/classifier"
	"github.com/oakgate/ai-gateway/internal/metrics"
)

// DeploymentTarget selects how Gate resolves the organization that owns a key.
type DeploymentTarget string

const (
	// Cloud resolves ownership via KeyIndex + RouterOrgLookup, matching a
	// managed multi-tenant deployment where keys are issued by a control plane.
	Cloud DeploymentTarget = "cloud"
	// Sidecar resolves ownership from a single static organization baked into
	// config — the gateway runs as a sidecar for one tenant.
	Sidecar DeploymentTarget = "sidecar"
)

// SidecarKeys resolves a hashed key to its owning user id for Sidecar mode.
type SidecarKeys interface {
	OwnerForHash(hash string) (userID string, ok bool)
}

// Gate is the default Authenticator: Cloud or Sidecar resolution plus
// auth_attempts/auth_rejections metrics. Construct with NewCloudGate or
// NewSidecarGate.
type Gate struct {
	target DeploymentTarget

	// Cloud-mode collaborators.
	keys   KeyIndex
	router RouterOrgLookup

	// Sidecar-mode collaborators.
	sidecarOrg  string
	sidecarKeys SidecarKeys

	metrics *metrics.Registry
}

// NewCloudGate builds a Gate that resolves ownership via a control-plane key
// index and per-router organization lookup.
func NewCloudGate(keys KeyIndex, router RouterOrgLookup, m *metrics.Registry) *Gate {
	return &Gate{target: Cloud, keys: keys, router: router, metrics: m}
}

// NewSidecarGate builds a Gate fixed to a single organization; every
// successfully resolved key is attributed to orgID regardless of what the
// key's own metadata says.
func NewSidecarGate(orgID string, keys SidecarKeys, m *metrics.Registry) *Gate {
	return &Gate{target: Sidecar, sidecarOrg: orgID, sidecarKeys: keys, metrics: m}
}

// Authenticate implements Authenticator.
func (g *Gate) Authenticate(ctx context.Context, kind classifier.Kind, routerID, authHeader string) (Context, error) {
	if g.metrics != nil {
		g.metrics.RecordAuthAttempt()
	}
	if authHeader == "" {
		g.reject("missing_authorization_header")
		return Context{}, ErrMissingAuthorizationHeader
	}

	token := stripBearer(authHeader)
	hash := HashKey(token)

	switch g.target {
	case Cloud:
		return g.authenticateCloud(ctx, kind, routerID, token, hash)
	default:
		return g.authenticateSidecar(token, hash)
	}
}

func (g *Gate) authenticateCloud(ctx context.Context, kind classifier.Kind, routerID, token, hash string) (Context, error) {
	snap, ok := g.keys.Lookup(ctx, hash)
	if !ok {
		g.reject("invalid_credentials")
		return Context{}, ErrInvalidCredentials
	}

	if kind != classifier.Router {
		return Context{APIKey: token, UserID: snap.OwnerID, OrgID: snap.OrgID}, nil
	}

	orgID, found := g.router.OrganizationForRouter(ctx, routerID)
	if !found {
		g.reject("router_not_found")
		return Context{}, ErrRouterNotFound
	}
	if orgID != snap.OrgID {
		g.reject("invalid_credentials")
		return Context{}, ErrInvalidCredentials
	}

	return Context{APIKey: token, UserID: snap.OwnerID, OrgID: snap.OrgID}, nil
}

func (g *Gate) authenticateSidecar(token, hash string) (Context, error) {
	ownerID, ok := g.sidecarKeys.OwnerForHash(hash)
	if !ok {
		g.reject("invalid_credentials")
		return Context{}, ErrInvalidCredentials
	}
	return Context{APIKey: token, UserID: ownerID, OrgID: g.sidecarOrg}, nil
}

func (g *Gate) reject(reason string) {
	if g.metrics != nil {
		g.metrics.RecordAuthRejection(reason)
	}
}

// NoopGate is the Disabled variant: every request is authenticated with an
// empty identity. Used when config.HeliconeFeatures == "none".
type NoopGate struct{}

// Authenticate implements Authenticator and always succeeds.
func (NoopGate) Authenticate(_ context.Context, _ classifier.Kind, _, authHeader string) (Context, error) {
	return Context{APIKey: stripBearer(authHeader)}, nil
}
