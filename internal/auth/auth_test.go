package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/oakgate/ai-gateway/internal/classifier"
	"github.com/oakgate/ai-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeKeyIndex struct {
	snapshots map[string]KeySnapshot
}

func (f *fakeKeyIndex) Lookup(_ context.Context, hash string) (KeySnapshot, bool) {
	s, ok := f.snapshots[hash]
	return s, ok
}

type fakeRouterLookup struct {
	orgs map[string]string
}

func (f *fakeRouterLookup) OrganizationForRouter(_ context.Context, routerID string) (string, bool) {
	org, ok := f.orgs[routerID]
	return org, ok
}

func TestGateSidecarSuccess(t *testing.T) {
	keys := NewStaticSidecarKeys(map[string]string{"sk-test": "user-1"})
	g := NewSidecarGate("org-1", keys, nil)

	ctx, err := g.Authenticate(context.Background(), classifier.UnifiedApi, "", "Bearer sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.UserID != "user-1" || ctx.OrgID != "org-1" {
		t.Errorf("got %+v", ctx)
	}
}

func TestGateSidecarInvalidKey(t *testing.T) {
	keys := NewStaticSidecarKeys(map[string]string{"sk-test": "user-1"})
	g := NewSidecarGate("org-1", keys, nil)

	_, err := g.Authenticate(context.Background(), classifier.UnifiedApi, "", "Bearer wrong-key")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestGateMissingHeader(t *testing.T) {
	g := NewSidecarGate("org-1", NewStaticSidecarKeys(nil), nil)
	_, err := g.Authenticate(context.Background(), classifier.UnifiedApi, "", "")
	if !errors.Is(err, ErrMissingAuthorizationHeader) {
		t.Fatalf("got %v, want ErrMissingAuthorizationHeader", err)
	}
}

func TestGateCloudRouterOrgMismatch(t *testing.T) {
	hash := HashKey("sk-cloud")
	keys := &fakeKeyIndex{snapshots: map[string]KeySnapshot{
		hash: {Hash: hash, OwnerID: "user-2", OrgID: "org-a"},
	}}
	routers := &fakeRouterLookup{orgs: map[string]string{"my-router": "org-b"}}
	g := NewCloudGate(keys, routers, nil)

	_, err := g.Authenticate(context.Background(), classifier.Router, "my-router", "Bearer sk-cloud")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestGateCloudRouterNotFound(t *testing.T) {
	hash := HashKey("sk-cloud")
	keys := &fakeKeyIndex{snapshots: map[string]KeySnapshot{
		hash: {Hash: hash, OwnerID: "user-2", OrgID: "org-a"},
	}}
	routers := &fakeRouterLookup{orgs: map[string]string{}}
	g := NewCloudGate(keys, routers, nil)

	_, err := g.Authenticate(context.Background(), classifier.Router, "missing-router", "Bearer sk-cloud")
	if !errors.Is(err, ErrRouterNotFound) {
		t.Fatalf("got %v, want ErrRouterNotFound", err)
	}
}

func TestGateCloudRouterMatch(t *testing.T) {
	hash := HashKey("sk-cloud")
	keys := &fakeKeyIndex{snapshots: map[string]KeySnapshot{
		hash: {Hash: hash, OwnerID: "user-2", OrgID: "org-a"},
	}}
	routers := &fakeRouterLookup{orgs: map[string]string{"my-router": "org-a"}}
	g := NewCloudGate(keys, routers, nil)

	ctx, err := g.Authenticate(context.Background(), classifier.Router, "my-router", "Bearer sk-cloud")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.OrgID != "org-a" {
		t.Errorf("got %+v", ctx)
	}
}

// TestGateAuthMetricsCoverFourRejectionKinds exercises four rejection
// cases from one Cloud gate and checks that auth_attempts advances once per
// request, including the missing-header case, and that auth_rejections has
// recorded at least one labelled series.
func TestGateAuthMetricsCoverFourRejectionKinds(t *testing.T) {
	hash := HashKey("sk-cloud")
	keys := &fakeKeyIndex{snapshots: map[string]KeySnapshot{
		hash: {Hash: hash, OwnerID: "user-2", OrgID: "org-a"},
	}}
	routers := &fakeRouterLookup{orgs: map[string]string{"my-router": "org-b"}}
	m := metrics.New()
	g := NewCloudGate(keys, routers, m)

	// (a) missing Authorization header.
	if _, err := g.Authenticate(context.Background(), classifier.UnifiedApi, "", ""); !errors.Is(err, ErrMissingAuthorizationHeader) {
		t.Fatalf("(a) got %v, want ErrMissingAuthorizationHeader", err)
	}
	// (b) bearer with unknown key.
	if _, err := g.Authenticate(context.Background(), classifier.UnifiedApi, "", "Bearer sk-unknown"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("(b) got %v, want ErrInvalidCredentials", err)
	}
	// (c) valid key but router belongs to a different org.
	if _, err := g.Authenticate(context.Background(), classifier.Router, "my-router", "Bearer sk-cloud"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("(c) got %v, want ErrInvalidCredentials", err)
	}
	// (d) valid key targeting a nonexistent router id.
	if _, err := g.Authenticate(context.Background(), classifier.Router, "missing-router", "Bearer sk-cloud"); !errors.Is(err, ErrRouterNotFound) {
		t.Fatalf("(d) got %v, want ErrRouterNotFound", err)
	}

	if got := testutil.ToFloat64(m.AuthAttemptsCounter()); got != 4 {
		t.Errorf("auth_attempts = %v, want 4", got)
	}
	if got := testutil.CollectAndCount(m.AuthRejectionsCounter()); got == 0 {
		t.Errorf("auth_rejections has no observed label combinations")
	}
}

func TestNoopGateAlwaysSucceeds(t *testing.T) {
	g := NoopGate{}
	ctx, err := g.Authenticate(context.Background(), classifier.DirectProxy, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.UserID != "" || ctx.OrgID != "" {
		t.Errorf("expected empty identity, got %+v", ctx)
	}
}
