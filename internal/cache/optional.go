package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/oakgate/ai-gateway/internal/metrics"
)

// Layer is the boundary the gateway calls through for every cached request.
// It has exactly two implementations — ActiveLayer and PassthroughLayer —
// chosen once when the gateway (or a per-router override) is constructed.
// This mirrors how the auth gate chooses between Gate and NoopGate: caching
// on/off is a different Go type, not a bool checked on the hot path.
type Layer interface {
	// Get returns (body, true) on a cache hit. model is used only for
	// exclusion-list matching; pass "" if not applicable.
	Get(ctx context.Context, scope Scope, model, method, path string, headers map[string]string, body []byte) ([]byte, bool)

	// Set stores responseBody for future identical requests. ttlOverride, if
	// positive, takes precedence over the layer's configured default TTL —
	// this is how a request's Cache-Control: max-age is honored.
	Set(ctx context.Context, scope Scope, model, method, path string, headers map[string]string, body, responseBody []byte, ttlOverride time.Duration) error

	// Active reports whether this layer actually caches. The gateway only
	// emits the helicone-cache response header when Active() is true.
	Active() bool
}

// ActiveLayer is the Enabled variant: it fingerprints requests, consults a
// backing Cache, and honors an ExclusionList.
type ActiveLayer struct {
	backend    Cache
	defaultTTL time.Duration
	exclusions *ExclusionList
	metrics    *metrics.Registry
}

// NewActiveLayer builds the Enabled cache layer. backend must be non-nil.
func NewActiveLayer(backend Cache, defaultTTL time.Duration, exclusions *ExclusionList, m *metrics.Registry) *ActiveLayer {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &ActiveLayer{backend: backend, defaultTTL: defaultTTL, exclusions: exclusions, metrics: m}
}

func (l *ActiveLayer) Active() bool { return true }

func (l *ActiveLayer) Get(ctx context.Context, scope Scope, model, method, path string, headers map[string]string, body []byte) ([]byte, bool) {
	if l.exclusions.Matches(model) {
		if l.metrics != nil {
			l.metrics.CacheGetBypass()
		}
		return nil, false
	}
	key := Fingerprint(scope, method, path, headers, body)
	val, ok := l.backend.Get(ctx, key)
	if l.metrics != nil {
		if ok {
			l.metrics.CacheGetHit()
		} else {
			l.metrics.CacheGetMiss()
		}
	}
	return val, ok
}

func (l *ActiveLayer) Set(ctx context.Context, scope Scope, model, method, path string, headers map[string]string, body, responseBody []byte, ttlOverride time.Duration) error {
	if l.exclusions.Matches(model) {
		return nil
	}
	key := Fingerprint(scope, method, path, headers, body)
	ttl := l.defaultTTL
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	err := l.backend.Set(ctx, key, responseBody, ttl)
	if l.metrics != nil {
		if err != nil {
			l.metrics.CacheSetError()
		} else {
			l.metrics.CacheSetOK()
		}
	}
	return err
}

// PassthroughLayer is the Disabled variant: every Get misses, every Set is a
// no-op, and no cache header is ever emitted.
type PassthroughLayer struct{}

func (PassthroughLayer) Active() bool { return false }

func (PassthroughLayer) Get(context.Context, Scope, string, string, string, map[string]string, []byte) ([]byte, bool) {
	return nil, false
}

func (PassthroughLayer) Set(context.Context, Scope, string, string, string, map[string]string, []byte, []byte, time.Duration) error {
	return nil
}

// ResolveTTL applies the precedence request Cache-Control max-age > router
// default > global default, returning 0 when none apply (caller should then
// fall back to the layer's own defaultTTL).
func ResolveTTL(requestMaxAge, routerDefault time.Duration) time.Duration {
	if requestMaxAge > 0 {
		return requestMaxAge
	}
	if routerDefault > 0 {
		return routerDefault
	}
	return 0
}

// ParseMaxAge extracts the max-age=N directive from a Cache-Control header
// value. Returns 0 if the header is empty, carries no max-age directive, or
// the directive doesn't parse as a non-negative integer number of seconds.
func ParseMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
