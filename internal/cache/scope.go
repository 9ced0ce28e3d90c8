package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// ScopeKind discriminates the three façades a cache entry can belong to.
// Two requests that are otherwise byte-identical but enter through different
// façades (or different routers) must never collide.
type ScopeKind int

const (
	ScopeUnifiedApi ScopeKind = iota
	ScopeDirectProxy
	ScopeRouter
)

// Scope identifies which façade — and, for routers, which router and salt —
// a cache entry is partitioned under.
type Scope struct {
	Kind     ScopeKind
	Provider string // set when Kind == ScopeDirectProxy
	RouterID string // set when Kind == ScopeRouter
	Seed     string // set when Kind == ScopeRouter; salts the fingerprint
}

// discriminator returns a string that can never collide across scope kinds or
// router identities, used as the leading component of a Fingerprint.
func (s Scope) discriminator() string {
	switch s.Kind {
	case ScopeDirectProxy:
		return "direct:" + s.Provider
	case ScopeRouter:
		return "router:" + s.RouterID + ":" + s.Seed
	default:
		return "unified"
	}
}

// Fingerprint deterministically hashes a scope and request shape into a
// cache key. Headers must already be reduced to the caching-relevant subset
// (e.g. just Authorization's key-id hash) — callers decide what varies the
// response and is therefore safe to fold into the key.
func Fingerprint(scope Scope, method, path string, headers map[string]string, body []byte) string {
	headerNames := make([]string, 0, len(headers))
	for k := range headers {
		headerNames = append(headerNames, k)
	}
	sort.Strings(headerNames)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", scope.discriminator(), method, path)
	for _, k := range headerNames {
		fmt.Fprintf(h, "%s=%s\n", k, headers[k])
	}
	h.Write(body)

	return "cache:" + hex.EncodeToString(h.Sum(nil))
}
