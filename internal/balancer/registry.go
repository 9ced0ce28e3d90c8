package balancer

import "sync"

// Key identifies one balancer pool: a router id paired with an endpoint type
// ("chat", "embeddings", ...). Only Router traffic uses pools; UnifiedApi and
// DirectProxy requests never look one up.
type Key struct {
	RouterID string
	Endpoint string
}

// Registry holds every Pool the gateway has created, keyed by (router,
// endpoint). Pools are created lazily on first use and never removed — the
// rate-limit monitor looks a pool up here (via Snapshot) when a signal for
// its key arrives.
type Registry struct {
	mu    sync.Mutex
	pools map[Key]*Pool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[Key]*Pool)}
}

// PoolFor returns the existing pool for key, or creates one from providers if
// this is the first request for that (router, endpoint) pair.
func (r *Registry) PoolFor(key Key, providers []WeightedProvider) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		return p
	}
	p := NewPool(providers)
	r.pools[key] = p
	return p
}

// Snapshot returns a copy of the current key → pool mapping, used by the
// monitor to find the pool a signal's key refers to.
func (r *Registry) Snapshot() map[Key]*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Key]*Pool, len(r.pools))
	for k, v := range r.pools {
		out[k] = v
	}
	return out
}
