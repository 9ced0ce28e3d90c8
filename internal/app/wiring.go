package app

import (
	"github.com/oakgate/ai-gateway/internal/auth"
	"github.com/oakgate/ai-gateway/internal/balancer"
	npCache "github.com/oakgate/ai-gateway/internal/cache"
	"github.com/oakgate/ai-gateway/internal/config"
)

// buildAuthGate constructs the Authenticator matching cfg.DeploymentTarget
// and cfg.HeliconeFeatures. This open-source build ships no control-plane
// client, so Cloud mode is served by a StaticKeyIndex/StaticRouterOrgLookup
// pair seeded from the same SidecarAuth keys — the closest single-tenant
// analogue of a refreshed control-plane snapshot (see DESIGN.md).
func (a *App) buildAuthGate() auth.Authenticator {
	if a.cfg.HeliconeFeatures == "none" {
		return auth.NoopGate{}
	}

	switch a.cfg.DeploymentTarget {
	case "cloud":
		routerIDs := make([]string, 0, len(a.cfg.Routers))
		for id := range a.cfg.Routers {
			routerIDs = append(routerIDs, id)
		}
		keys := auth.NewStaticKeyIndex(a.cfg.SidecarAuth.Keys, a.cfg.SidecarAuth.OrganizationID)
		routers := auth.NewStaticRouterOrgLookup(routerIDs, a.cfg.SidecarAuth.OrganizationID)
		return auth.NewCloudGate(keys, routers, a.prom)
	default:
		keys := auth.NewStaticSidecarKeys(a.cfg.SidecarAuth.Keys)
		return auth.NewSidecarGate(a.cfg.SidecarAuth.OrganizationID, keys, a.prom)
	}
}

// buildRouterTables flattens config.Routers into the two lookups the
// Gateway consults per request: a (router, endpoint) -> weighted provider
// set table for the balancer, and a router -> cache seed table.
func (a *App) buildRouterTables() (map[string]map[string][]balancer.WeightedProvider, map[string]string) {
	loadBalance := make(map[string]map[string][]balancer.WeightedProvider, len(a.cfg.Routers))
	seeds := make(map[string]string, len(a.cfg.Routers))

	for id, rc := range a.cfg.Routers {
		seeds[id] = rc.Seed

		if len(rc.LoadBalance) == 0 {
			continue
		}
		endpoints := make(map[string][]balancer.WeightedProvider, len(rc.LoadBalance))
		for endpoint, weighted := range rc.LoadBalance {
			entries := make([]balancer.WeightedProvider, len(weighted))
			for i, wp := range weighted {
				entries[i] = balancer.WeightedProvider{Provider: wp.Provider, Weight: wp.Weight}
			}
			endpoints[endpoint] = entries
		}
		loadBalance[id] = endpoints
	}

	return loadBalance, seeds
}

// buildCacheLayers resolves the optional-wrapper cache.Layer for every
// façade: a global layer shared by UnifiedApi/DirectProxy (and any router
// without its own override), plus one override per router that configures
// its own cache block. cacheImpl is nil when CACHE_MODE=none, in which case
// every layer degrades to cache.PassthroughLayer{} regardless of router
// config — there's no backing store to cache into.
func (a *App) buildCacheLayers(cacheImpl npCache.Cache) (npCache.Layer, map[string]npCache.Layer) {
	if cacheImpl == nil {
		routerLayers := make(map[string]npCache.Layer, len(a.cfg.Routers))
		for id := range a.cfg.Routers {
			routerLayers[id] = npCache.PassthroughLayer{}
		}
		return npCache.PassthroughLayer{}, routerLayers
	}

	globalLayer := a.cacheLayerFrom(cacheImpl, a.cfg.Cache)

	routerLayers := make(map[string]npCache.Layer, len(a.cfg.Routers))
	for id, rc := range a.cfg.Routers {
		if rc.Cache == nil {
			continue
		}
		routerLayers[id] = a.cacheLayerFrom(cacheImpl, *rc.Cache)
	}

	return globalLayer, routerLayers
}

// cacheLayerFrom builds a single cache.Layer from a CacheConfig block. A
// "none" mode at the router level opts that router out even when the
// global default caches. A router block that asks for its own bucket
// fan-out gets a dedicated sharded in-process backend — unless the gateway
// caches in Redis, where key distribution already spreads contention and a
// second in-process store would just split the hit rate.
func (a *App) cacheLayerFrom(cacheImpl npCache.Cache, cfg config.CacheConfig) npCache.Layer {
	if cfg.Mode == "none" {
		return npCache.PassthroughLayer{}
	}

	var exclusions *npCache.ExclusionList
	if len(cfg.ExcludeExact) > 0 || len(cfg.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(cfg.ExcludeExact, cfg.ExcludePatterns)
		if err == nil {
			exclusions = el
		}
	}

	if cfg.Buckets > 1 && a.cfg.Cache.Mode != "redis" {
		bucketed := npCache.NewBucketedCache(a.baseCtx, cfg.Buckets)
		a.routerCaches = append(a.routerCaches, bucketed)
		cacheImpl = bucketed
	}

	return npCache.NewActiveLayer(cacheImpl, cfg.TTL, exclusions, a.prom)
}
