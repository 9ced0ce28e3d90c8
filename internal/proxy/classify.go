package proxy

import (
	"github.com/oakgate/ai-gateway/internal/balancer"
	"github.com/oakgate/ai-gateway/internal/cache"
	"github.com/oakgate/ai-gateway/internal/classifier"
	"github.com/valyala/fasthttp"
)

// classifyUserValue keys store the outcome of classifier.Classify on the
// request context so dispatch handlers don't re-parse the path.
const (
	uvClassifiedKind     = "classified_kind"
	uvClassifiedRouterID = "classified_router_id"
	uvClassifiedProvider = "classified_provider"

	// uvAuthContext stores the auth.Context produced by the auth gate so
	// downstream handlers can consult the caller's org/user identity.
	uvAuthContext = "auth_context"
)

// setClassification stashes res on ctx for dispatch handlers to read.
func setClassification(ctx *fasthttp.RequestCtx, res classifier.Result) {
	ctx.SetUserValue(uvClassifiedKind, res.Kind)
	ctx.SetUserValue(uvClassifiedRouterID, res.RouterID)
	ctx.SetUserValue(uvClassifiedProvider, res.Provider)
}

// classificationOf reads back what setClassification stored. Routes that
// never call setClassification (the legacy /v1/* handlers) get the zero
// value, whose Kind is classifier.UnifiedApi — the correct default since
// those routes have always behaved like the unified façade.
func classificationOf(ctx *fasthttp.RequestCtx) classifier.Result {
	kind, _ := ctx.UserValue(uvClassifiedKind).(classifier.Kind)
	routerID, _ := ctx.UserValue(uvClassifiedRouterID).(string)
	provider, _ := ctx.UserValue(uvClassifiedProvider).(string)
	return classifier.Result{Kind: kind, RouterID: routerID, Provider: provider}
}

// scopeFor converts a classification into the cache partition it belongs to.
// Router scopes are salted with the router's configured seed so that two
// routers serving byte-identical requests never share a cache entry.
func (g *Gateway) scopeFor(res classifier.Result) cache.Scope {
	switch res.Kind {
	case classifier.Router:
		return cache.Scope{Kind: cache.ScopeRouter, RouterID: res.RouterID, Seed: g.routerSeeds[res.RouterID]}
	case classifier.DirectProxy:
		return cache.Scope{Kind: cache.ScopeDirectProxy, Provider: res.Provider}
	default:
		return cache.Scope{Kind: cache.ScopeUnifiedApi}
	}
}

// cacheLayerFor picks the cache.Layer a request's façade should go through:
// a Router-scoped request uses its own override when configured, otherwise
// every façade shares GlobalCacheLayer. This is resolved once per request,
// never toggled mid-flight: enabled and disabled are different concrete
// types, not a flag checked per call.
func (g *Gateway) cacheLayerFor(res classifier.Result) cache.Layer {
	if res.Kind == classifier.Router {
		if l, ok := g.routerCacheLayers[res.RouterID]; ok {
			return l
		}
	}
	return g.globalCacheLayer
}

// selectRouterProvider resolves the provider for a Router-scoped request
// through the balancer instead of the static model-name alias table. pool is
// nil when the router has no configured weighted set for endpoint, in which
// case the caller falls back to resolveProvider and the failover path.
func (g *Gateway) selectRouterProvider(routerID, endpoint string) (provider string, key balancer.Key, pool *balancer.Pool, err error) {
	if g.balancerRegistry == nil {
		return "", balancer.Key{}, nil, nil
	}
	weighted := g.routerLoadBalance[routerID][endpoint]
	if len(weighted) == 0 {
		return "", balancer.Key{}, nil, nil
	}
	key = balancer.Key{RouterID: routerID, Endpoint: endpoint}
	pool = g.balancerRegistry.PoolFor(key, weighted)
	provider, err = pool.Select()
	return provider, key, pool, err
}
