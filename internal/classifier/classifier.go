// Package classifier resolves an inbound request path to the façade it
// targets — Router, UnifiedApi, or DirectProxy — before auth, cache, or
// balancing ever see the request.
package classifier

import "strings"

// Kind names which façade a request targets.
type Kind int

const (
	// UnifiedApi serves /ai/... — the provider is carried in the request body
	// ("<provider>/<model>"), not the path.
	UnifiedApi Kind = iota
	// Router serves /router/{id}/... — requests are scoped to a named router
	// with its own cache/balance policy.
	Router
	// DirectProxy serves /{provider}/... — a pass-through to one named
	// provider, OpenAI-compatible wire format.
	DirectProxy
)

func (k Kind) String() string {
	switch k {
	case UnifiedApi:
		return "unified_api"
	case Router:
		return "router"
	case DirectProxy:
		return "direct_proxy"
	default:
		return "unknown"
	}
}

// directProxyProviders is the set of path prefixes recognised as direct
// provider proxies. For any other first segment Classify reports false; it
// does not map unknown prefixes to UnifiedApi.
var directProxyProviders = map[string]struct{}{
	"openai":      {},
	"anthropic":   {},
	"gemini":      {},
	"mistral":     {},
	"bedrock":     {},
	"azure":       {},
	"vertexai":    {},
	"xai":         {},
	"deepseek":    {},
	"groq":        {},
	"together":    {},
	"perplexity":  {},
	"cerebras":    {},
	"moonshot":    {},
	"minimax":     {},
	"qwen":        {},
	"nebius":      {},
	"novita":      {},
	"bytedance":   {},
	"zai":         {},
	"canopywave":  {},
	"inference":   {},
	"nanogpt":     {},
}

// Result is the outcome of classifying a request path.
type Result struct {
	Kind     Kind
	RouterID string // set only when Kind == Router
	Provider string // set only when Kind == DirectProxy
	Rest     string // remaining path after the classified segment, leading slash stripped
}

// Classify inspects path (e.g. "/router/my-router/chat/completions") and
// returns the façade it targets. The second return value is false when path
// matches none of the recognised prefixes.
func Classify(path string) (Result, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) == 0 || segments[0] == "" {
		return Result{}, false
	}

	head := segments[0]
	rest := ""
	if len(segments) == 2 {
		rest = segments[1]
	}

	switch head {
	case "ai":
		return Result{Kind: UnifiedApi, Rest: rest}, true
	case "router":
		// rest is "{id}/{rest...}" — split once more to pull out the id.
		idAndRest := strings.SplitN(rest, "/", 2)
		if idAndRest[0] == "" {
			return Result{}, false
		}
		r := Result{Kind: Router, RouterID: idAndRest[0]}
		if len(idAndRest) == 2 {
			r.Rest = idAndRest[1]
		}
		return r, true
	default:
		if _, ok := directProxyProviders[head]; ok {
			return Result{Kind: DirectProxy, Provider: head, Rest: rest}, true
		}
		return Result{}, false
	}
}
