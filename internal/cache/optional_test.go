package cache

import (
	"context"
	"testing"
	"time"
)

func TestActiveLayerHitMiss(t *testing.T) {
	backend := NewMemoryCache(context.Background())
	defer backend.Close()

	layer := NewActiveLayer(backend, time.Hour, nil, nil)
	scope := Scope{Kind: ScopeUnifiedApi}

	if !layer.Active() {
		t.Fatalf("ActiveLayer.Active() = false, want true")
	}

	if _, ok := layer.Get(context.Background(), scope, "gpt-4o-mini", "POST", "chat/completions", nil, []byte("body")); ok {
		t.Fatalf("expected miss before Set")
	}

	if err := layer.Set(context.Background(), scope, "gpt-4o-mini", "POST", "chat/completions", nil, []byte("body"), []byte("response"), 0); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	got, ok := layer.Get(context.Background(), scope, "gpt-4o-mini", "POST", "chat/completions", nil, []byte("body"))
	if !ok || string(got) != "response" {
		t.Fatalf("got (%q, %v), want (response, true)", got, ok)
	}
}

func TestActiveLayerExclusion(t *testing.T) {
	backend := NewMemoryCache(context.Background())
	defer backend.Close()

	excl, err := NewExclusionList([]string{"gpt-4o-realtime"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}
	layer := NewActiveLayer(backend, time.Hour, excl, nil)
	scope := Scope{Kind: ScopeUnifiedApi}

	if err := layer.Set(context.Background(), scope, "gpt-4o-realtime", "POST", "chat/completions", nil, []byte("body"), []byte("response"), 0); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if _, ok := layer.Get(context.Background(), scope, "gpt-4o-realtime", "POST", "chat/completions", nil, []byte("body")); ok {
		t.Fatalf("excluded model must never hit the cache")
	}
}

func TestPassthroughLayerNeverCaches(t *testing.T) {
	var layer PassthroughLayer
	scope := Scope{Kind: ScopeUnifiedApi}

	if layer.Active() {
		t.Fatalf("PassthroughLayer.Active() = true, want false")
	}
	_ = layer.Set(context.Background(), scope, "m", "POST", "p", nil, []byte("b"), []byte("r"), 0)
	if _, ok := layer.Get(context.Background(), scope, "m", "POST", "p", nil, []byte("b")); ok {
		t.Fatalf("PassthroughLayer must never report a hit")
	}
}

func TestResolveTTLPrecedence(t *testing.T) {
	if got := ResolveTTL(5*time.Second, time.Minute); got != 5*time.Second {
		t.Errorf("request max-age should win, got %v", got)
	}
	if got := ResolveTTL(0, time.Minute); got != time.Minute {
		t.Errorf("router default should win over nothing, got %v", got)
	}
	if got := ResolveTTL(0, 0); got != 0 {
		t.Errorf("expected 0 when neither is set, got %v", got)
	}
}
