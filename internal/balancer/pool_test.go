package balancer

import (
	"errors"
	"testing"
	"time"
)

func TestSelectDistributesByWeight(t *testing.T) {
	p := NewPool([]WeightedProvider{
		{Provider: "openai", Weight: 0.5},
		{Provider: "anthropic", Weight: 0.5},
	})

	counts := map[string]int{}
	const n = 2000
	for i := 0; i < n; i++ {
		name, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[name]++
	}

	for _, name := range []string{"openai", "anthropic"} {
		frac := float64(counts[name]) / n
		if frac < 0.35 || frac > 0.65 {
			t.Errorf("provider %s got fraction %.2f, want ~0.5", name, frac)
		}
	}
}

func TestSelectSkipsEjected(t *testing.T) {
	p := NewPool([]WeightedProvider{
		{Provider: "openai", Weight: 0.5},
		{Provider: "anthropic", Weight: 0.5},
	})
	p.Eject("openai", time.Now().Add(time.Minute))

	for i := 0; i < 50; i++ {
		name, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != "anthropic" {
			t.Fatalf("got %s, want anthropic (openai should be ejected)", name)
		}
	}
}

func TestSelectNoHealthyProvider(t *testing.T) {
	p := NewPool([]WeightedProvider{{Provider: "openai", Weight: 1}})
	p.Eject("openai", time.Now().Add(time.Minute))

	_, err := p.Select()
	if !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("got %v, want ErrNoHealthyProvider", err)
	}
}

func TestReadmitRestoresEligibility(t *testing.T) {
	p := NewPool([]WeightedProvider{{Provider: "openai", Weight: 1}})
	p.Eject("openai", time.Now().Add(time.Minute))
	if _, err := p.Select(); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected no healthy provider before readmit")
	}

	p.Readmit("openai")
	name, err := p.Select()
	if err != nil || name != "openai" {
		t.Fatalf("got (%q, %v), want (openai, nil)", name, err)
	}
}

func TestRegistryLazyCreation(t *testing.T) {
	r := NewRegistry()
	key := Key{RouterID: "my-router", Endpoint: "chat"}

	p1 := r.PoolFor(key, []WeightedProvider{{Provider: "openai", Weight: 1}})
	p2 := r.PoolFor(key, []WeightedProvider{{Provider: "anthropic", Weight: 1}})
	if p1 != p2 {
		t.Fatalf("PoolFor should return the same pool for the same key")
	}

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d pools, want 1", len(snap))
	}
}

func TestSelectExcludingSkipsNamed(t *testing.T) {
	p := NewPool([]WeightedProvider{
		{Provider: "openai", Weight: 0.5},
		{Provider: "anthropic", Weight: 0.5},
	})

	for i := 0; i < 50; i++ {
		name, err := p.SelectExcluding(map[string]bool{"openai": true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != "anthropic" {
			t.Fatalf("got %s, want anthropic with openai excluded", name)
		}
	}

	_, err := p.SelectExcluding(map[string]bool{"openai": true, "anthropic": true})
	if !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("got %v, want ErrNoHealthyProvider with everything excluded", err)
	}
}
