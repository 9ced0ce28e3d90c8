package ratelimit

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/oakgate/ai-gateway/internal/balancer"
	"github.com/oakgate/ai-gateway/internal/metrics"
)

// Signal reports that provider, serving a (router, endpoint) pool, returned a
// rate-limit response. The dispatch path publishes these; it never touches
// pool health state directly.
type Signal struct {
	Provider   string
	RetryAfter time.Duration // 0 means "no Retry-After header; use the default cooldown"
	ObservedAt time.Time
}

type timerKey struct {
	key      balancer.Key
	provider string
}

// Monitor is the single background goroutine that turns RateLimitSignals
// into Pool ejections and, after the cooldown elapses, readmissions. It is
// the only writer of Pool health state — Select only ever reads it.
type Monitor struct {
	registry        *balancer.Registry
	metrics         *metrics.Registry
	pollInterval    time.Duration
	defaultCooldown time.Duration

	mu       sync.Mutex
	channels map[balancer.Key]chan Signal
	timers   map[timerKey]*time.Timer
}

// NewMonitor builds a Monitor. pollInterval controls how often Run rescans
// for newly registered channels (1s in production; the tests use 10ms).
// defaultCooldown is used when a Signal carries no explicit RetryAfter.
func NewMonitor(registry *balancer.Registry, m *metrics.Registry, pollInterval, defaultCooldown time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if defaultCooldown <= 0 {
		defaultCooldown = 30 * time.Second
	}
	return &Monitor{
		registry:        registry,
		metrics:         m,
		pollInterval:    pollInterval,
		defaultCooldown: defaultCooldown,
		channels:        make(map[balancer.Key]chan Signal),
		timers:          make(map[timerKey]*time.Timer),
	}
}

// ChannelFor returns the signal channel for key, creating it on first use.
// It does not create a balancer pool; signals for a key with no pool in the
// registry are dropped by handleSignal. Safe for concurrent use from
// request-handling goroutines.
func (m *Monitor) ChannelFor(key balancer.Key) chan<- Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[key]
	if !ok {
		ch = make(chan Signal, 16)
		m.channels[key] = ch
	}
	return ch
}

// Publish is a non-blocking convenience wrapper around ChannelFor — dispatch
// never stalls waiting on the monitor to drain.
func (m *Monitor) Publish(key balancer.Key, sig Signal) {
	ch := m.ChannelFor(key)
	select {
	case ch <- sig:
	default:
		// Monitor is falling behind; drop rather than block the hot path.
	}
}

// Run drives the monitor until ctx is cancelled. It rescans the channel map
// every pollInterval to pick up channels created since the last scan, and
// otherwise blocks in a dynamic select across every known channel.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	cases, keys := m.buildCases(ctx, ticker)

	for {
		chosen, recv, ok := reflect.Select(cases)
		switch chosen {
		case 0:
			return ctx.Err()
		case 1:
			cases, keys = m.buildCases(ctx, ticker)
		default:
			if !ok {
				// Channel was closed (pool dropped) — deregister it, or the
				// select would spin on the permanently-ready case.
				m.mu.Lock()
				delete(m.channels, keys[chosen-2])
				m.mu.Unlock()
				cases, keys = m.buildCases(ctx, ticker)
				continue
			}
			key := keys[chosen-2]
			sig, _ := recv.Interface().(Signal)
			m.handleSignal(key, sig)
		}
	}
}

// buildCases rebuilds the reflect.Select case list from the current channel
// map. Index 0 is ctx.Done, index 1 is the poll ticker; the rest mirror keys.
func (m *Monitor) buildCases(ctx context.Context, ticker *time.Ticker) ([]reflect.SelectCase, []balancer.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cases := make([]reflect.SelectCase, 0, len(m.channels)+2)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ticker.C)},
	)
	keys := make([]balancer.Key, 0, len(m.channels))
	for k, ch := range m.channels {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
		keys = append(keys, k)
	}
	return cases, keys
}

// handleSignal ejects sig.Provider from the pool at key until the cooldown
// elapses, applying max-wins semantics: a signal that would shorten an
// already-scheduled ejection is ignored.
func (m *Monitor) handleSignal(key balancer.Key, sig Signal) {
	pool := m.registry.Snapshot()[key]
	if pool == nil {
		return
	}

	cooldown := sig.RetryAfter
	if cooldown <= 0 {
		cooldown = m.defaultCooldown
	}
	observedAt := sig.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	until := observedAt.Add(cooldown)

	tk := timerKey{key: key, provider: sig.Provider}

	m.mu.Lock()
	defer m.mu.Unlock()

	if curUntil, isEjected := pool.EjectedUntil(sig.Provider); isEjected {
		if !until.After(curUntil) {
			return // an existing, later-or-equal ejection already covers this signal
		}
		if existing, ok := m.timers[tk]; ok {
			existing.Stop()
		}
	}

	pool.Eject(sig.Provider, until)
	if m.metrics != nil {
		m.metrics.RecordBalancerEjection(key.RouterID, sig.Provider)
	}

	m.timers[tk] = time.AfterFunc(time.Until(until), func() {
		pool.Readmit(sig.Provider)
		if m.metrics != nil {
			m.metrics.RecordBalancerReadmit(key.RouterID, sig.Provider)
		}
		m.mu.Lock()
		delete(m.timers, tk)
		m.mu.Unlock()
	})
}
