package executor

import (
	"sync"
	"time"

	"github.com/swarmguard/megaservice/internal/core/resilience"
	"github.com/swarmguard/megaservice/internal/registry"
)

// breakerSet lazily creates one CircuitBreaker per node name, guarded by a
// mutex on the creation path only — the same lazy-singleton shape as
// internal/metrics, generalized from a fixed set of names to an arbitrary
// one keyed by node.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*resilience.CircuitBreaker)}
}

// For returns the breaker for node, creating it on first touch with a
// policy tailored to t: generative nodes (LLM/LVM, per Type.IsGenerative)
// make fewer, longer, costlier calls than a retrieval or embedding lookup,
// so their breaker looks at a longer window and a tripped breaker waits
// longer before probing again — tripping generative nodes on the same
// volume-based policy as a fast lookup service would false-positive under
// ordinary generation latency.
func (s *breakerSet) For(node string, t registry.Type) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[node]
	if !ok {
		b = newBreakerForType(t)
		s.breakers[node] = b
	}
	return b
}

func newBreakerForType(t registry.Type) *resilience.CircuitBreaker {
	if t.IsGenerative() {
		// 90s window, 8 buckets, 3-sample floor, half-open after 20s with a
		// single probe: tuned for low-volume, long-running calls. A failed
		// probe re-opens the breaker for another 20s.
		return resilience.NewCircuitBreakerAdaptive(90*time.Second, 8, 3, 0.5, 20*time.Second, 1)
	}
	// 20s window, 4 buckets, 5-sample floor, half-open after 5s: tuned for
	// the higher call volume of retrieval/embedding/rerank/guardrail nodes.
	return resilience.NewCircuitBreakerAdaptive(20*time.Second, 4, 5, 0.5, 5*time.Second, 3)
}
