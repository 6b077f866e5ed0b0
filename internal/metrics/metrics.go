// Package metrics implements the process-wide, lazily-created latency and
// pending-request instruments described in spec.md §4.C.
//
// Grounded on libs/go/core/otelinit/metrics.go's on-demand instrument
// creation, generalized per the design note in spec.md §9: rather than the
// original Python's method-replacement trick (OrchestratorMetrics swapping
// its own bound methods on first call), each instrument is guarded by its
// own sync.Once, so creation is mutex-serialized exactly once and every
// subsequent call only pays the cost of the Once's fast-path atomic check.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Registry holds the four megaservice_* instruments, created on first use.
type Registry struct {
	meter metric.Meter

	firstTokenOnce sync.Once
	firstToken     metric.Float64Histogram

	interTokenOnce sync.Once
	interToken     metric.Float64Histogram

	requestOnce    sync.Once
	requestLatency metric.Float64Histogram

	pendingOnce sync.Once
	pending     metric.Int64UpDownCounter
}

// NewRegistry returns a Registry that creates its instruments against meter
// lazily. meter is typically the process's global OTel meter.
func NewRegistry(meter metric.Meter) *Registry {
	return &Registry{meter: meter}
}

// TokenUpdate observes now-tokenStart into the first-token histogram (if
// isFirst) or the inter-token histogram, and returns now as the anchor for
// the caller's next observation.
func (r *Registry) TokenUpdate(ctx context.Context, tokenStart time.Time, isFirst bool) time.Time {
	now := time.Now()
	if isFirst {
		r.firstTokenOnce.Do(func() {
			r.firstToken, _ = r.meter.Float64Histogram(
				"megaservice_first_token_latency",
				metric.WithDescription("First token latency"),
				metric.WithUnit("s"),
			)
		})
		r.firstToken.Record(ctx, now.Sub(tokenStart).Seconds())
	} else {
		r.interTokenOnce.Do(func() {
			r.interToken, _ = r.meter.Float64Histogram(
				"megaservice_inter_token_latency",
				metric.WithDescription("Inter-token latency"),
				metric.WithUnit("s"),
			)
		})
		r.interToken.Record(ctx, now.Sub(tokenStart).Seconds())
	}
	return now
}

// RequestUpdate observes the whole-request latency since reqStart.
func (r *Registry) RequestUpdate(ctx context.Context, reqStart time.Time) {
	r.requestOnce.Do(func() {
		r.requestLatency, _ = r.meter.Float64Histogram(
			"megaservice_request_latency",
			metric.WithDescription("Whole request/reply latency"),
			metric.WithUnit("s"),
		)
	})
	r.requestLatency.Record(ctx, time.Since(reqStart).Seconds())
}

// PendingUpdate increments (increase=true) or decrements the pending-request
// gauge.
func (r *Registry) PendingUpdate(ctx context.Context, increase bool) {
	r.pendingOnce.Do(func() {
		r.pending, _ = r.meter.Int64UpDownCounter(
			"megaservice_request_pending",
			metric.WithDescription("Count of currently pending requests"),
		)
	})
	if increase {
		r.pending.Add(ctx, 1)
	} else {
		r.pending.Add(ctx, -1)
	}
}

// PendingGuard centralizes the pending-gauge decrement so it fires exactly
// once per request regardless of which exit path (unary completion,
// streaming completion, or an error on either) reaches it first — the
// design-note answer to spec.md §9 Open Question 2.
type PendingGuard struct {
	reg  *Registry
	ctx  context.Context
	once sync.Once
}

// BeginPending increments the pending gauge and returns a guard whose End
// decrements it exactly once.
func (r *Registry) BeginPending(ctx context.Context) *PendingGuard {
	r.PendingUpdate(ctx, true)
	return &PendingGuard{reg: r, ctx: ctx}
}

// End decrements the pending gauge. Safe to call multiple times or from
// multiple goroutines; only the first call has any effect.
func (g *PendingGuard) End() {
	g.once.Do(func() {
		g.reg.PendingUpdate(g.ctx, false)
	})
}
