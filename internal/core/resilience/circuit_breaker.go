// Package resilience provides fail-fast protection for outbound node calls.
//
// Retries and rate limiting are deliberately not implemented here; see
// DESIGN.md for why.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker is an adaptive circuit breaker that opens based on failure
// rate over a rolling window and supports half-open probes. The node
// executor uses one per service descriptor to fail a call immediately
// instead of letting a downstream outage pile up latency — it denies, it
// never retries.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreakerAdaptive constructs a breaker using a rolling window of
// size with bucket resolution.
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		lastEval:          time.Now(),
		dynamicThreshold:  failureRateOpen,
	}
}

// Allow returns whether a request is permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1 // this call is the first probe
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a binary success or failure outcome, weighted as a
// full failure. Equivalent to RecordOutcome(success, FailureHard).
func (c *CircuitBreaker) RecordResult(success bool) {
	c.RecordOutcome(success, FailureHard)
}

// FailureKind distinguishes how heavily a failed call should weigh toward
// tripping the breaker. A downstream node call that merely ran long (a slow
// generation under load) is a weaker signal of an actual outage than a
// connection refused or a 5xx, so it should not open the circuit as
// eagerly — generative nodes legitimately take longer per call than a
// retrieval or embedding lookup, and treating every slow call the same as a
// hard failure would trip the breaker on load alone.
type FailureKind int

const (
	// FailureHard is a full-weight failure: connection errors, non-2xx
	// status, malformed replies.
	FailureHard FailureKind = iota
	// FailureSoft is a half-weight failure: context deadline exceeded or a
	// request timeout, signals indistinguishable from "busy" rather than
	// "down".
	FailureSoft
)

func (k FailureKind) weight() float64 {
	if k == FailureSoft {
		return 0.5
	}
	return 1
}

// RecordOutcome records a call's outcome. success is ignored for kind when
// the call succeeded; kind only weighs failures.
func (c *CircuitBreaker) RecordOutcome(success bool, kind FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	weight := 1.0
	if !success {
		weight = kind.weight()
	}
	c.window.add(weight, success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := failures / total
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= float64(c.minSamples) {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if failures/total >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
	}
}

// State reports the current breaker state as a string, for diagnostics.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("megaservice-resilience")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("megaservice_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("megaservice-resilience")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("megaservice_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow implements fixed-size time buckets storing weighted
// success/failure mass. Each bucket remembers which interval epoch it was
// last written in, so it is only cleared when the ring reuses it for a new
// epoch — not on every write within the same epoch, which would otherwise
// discard same-interval accumulation (the bug that made per-call failure
// weighting impossible to observe: two calls landing in the same bucket
// used to leave only the second one's weight behind).
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	epoch    []int64
	nowFn    func() time.Time
}

// bucket accumulates weighted outcome mass rather than plain counts, so a
// FailureSoft outcome (a timed-out call) contributes half the failure mass
// of a FailureHard one (a refused connection) toward the open threshold.
type bucket struct{ success, fail float64 }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	epoch := make([]int64, buckets)
	for i := range epoch {
		epoch[i] = math.MinInt64
	}
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		epoch:    epoch,
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentEpoch(now time.Time) int64 {
	return now.UnixNano() / w.interval.Nanoseconds()
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(w.currentEpoch(now) % int64(w.buckets))
}

func (w *slidingWindow) add(weight float64, success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	epoch := w.currentEpoch(now)
	if w.epoch[idx] != epoch {
		w.data[idx] = bucket{}
		w.epoch[idx] = epoch
	}
	if success {
		w.data[idx].success += weight
	} else {
		w.data[idx].fail += weight
	}
}

func (w *slidingWindow) stats() (total float64, failures float64) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
		w.epoch[i] = math.MinInt64
	}
}
