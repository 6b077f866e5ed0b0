// Package executor implements the node executor (§4.E): one HTTP call per
// DAG node, branching into the streaming or unary path, with pre/post
// alignment hooks and a per-service circuit breaker guarding the call.
//
// Grounded on services/orchestrator/task_executor.go's HTTPTaskExecutor for
// the request-building/branching shape, and libs/go/core/resilience's
// adaptive circuit breaker, repurposed here as a fail-fast guard (not a
// retrier — automatic retries are an explicit Non-goal in spec.md §1).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/megaservice/internal/align"
	"github.com/swarmguard/megaservice/internal/core/logging"
	"github.com/swarmguard/megaservice/internal/core/otelinit"
	"github.com/swarmguard/megaservice/internal/core/resilience"
	"github.com/swarmguard/megaservice/internal/dag"
	"github.com/swarmguard/megaservice/internal/metrics"
	"github.com/swarmguard/megaservice/internal/payload"
	"github.com/swarmguard/megaservice/internal/registry"
	"github.com/swarmguard/megaservice/internal/stream"
	"github.com/swarmguard/megaservice/internal/transport"
)

// classifyFailure distinguishes a timeout (the call was still in flight,
// the downstream may just be slow under load) from any other transport
// failure (connection refused, non-2xx, malformed body), which weighs more
// heavily against the breaker.
func classifyFailure(err error) resilience.FailureKind {
	if err == nil {
		return resilience.FailureHard
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.FailureSoft
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return resilience.FailureSoft
	}
	return resilience.FailureHard
}

// UnsupportedTopologyError is returned when a streaming node has more than
// one streaming-eligible downstream. Fatal for the request (spec.md §7).
type UnsupportedTopologyError struct {
	Node        string
	Downstreams []string
}

func (e *UnsupportedTopologyError) Error() string {
	return fmt.Sprintf("executor: node %q has %d streaming downstreams, at most one is supported (%v)", e.Node, len(e.Downstreams), e.Downstreams)
}

// CircuitOpenError is returned when a node's breaker denies the call
// outright; like TransportError it is folded into the node's result rather
// than aborting the request.
type CircuitOpenError struct{ Node string }

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("executor: circuit open for node %q", e.Node)
}

// Executor is process-lifetime; it is safe for concurrent use across
// requests.
type Executor struct {
	Registry *registry.Registry
	Hooks    align.Hooks
	Client   *transport.Client
	Metrics  *metrics.Registry

	breakers *breakerSet
}

// New returns an Executor. hooks may be align.Identity() for no
// customization.
func New(reg *registry.Registry, hooks align.Hooks, client *transport.Client, m *metrics.Registry) *Executor {
	return &Executor{
		Registry: reg,
		Hooks:    hooks,
		Client:   client,
		Metrics:  m,
		breakers: newBreakerSet(),
	}
}

// Execute dispatches node's call per spec.md §4.E. reqStart and pending
// thread the per-request metrics context into the stream stitcher when the
// streaming branch is taken. err is non-nil only for the fatal
// UnsupportedTopologyError case; a transport or circuit failure is instead
// folded into the returned Output under an "error" key, per spec.md §7
// ("surfaced as the node's result ... with no local retry").
func (e *Executor) Execute(
	ctx context.Context,
	node string,
	inputs map[string]any,
	g *dag.Graph,
	llmParams map[string]any,
	reqStart time.Time,
	pending *metrics.PendingGuard,
) (out payload.Output, effectiveNode string, err error) {
	ctx, span := otelinit.StartSpan(ctx, "execute")
	span.SetAttributes(attribute.String("node", node))
	defer span.End()

	if logging.VerboseEnabled() {
		slog.Debug("node call inputs", "node", node, "inputs", inputs, "llm_parameters", llmParams)
	}
	defer func() {
		if logging.VerboseEnabled() {
			slog.Debug("node call output", "node", node, "effective_node", effectiveNode, "output", out.Data, "err", err)
		}
	}()

	desc, ok := e.Registry.Get(node)
	if !ok {
		return payload.StructuredOutput(map[string]any{"error": fmt.Sprintf("no service registered for node %q", node)}), node, nil
	}

	merged := overlay(inputs, llmParams, desc.Type.IsGenerative())
	merged = e.Hooks.AlignInputs(merged, node, g, llmParams)

	var model *string
	if desc.HasCredential() {
		if m, ok := merged["model"].(string); ok {
			model = &m
		}
	}
	url := desc.EndpointPath(model)

	breaker := e.breakers.For(node, desc.Type)
	if !breaker.Allow() {
		return payload.StructuredOutput(map[string]any{"error": (&CircuitOpenError{Node: node}).Error()}), node, nil
	}

	streaming := desc.Type.IsGenerative() && boolField(merged, "stream")
	if streaming {
		return e.executeStreaming(ctx, node, url, desc.APIKey, merged, g, llmParams, reqStart, pending, breaker)
	}
	return e.executeUnary(ctx, node, url, desc.APIKey, merged, g, llmParams, breaker)
}

func (e *Executor) executeUnary(
	ctx context.Context,
	node, url, apiKey string,
	inputs map[string]any,
	g *dag.Graph,
	llmParams map[string]any,
	breaker *resilience.CircuitBreaker,
) (payload.Output, string, error) {
	resp, err := e.Client.PostJSON(ctx, node, url, apiKey, inputs)
	if err != nil {
		breaker.RecordOutcome(false, classifyFailure(err))
		return payload.StructuredOutput(map[string]any{"error": err.Error()}), node, nil
	}

	var out payload.Output
	if strings.Contains(resp.ContentType, "audio/wav") {
		out = payload.AudioOutput(resp.Body, resp.ContentType)
	} else {
		decoded, decodeErr := decodeJSON(resp.Body)
		if decodeErr != nil {
			breaker.RecordOutcome(false, resilience.FailureHard)
			return payload.StructuredOutput(map[string]any{"error": decodeErr.Error()}), node, nil
		}
		out = payload.StructuredOutput(decoded)
	}
	breaker.RecordOutcome(true, resilience.FailureHard)

	out = e.Hooks.AlignOutputs(out, node, inputs, g, llmParams)
	return out, node, nil
}

func (e *Executor) executeStreaming(
	ctx context.Context,
	node, url, apiKey string,
	inputs map[string]any,
	g *dag.Graph,
	llmParams map[string]any,
	reqStart time.Time,
	pending *metrics.PendingGuard,
	breaker *resilience.CircuitBreaker,
) (payload.Output, string, error) {
	downstream := g.Downstream(node)
	if len(downstream) > 1 {
		return payload.Output{}, node, &UnsupportedTopologyError{Node: node, Downstreams: downstream}
	}

	rawChunks, err := e.Client.StreamPost(ctx, node, url, apiKey, inputs)
	breaker.RecordOutcome(err == nil, classifyFailure(err))
	if err != nil {
		return payload.StructuredOutput(map[string]any{"error": err.Error()}), node, nil
	}

	effectiveNode := node
	stitcher := &stream.Stitcher{
		Metrics:  e.Metrics,
		ReqStart: reqStart,
		PendingDone: func() {
			if pending != nil {
				pending.End()
			}
		},
	}
	if otelinit.TelemetryEnabled() {
		stitcher.Tracer = otelinit.Tracer()
	}

	var events <-chan stream.Event
	if len(downstream) == 1 {
		effectiveNode = downstream[0]
		stitcher.Node = effectiveNode
		dsDesc, ok := e.Registry.Get(effectiveNode)
		post := func(postCtx context.Context, text string) (map[string]any, error) {
			if !ok {
				return nil, fmt.Errorf("no service registered for node %q", effectiveNode)
			}
			return e.Client.PostJSONDecoded(postCtx, effectiveNode, dsDesc.EndpointPath(nil), dsDesc.APIKey, map[string]any{"text": text})
		}
		events = stitcher.Forward(ctx, rawChunks, post)
	} else {
		events = stitcher.PassThrough(ctx, rawChunks)
	}

	raw := make(chan string)
	go func() {
		defer close(raw)
		for ev := range events {
			if ev.Err != nil {
				// Fatal for the stream (spec.md §7): stop emitting, the
				// stitcher runs its end-of-stream metrics via PendingDone
				// as it stops. Nothing downstream of the node executor can
				// recover a mid-stream error, so the channel simply ends.
				return
			}
			raw <- ev.Chunk
		}
	}()

	return payload.StreamOutput(e.Hooks.AlignGenerator(raw)), effectiveNode, nil
}

func overlay(inputs map[string]any, llmParams map[string]any, generative bool) map[string]any {
	merged := make(map[string]any, len(inputs)+len(llmParams))
	for k, v := range inputs {
		merged[k] = v
	}
	if generative {
		for k, v := range llmParams {
			merged[k] = v
		}
	}
	return merged
}

func boolField(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func decodeJSON(body []byte) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
