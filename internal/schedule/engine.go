// Package schedule implements the schedule engine (§4.D): the per-request
// DAG runtime loop that seeds roots, fans out to the node executor, joins
// completions as they arrive, applies black-list edge pruning, and
// produces the final result table and pruned runtime graph.
//
// Grounded on services/orchestrator/dag_engine.go's executeDAG (Kahn's
// algorithm + worker pool + coordinator goroutine collecting results over
// a channel) generalized from a static topological count to the
// completion-driven, edge-mutating loop spec.md §4.D describes.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swarmguard/megaservice/internal/core/logging"
	"github.com/swarmguard/megaservice/internal/core/otelinit"
	"github.com/swarmguard/megaservice/internal/dag"
	"github.com/swarmguard/megaservice/internal/executor"
	"github.com/swarmguard/megaservice/internal/metrics"
	"github.com/swarmguard/megaservice/internal/payload"
)

// MalformedPatternError is logged and skipped, per spec.md §7: it never
// aborts the request.
type MalformedPatternError struct {
	Node    string
	Pattern string
	Err     error
}

func (e *MalformedPatternError) Error() string {
	return fmt.Sprintf("schedule: node %q black-list pattern %q is malformed: %v", e.Node, e.Pattern, e.Err)
}

// Engine is process-lifetime; Schedule is safe to call concurrently for
// independent requests.
type Engine struct {
	Template *dag.Graph
	Executor *executor.Executor
	Metrics  *metrics.Registry
}

// New returns an Engine driving template (the immutable, process-lifetime
// pipeline description).
func New(template *dag.Graph, exec *executor.Executor, m *metrics.Registry) *Engine {
	return &Engine{Template: template, Executor: exec, Metrics: m}
}

type completion struct {
	node          string
	effectiveNode string
	out           payload.Output
	fatalErr      error
}

// Schedule runs one request to completion, per spec.md §4.D.
func (e *Engine) Schedule(ctx context.Context, initialInputs map[string]any, llmParams map[string]any) (map[string]payload.Output, *dag.Graph, error) {
	reqID := uuid.New().String()
	reqStart := time.Now()
	pending := e.Metrics.BeginPending(ctx)
	slog.Debug("request scheduled", "request_id", reqID)
	if logging.VerboseEnabled() {
		slog.Debug("request inputs", "request_id", reqID, "inputs", initialInputs, "llm_parameters", llmParams)
	}
	defer func() { slog.Debug("request finished", "request_id", reqID, "elapsed", time.Since(reqStart)) }()

	ctx, span := otelinit.StartSpan(ctx, "schedule")
	span.SetAttributes(attribute.String("request_id", reqID))
	defer span.End()

	runtimeGraph := e.Template.Clone()
	roots := runtimeGraph.IndNodes()

	resultTable := make(map[string]payload.Output)
	dispatched := make(map[string]bool)
	completions := make(chan completion)

	if logging.VerboseEnabled() {
		defer func() { slog.Debug("request outputs", "request_id", reqID, "results", summarizeResults(resultTable)) }()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatch := func(node string, inputs map[string]any) {
		dispatched[node] = true
		go func() {
			out, effNode, err := e.Executor.Execute(ctx, node, inputs, runtimeGraph, llmParams, reqStart, pending)
			select {
			case completions <- completion{node: node, effectiveNode: effNode, out: out, fatalErr: err}:
			case <-ctx.Done():
			}
		}()
	}

	inFlight := 0
	for _, root := range roots {
		dispatch(root, initialInputs)
		inFlight++
	}

	var fatal error
	stitched := false // an executor result is a stream whose stitcher ends pending
	for inFlight > 0 && fatal == nil {
		select {
		case <-ctx.Done():
			fatal = ctx.Err()
		case c := <-completions:
			inFlight--
			if c.fatalErr != nil {
				fatal = c.fatalErr
				break
			}
			if c.out.Kind == payload.Stream {
				stitched = true
			}
			resultTable[c.node] = c.out
			if c.effectiveNode != c.node {
				resultTable[c.effectiveNode] = c.out
				dispatched[c.effectiveNode] = true
			}

			ds := runtimeGraph.Downstream(c.node)
			ds = e.applyBlackList(runtimeGraph, c.node, c.out, ds)
			ds = streamConformanceFallback(resultTable, c.node, c.out, ds, llmParams)

			for _, d := range ds {
				if dispatched[d] {
					continue
				}
				preds := runtimeGraph.Predecessors(d)
				if !allResolved(preds, resultTable) {
					continue
				}
				inputs := ProcessOutputs(preds, resultTable)
				dispatch(d, inputs)
				inFlight++
			}
		}
	}

	if fatal != nil {
		cancel()
		pending.End()
		return resultTable, runtimeGraph, fatal
	}

	pruneToReachable(runtimeGraph, roots)

	if !stitched {
		pending.End()
	}

	return resultTable, runtimeGraph, nil
}

// ProcessOutputs shallow-merges each predecessor's structured payload into
// a single key/value mapping, in predecessor order. Per spec.md §9 Open
// Question 1, duplicate keys across predecessors are unspecified upstream;
// this implementation resolves them as last-writer-wins under the stable
// predecessor order returned by the graph.
func ProcessOutputs(prevNodes []string, resultTable map[string]payload.Output) map[string]any {
	merged := make(map[string]any)
	for _, n := range prevNodes {
		out, ok := resultTable[n]
		if !ok || out.Kind != payload.Structured {
			continue
		}
		for k, v := range out.Data {
			merged[k] = v
		}
	}
	return merged
}

// FinalOutputs returns the result-table entries for g's leaves — the
// request's final, user-facing outputs. Supplements the original's
// get_all_final_outputs helper (see SPEC_FULL.md).
func FinalOutputs(resultTable map[string]payload.Output, g *dag.Graph) map[string]payload.Output {
	leaves := g.AllLeaves()
	out := make(map[string]payload.Output, len(leaves))
	for _, l := range leaves {
		if v, ok := resultTable[l]; ok {
			out[l] = v
		}
	}
	return out
}

func allResolved(nodes []string, resultTable map[string]payload.Output) bool {
	for _, n := range nodes {
		if _, ok := resultTable[n]; !ok {
			return false
		}
	}
	return true
}

// applyBlackList prunes edges out of node whose target matches one of the
// node's downstream_black_list regex patterns, per spec.md §4.D. Malformed
// patterns are logged and skipped, never aborting the request.
func (e *Engine) applyBlackList(g *dag.Graph, node string, out payload.Output, ds []string) []string {
	patterns, ok := out.BlackList()
	if !ok {
		return ds
	}
	remaining := ds
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("malformed black-list pattern, skipping", "error", (&MalformedPatternError{Node: node, Pattern: p, Err: err}).Error())
			continue
		}
		var kept []string
		for _, d := range remaining {
			if re.MatchString(d) {
				g.DeleteEdge(node, d)
			} else {
				kept = append(kept, d)
			}
		}
		remaining = kept
	}
	return remaining
}

// streamConformanceFallback synthesizes a two-event stream for a
// non-stream structured reply when, after black-list pruning, the node has
// no remaining downstream and the request wanted streaming — spec.md §4.D
// step 4's "stream conformance fallback".
func streamConformanceFallback(resultTable map[string]payload.Output, node string, out payload.Output, ds []string, llmParams map[string]any) []string {
	if len(ds) != 0 {
		return ds
	}
	streamWanted, _ := llmParams["stream"].(bool)
	if !streamWanted {
		return ds
	}
	text, ok := out.Text()
	if !ok {
		return ds
	}
	chunks := make(chan string, 2)
	chunks <- "data: b'" + text + "'\n\n"
	chunks <- "data: [DONE]\n\n"
	close(chunks)
	resultTable[node] = payload.StreamOutput(chunks)
	return ds
}

func anyStreaming(resultTable map[string]payload.Output) bool {
	for _, out := range resultTable {
		if out.Kind == payload.Stream {
			return true
		}
	}
	return false
}

// pruneToReachable removes every node (and its edges) not reachable from
// roots, per spec.md §4.D step 5.
func pruneToReachable(g *dag.Graph, roots []string) {
	reachable := make(map[string]bool)
	for _, r := range roots {
		reachable[r] = true
		for _, d := range g.AllDownstreams(r) {
			reachable[d] = true
		}
	}
	for _, n := range g.Nodes() {
		if !reachable[n] {
			g.DeleteNodeIfExists(n)
		}
	}
}

// summarizeResults renders a LOGFLAG debug dump of the result table without
// hauling raw audio bytes or open stream channels into the log line.
func summarizeResults(resultTable map[string]payload.Output) map[string]any {
	summary := make(map[string]any, len(resultTable))
	for node, out := range resultTable {
		switch out.Kind {
		case payload.Structured:
			summary[node] = out.Data
		case payload.Audio:
			summary[node] = fmt.Sprintf("audio/%s (%d bytes)", out.ContentType, len(out.AudioBytes))
		case payload.Stream:
			summary[node] = "stream"
		}
	}
	return summary
}
