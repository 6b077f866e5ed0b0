package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/megaservice/internal/align"
	"github.com/swarmguard/megaservice/internal/dag"
	"github.com/swarmguard/megaservice/internal/executor"
	"github.com/swarmguard/megaservice/internal/metrics"
	"github.com/swarmguard/megaservice/internal/payload"
	"github.com/swarmguard/megaservice/internal/registry"
	"github.com/swarmguard/megaservice/internal/stream"
	"github.com/swarmguard/megaservice/internal/transport"
)

func jsonNode(t *testing.T, handle func(in map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handle(in))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, reg *registry.Registry, template *dag.Graph) *Engine {
	t.Helper()
	m := metrics.NewRegistry(noop.NewMeterProvider().Meter("test"))
	exec := executor.New(reg, align.Identity(), transport.New(5*time.Second), m)
	return New(template, exec, m)
}

func TestScheduleLinearPipeline(t *testing.T) {
	srvA := jsonNode(t, func(map[string]any) map[string]any { return map[string]any{"x": float64(1)} })
	srvB := jsonNode(t, func(in map[string]any) map[string]any {
		if in["x"] != float64(1) {
			t.Errorf("B expected x=1, got %v", in["x"])
		}
		return map[string]any{"y": float64(2)}
	})
	srvC := jsonNode(t, func(in map[string]any) map[string]any {
		if in["y"] != float64(2) {
			t.Errorf("C expected y=2, got %v", in["y"])
		}
		return map[string]any{"z": float64(3)}
	})

	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "A", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvA.URL)})
	reg.Register(&registry.Descriptor{Name: "B", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvB.URL)})
	reg.Register(&registry.Descriptor{Name: "C", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvC.URL)})

	template := dag.New()
	template.AddEdge("A", "B")
	template.AddEdge("B", "C")

	eng := newEngine(t, reg, template)
	result, runtime, err := eng.Schedule(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["A"].Data["x"] != float64(1) || result["B"].Data["y"] != float64(2) || result["C"].Data["z"] != float64(3) {
		t.Fatalf("unexpected result table: %+v", result)
	}
	if leaves := runtime.AllLeaves(); len(leaves) != 1 || leaves[0] != "C" {
		t.Fatalf("expected leaves [C], got %v", leaves)
	}
}

func TestScheduleFanIn(t *testing.T) {
	srvA := jsonNode(t, func(map[string]any) map[string]any { return map[string]any{"a": float64(1)} })
	srvB := jsonNode(t, func(map[string]any) map[string]any { return map[string]any{"b": float64(2)} })
	srvC := jsonNode(t, func(in map[string]any) map[string]any {
		if in["a"] != float64(1) || in["b"] != float64(2) {
			t.Errorf("C expected merged inputs, got %+v", in)
		}
		return map[string]any{"c": float64(3)}
	})

	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "A", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvA.URL)})
	reg.Register(&registry.Descriptor{Name: "B", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvB.URL)})
	reg.Register(&registry.Descriptor{Name: "C", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvC.URL)})

	template := dag.New()
	template.AddEdge("A", "C")
	template.AddEdge("B", "C")

	eng := newEngine(t, reg, template)
	result, _, err := eng.Schedule(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["C"].Data["c"] != float64(3) {
		t.Fatalf("unexpected C result: %+v", result["C"])
	}
}

func TestScheduleBlackListPrune(t *testing.T) {
	var xCalls, yCalls int32
	srvG := jsonNode(t, func(map[string]any) map[string]any {
		return map[string]any{"downstream_black_list": []any{"X"}, "text": "ok"}
	})
	srvX := jsonNode(t, func(map[string]any) map[string]any {
		atomic.AddInt32(&xCalls, 1)
		return map[string]any{}
	})
	srvY := jsonNode(t, func(map[string]any) map[string]any {
		atomic.AddInt32(&yCalls, 1)
		return map[string]any{}
	})

	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "G", Type: registry.Guardrail, Endpoint: registry.StaticEndpoint(srvG.URL)})
	reg.Register(&registry.Descriptor{Name: "X", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvX.URL)})
	reg.Register(&registry.Descriptor{Name: "Y", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvY.URL)})

	template := dag.New()
	template.AddEdge("G", "X")
	template.AddEdge("G", "Y")

	eng := newEngine(t, reg, template)
	_, runtime, err := eng.Schedule(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&xCalls) != 0 {
		t.Fatalf("expected X never executed, got %d calls", xCalls)
	}
	if atomic.LoadInt32(&yCalls) != 1 {
		t.Fatalf("expected Y executed once, got %d calls", yCalls)
	}
	if runtime.HasNode("X") {
		t.Fatalf("expected X pruned from runtime graph")
	}
}

func TestScheduleBlackListStreamConformanceFallback(t *testing.T) {
	srvG := jsonNode(t, func(map[string]any) map[string]any {
		return map[string]any{"downstream_black_list": []any{"X", "Y"}, "text": "ok"}
	})
	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "G", Type: registry.Guardrail, Endpoint: registry.StaticEndpoint(srvG.URL)})
	reg.Register(&registry.Descriptor{Name: "X", Type: registry.Retriever, Endpoint: registry.StaticEndpoint("http://unused")})
	reg.Register(&registry.Descriptor{Name: "Y", Type: registry.Retriever, Endpoint: registry.StaticEndpoint("http://unused")})

	template := dag.New()
	template.AddEdge("G", "X")
	template.AddEdge("G", "Y")

	eng := newEngine(t, reg, template)
	result, _, err := eng.Schedule(context.Background(), map[string]any{}, map[string]any{"stream": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := result["G"]
	if out.Kind != payload.Stream {
		t.Fatalf("expected synthesized stream output for G, got %+v", out)
	}
	var chunks []string
	for c := range out.Chunks {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 || chunks[0] != "data: b'ok'\n\n" || chunks[1] != stream.FrameDone() {
		t.Fatalf("unexpected synthesized stream: %v", chunks)
	}
}

func TestScheduleInvalidRegexLeavesEdgesIntact(t *testing.T) {
	var xCalls, yCalls int32
	srvG := jsonNode(t, func(map[string]any) map[string]any {
		return map[string]any{"downstream_black_list": []any{"("}}
	})
	srvX := jsonNode(t, func(map[string]any) map[string]any { atomic.AddInt32(&xCalls, 1); return map[string]any{} })
	srvY := jsonNode(t, func(map[string]any) map[string]any { atomic.AddInt32(&yCalls, 1); return map[string]any{} })

	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "G", Type: registry.Guardrail, Endpoint: registry.StaticEndpoint(srvG.URL)})
	reg.Register(&registry.Descriptor{Name: "X", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvX.URL)})
	reg.Register(&registry.Descriptor{Name: "Y", Type: registry.Retriever, Endpoint: registry.StaticEndpoint(srvY.URL)})

	template := dag.New()
	template.AddEdge("G", "X")
	template.AddEdge("G", "Y")

	eng := newEngine(t, reg, template)
	_, runtime, err := eng.Schedule(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&xCalls) != 1 || atomic.LoadInt32(&yCalls) != 1 {
		t.Fatalf("expected both X and Y executed despite malformed pattern")
	}
	if !runtime.HasNode("X") || !runtime.HasNode("Y") {
		t.Fatalf("expected both edges left intact")
	}
}

func TestScheduleTwoStreamingDownstreamsFails(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "LLM", Type: registry.LLM, Endpoint: registry.StaticEndpoint("http://unused")})

	template := dag.New()
	template.AddEdge("LLM", "A")
	template.AddEdge("LLM", "B")

	eng := newEngine(t, reg, template)
	_, _, err := eng.Schedule(context.Background(), map[string]any{}, map[string]any{"stream": true})
	if err == nil {
		t.Fatalf("expected UnsupportedTopologyError")
	}
	if _, ok := err.(*executor.UnsupportedTopologyError); !ok {
		t.Fatalf("expected *executor.UnsupportedTopologyError, got %T", err)
	}
}

func TestScheduleStreamingStitchThroughDownstream(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hi", " there", ".", " How", "?"} {
			w.Write([]byte(stream.Frame(tok)))
		}
		w.Write([]byte(stream.FrameDone()))
	}))
	t.Cleanup(llmSrv.Close)

	var posted []string
	ttsSrv := jsonNode(t, func(in map[string]any) map[string]any {
		text, _ := in["text"].(string)
		posted = append(posted, text)
		return map[string]any{"text": text}
	})

	reg := registry.New()
	reg.Register(&registry.Descriptor{Name: "LLM", Type: registry.LLM, Endpoint: registry.StaticEndpoint(llmSrv.URL)})
	reg.Register(&registry.Descriptor{Name: "TTS", Type: registry.TTS, Endpoint: registry.StaticEndpoint(ttsSrv.URL)})

	template := dag.New()
	template.AddEdge("LLM", "TTS")

	eng := newEngine(t, reg, template)
	result, _, err := eng.Schedule(context.Background(), map[string]any{}, map[string]any{"stream": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, ok := result["TTS"]
	if !ok || out.Kind != payload.Stream {
		t.Fatalf("expected TTS to carry the stitched stream, got %+v", result)
	}
	var final string
	for c := range out.Chunks {
		final = c
	}
	if final != stream.FrameDone() {
		t.Fatalf("expected final event to be DONE, got %q", final)
	}
	if len(posted) != 2 || posted[0] != "Hi there." || posted[1] != " How?" {
		t.Fatalf("unexpected flush sequence: %v", posted)
	}
}
