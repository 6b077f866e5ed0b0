// Command megaservice wires the schedule engine, node executor, service
// registry and metrics into an HTTP front end for one example pipeline:
// embedder -> retriever -> reranker -> generator -> post-processor.
//
// Grounded on services/orchestrator/main.go's signal handling, mux
// wiring, and Prometheus-handler mounting.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/megaservice/internal/align"
	"github.com/swarmguard/megaservice/internal/core/logging"
	"github.com/swarmguard/megaservice/internal/core/otelinit"
	"github.com/swarmguard/megaservice/internal/dag"
	"github.com/swarmguard/megaservice/internal/executor"
	"github.com/swarmguard/megaservice/internal/metrics"
	"github.com/swarmguard/megaservice/internal/payload"
	"github.com/swarmguard/megaservice/internal/registry"
	"github.com/swarmguard/megaservice/internal/schedule"
	"github.com/swarmguard/megaservice/internal/transport"
	"go.opentelemetry.io/otel"
)

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildTemplate() *dag.Graph {
	g := dag.New()
	g.AddEdge("embedder", "retriever")
	g.AddEdge("retriever", "reranker")
	g.AddEdge("reranker", "generator")
	g.AddEdge("generator", "post-processor")
	return g
}

func buildRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(&registry.Descriptor{
		Name: "embedder", Type: registry.Embedding,
		Endpoint: registry.StaticEndpoint(getEnvDefault("EMBEDDER_ENDPOINT", "http://embedding:6000/v1/embeddings")),
	})
	reg.Register(&registry.Descriptor{
		Name: "retriever", Type: registry.Retriever,
		Endpoint: registry.StaticEndpoint(getEnvDefault("RETRIEVER_ENDPOINT", "http://retriever:7000/v1/retrieval")),
	})
	reg.Register(&registry.Descriptor{
		Name: "reranker", Type: registry.Rerank,
		Endpoint: registry.StaticEndpoint(getEnvDefault("RERANKER_ENDPOINT", "http://reranking:8000/v1/reranking")),
	})
	reg.Register(&registry.Descriptor{
		Name: "generator", Type: registry.LLM,
		APIKey:   os.Getenv("LLM_API_KEY"),
		Endpoint: registry.ModelPathEndpoint(getEnvDefault("LLM_ENDPOINT", "http://llm:9000/v1/chat")),
	})
	reg.Register(&registry.Descriptor{
		Name: "post-processor", Type: registry.Guardrail,
		Endpoint: registry.StaticEndpoint(getEnvDefault("POSTPROCESS_ENDPOINT", "http://postprocess:9100/v1/postprocess")),
	})
	return reg
}

type processRequest struct {
	Inputs        map[string]any `json:"inputs"`
	LLMParameters map[string]any `json:"llm_parameters"`
}

func handleProcess(eng *schedule.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		result, runtimeGraph, err := eng.Schedule(r.Context(), req.Inputs, req.LLMParameters)
		if err != nil {
			slog.Error("schedule failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		finals := schedule.FinalOutputs(result, runtimeGraph)
		for node, out := range finals {
			if out.Kind != payload.Stream {
				continue
			}
			writeStream(w, out)
			slog.Info("streamed response", "node", node)
			return
		}

		resp := make(map[string]any, len(finals))
		for node, out := range finals {
			switch out.Kind {
			case payload.Structured:
				resp[node] = out.Data
			case payload.Audio:
				resp[node] = map[string]any{"content_type": out.ContentType, "bytes": len(out.AudioBytes)}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func writeStream(w http.ResponseWriter, out payload.Output) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	for chunk := range out.Chunks {
		bw.WriteString(chunk)
		bw.Flush()
		if canFlush {
			flusher.Flush()
		}
	}
}

func main() {
	service := "megaservice"
	addr := flag.String("addr", getEnvDefault("MEGASERVICE_ADDR", ":8080"), "listen address")
	flag.Parse()

	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMeter, promHandler := otelinit.InitMeterProvider(service)

	reg := buildRegistry()
	template := buildTemplate()
	metricsRegistry := metrics.NewRegistry(otel.GetMeterProvider().Meter("megaservice"))
	exec := executor.New(reg, align.Identity(), transport.New(2000*time.Second), metricsRegistry)
	eng := schedule.New(template, exec, metricsRegistry)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/process", handleProcess(eng))
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", *addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMeter(ctxSd)
	slog.Info("shutdown complete")
}
