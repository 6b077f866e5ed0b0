// Package transport implements the single kind of HTTP egress call the
// system makes: POST JSON (or receive audio/wav) to a node's resolved
// endpoint, with an optional bearer credential, per spec.md §6.
//
// Grounded on services/orchestrator/task_executor.go's HTTPTaskExecutor.Execute
// and plugins.go's HTTPPlugin.Execute for the request-building and
// bearer-auth conventions, generalized to also support the blocking
// streaming branch dispatched onto a worker goroutine per the design note
// in spec.md §9 ("Blocking streaming inside an async loop").
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/megaservice/internal/core/otelinit"
)

// TransportError wraps a network/HTTP failure on a node call. Per spec.md
// §7 it is surfaced as the node's result with no local retry.
type TransportError struct {
	Node string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: node %q: %v", e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client issues the outbound calls described in spec.md §6. The zero value
// is not usable; construct with New.
type Client struct {
	http *http.Client
}

// New returns a Client whose total per-call timeout is timeout (spec.md §5:
// "on the order of 2000 seconds") and whose transport disables HTTP
// proxies, matching the original's explicit proxy-disable behavior.
func New(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: nil},
		},
	}
}

func authorize(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// Response is a node's unary reply, still tagged by content-type; callers
// decide how to fold it into a payload.Output.
type Response struct {
	ContentType string
	Body        []byte
}

// PostJSON performs a unary, non-streaming POST and returns the raw
// response body plus its content-type.
func (c *Client) PostJSON(ctx context.Context, node, url, apiKey string, body map[string]any) (Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Response{}, &TransportError{Node: node, Err: err}
	}

	ctx, span := otelinit.StartSpan(ctx, "http.execute")
	span.SetAttributes(attribute.String("node", node))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return Response{}, &TransportError{Node: node, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, &TransportError{Node: node, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &TransportError{Node: node, Err: err}
	}
	if resp.StatusCode >= 400 {
		return Response{}, &TransportError{Node: node, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	return Response{ContentType: resp.Header.Get("Content-Type"), Body: respBody}, nil
}

// PostJSONDecoded is PostJSON plus a JSON decode of the body, for callers
// (the stream stitcher's flush step) that only ever expect a structured
// reply.
func (c *Client) PostJSONDecoded(ctx context.Context, node, url, apiKey string, body map[string]any) (map[string]any, error) {
	resp, err := c.PostJSON(ctx, node, url, apiKey, body)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, &TransportError{Node: node, Err: err}
	}
	return decoded, nil
}

// StreamPost dispatches a blocking, synchronous streaming POST onto its own
// goroutine (the "worker" of spec.md §9) and returns a channel of raw SSE
// events, each ending in "\n\n". The goroutine closes the channel and
// releases the response body when the stream ends or ctx is cancelled.
func (c *Client) StreamPost(ctx context.Context, node, url, apiKey string, body map[string]any) (<-chan []byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Node: node, Err: err}
	}

	ctx, span := otelinit.StartSpan(ctx, "http.stream")
	span.SetAttributes(attribute.String("node", node))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		span.End()
		return nil, &TransportError{Node: node, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	authorize(req, apiKey)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.End()
		return nil, &TransportError{Node: node, Err: err}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		span.End()
		return nil, &TransportError{Node: node, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer span.End()
		var acc []byte
		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				acc = append(acc, buf[:n]...)
				for {
					idx := bytes.Index(acc, []byte("\n\n"))
					if idx < 0 {
						break
					}
					event := append([]byte(nil), acc[:idx+2]...)
					acc = acc[idx+2:]
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr != nil {
				return
			}
		}
	}()
	return out, nil
}
