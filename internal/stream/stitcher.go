package stream

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/megaservice/internal/metrics"
)

// UnsupportedResponseError is returned when the downstream reply to a
// flushed segment has no "text" field. Fatal for the stream (spec.md §7).
type UnsupportedResponseError struct {
	Node string
}

func (e *UnsupportedResponseError) Error() string {
	return fmt.Sprintf("stream: downstream %q reply missing \"text\" field", e.Node)
}

// PostFunc posts a flushed sentence-bounded segment to the single
// downstream node and returns its decoded JSON reply.
type PostFunc func(ctx context.Context, text string) (map[string]any, error)

// Event is one emission from a Stitcher: either a wire-framed chunk or a
// terminal error. Once Err is non-nil the producer has stopped and closed
// the channel.
type Event struct {
	Chunk string
	Err   error
}

// Stitcher bridges an upstream byte stream into the client-facing wire
// format, per spec.md §4.F.
type Stitcher struct {
	Metrics     *metrics.Registry
	ReqStart    time.Time
	PendingDone func() // called exactly once at stream end

	// Node names the downstream being forwarded through, used only for
	// error messages.
	Node string

	// Tracer is optional; set only when telemetry is enabled (mirrors
	// ENABLE_OPEA_TELEMETRY in the Python original's wrap_iterable). Nil
	// disables span creation entirely rather than creating no-op spans.
	Tracer trace.Tracer
}

func (s *Stitcher) finish(ctx context.Context) {
	s.Metrics.RequestUpdate(ctx, s.ReqStart)
	if s.PendingDone != nil {
		s.PendingDone()
	}
}

// emissionSpan wraps the whole stitching goroutine in a span when tracing
// is enabled; otherwise it is a no-op.
func (s *Stitcher) emissionSpan(ctx context.Context) (context.Context, trace.Span) {
	if s.Tracer == nil {
		return ctx, nil
	}
	return s.Tracer.Start(ctx, "stream.emit")
}

// firstTokenSpan gives the first emitted token its own dedicated span, the
// way the Python original's wrap_iterable singles out the first yield.
func (s *Stitcher) firstTokenSpan(ctx context.Context) {
	if s.Tracer == nil {
		return
	}
	_, span := s.Tracer.Start(ctx, "stream.first_token")
	span.End()
}

// PassThrough implements the no-downstream mode: every upstream chunk is
// forwarded unchanged, with only token-latency metrics observed.
func (s *Stitcher) PassThrough(ctx context.Context, upstream <-chan []byte) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer s.finish(ctx)

		spanCtx, span := s.emissionSpan(ctx)
		if span != nil {
			defer span.End()
		}

		tokenStart := s.ReqStart
		isFirst := true
		for raw := range upstream {
			if isFirst {
				s.firstTokenSpan(spanCtx)
			}
			tokenStart = s.Metrics.TokenUpdate(ctx, tokenStart, isFirst)
			isFirst = false
			select {
			case out <- Event{Chunk: string(raw)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Forward implements the forward-through-downstream mode: buffers upstream
// text into sentence-bounded segments, flushes each through post, and
// re-emits the reply's tokens in the wire format.
func (s *Stitcher) Forward(ctx context.Context, upstream <-chan []byte, post PostFunc) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer s.finish(ctx)

		spanCtx, span := s.emissionSpan(ctx)
		if span != nil {
			defer span.End()
		}

		var buf []byte
		tokenStart := s.ReqStart
		isFirst := true

		emit := func(e Event) bool {
			select {
			case out <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			text := string(buf)
			buf = buf[:0]
			reply, err := post(ctx, text)
			if err != nil {
				emit(Event{Err: err})
				return false
			}
			txt, ok := reply["text"].(string)
			if !ok {
				emit(Event{Err: &UnsupportedResponseError{Node: s.Node}})
				return false
			}
			for _, tok := range Tokenize(txt) {
				if isFirst {
					s.firstTokenSpan(spanCtx)
				}
				tokenStart = s.Metrics.TokenUpdate(ctx, tokenStart, isFirst)
				isFirst = false
				if !emit(Event{Chunk: Frame(UnescapeLiteralNewlines(tok))}) {
					return false
				}
			}
			return true
		}

		for raw := range upstream {
			chunk := string(raw)
			text, isDone, ok := ExtractChunkStr(chunk)
			if ok {
				buf = append(buf, text...)
			} else {
				buf = append(buf, chunk...)
			}

			last := isDone
			shouldFlush := last
			if !shouldFlush && len(buf) > 0 {
				r, _ := utf8.DecodeLastRune(buf)
				shouldFlush = Terminators[r]
			}
			if shouldFlush {
				if !flush() {
					return
				}
			}
			if last {
				emit(Event{Chunk: FrameDone()})
				return
			}
		}
	}()
	return out
}
