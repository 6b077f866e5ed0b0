// Package payload defines the tagged-variant shape a node's completed
// output can take, per spec.md §9 "Dynamic payload shape": rather than
// probing an interface{} at runtime, every result is one of exactly three
// kinds, and callers switch on Kind instead of doing type assertions.
package payload

// Kind tags which variant an Output holds.
type Kind int

const (
	// Structured is a JSON-object reply, optionally carrying a
	// "downstream_black_list" field (schedule engine pruning) or a
	// "text" field (stream-conformance fallback / stitcher input).
	Structured Kind = iota
	// Audio is a raw response body tagged by its content-type (e.g. a
	// node that replied audio/wav).
	Audio
	// Stream is an open, already wire-framed token stream — only valid
	// at the terminal leaf of a streaming pipeline.
	Stream
)

// Output is one node's completed result.
type Output struct {
	Kind Kind

	// Data holds the decoded JSON object when Kind == Structured.
	Data map[string]any

	// AudioBytes and ContentType hold the raw body when Kind == Audio.
	AudioBytes  []byte
	ContentType string

	// Chunks yields pre-framed SSE lines ("data: ...\n\n") when
	// Kind == Stream. The producer closes it after the final event.
	Chunks <-chan string
}

// StructuredOutput wraps a decoded JSON object.
func StructuredOutput(data map[string]any) Output {
	return Output{Kind: Structured, Data: data}
}

// AudioOutput wraps a raw response body.
func AudioOutput(body []byte, contentType string) Output {
	return Output{Kind: Audio, AudioBytes: body, ContentType: contentType}
}

// StreamOutput wraps an open, pre-framed chunk channel.
func StreamOutput(chunks <-chan string) Output {
	return Output{Kind: Stream, Chunks: chunks}
}

// BlackList returns the downstream_black_list field's string entries, if
// this is a Structured output carrying one.
func (o Output) BlackList() ([]string, bool) {
	if o.Kind != Structured {
		return nil, false
	}
	raw, ok := o.Data["downstream_black_list"]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]string)
	if ok {
		return list, true
	}
	if anyList, ok := raw.([]any); ok {
		out := make([]string, 0, len(anyList))
		for _, v := range anyList {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

// Text returns the "text" field of a Structured output, if present.
func (o Output) Text() (string, bool) {
	if o.Kind != Structured {
		return "", false
	}
	v, ok := o.Data["text"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
