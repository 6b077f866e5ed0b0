// Package stream implements the client-facing SSE wire format (§6) and the
// stitcher that bridges a synchronous upstream byte stream into
// sentence-buffered forwarding through a single downstream node (§4.F).
//
// Grounded on orchestrator.py's extract_chunk_str/token_generator (original
// source) for the exact framing semantics, and on
// services/orchestrator/task_executor.go's streaming HTTP handling for the
// Go-idiomatic channel-based shape.
package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// Terminators is the set of characters that end a sentence for buffering
// purposes. A package-level var, not a const, per the design note in
// spec.md §9 that per-pipeline configurability is desirable but not yet
// specified.
var Terminators = map[rune]bool{
	'.': true, '?': true, '!': true,
	'。': true, '，': true, '！': true,
}

var tokenPattern = regexp.MustCompile(`\s?\S+\s?`)

// Tokenize splits text into whitespace-delimited tokens using the same
// pattern as the original's token_generator.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// UnescapeLiteralNewlines reverses a literal two-character "\n" escape
// sequence into a real newline byte, mirroring the unescape step the
// original applies before UTF-8 encoding a token for the wire.
func UnescapeLiteralNewlines(token string) string {
	return strings.ReplaceAll(token, `\n`, "\n")
}

// Frame renders one SSE data event carrying token as a Python-bytes-repr
// payload.
func Frame(token string) string {
	return "data: " + pyBytesRepr([]byte(token)) + "\n\n"
}

// FrameDone renders the terminal SSE event.
func FrameDone() string {
	return "data: [DONE]\n\n"
}

// ExtractChunkStr strips one prefix/suffix framing pair from a wire chunk
// and returns the inner text. isDone reports the literal [DONE] event; ok
// reports whether chunk was recognized as framed at all.
func ExtractChunkStr(chunk string) (text string, isDone bool, ok bool) {
	if chunk == FrameDone() {
		return "", true, true
	}
	switch {
	case strings.HasPrefix(chunk, "data: b'") && strings.HasSuffix(chunk, "'\n\n"):
		inner := chunk[len("data: b'") : len(chunk)-len("'\n\n")]
		return unPyBytesRepr(inner, '\''), false, true
	case strings.HasPrefix(chunk, `data: b"`) && strings.HasSuffix(chunk, "\"\n\n"):
		inner := chunk[len(`data: b"`) : len(chunk)-len("\"\n\n")]
		return unPyBytesRepr(inner, '"'), false, true
	default:
		return "", false, false
	}
}

// pyBytesRepr renders b the way Python's repr(bytes) would, which is what
// the client-facing wire format embeds after "data: ".
func pyBytesRepr(b []byte) string {
	hasSingle := containsByte(b, '\'')
	hasDouble := containsByte(b, '"')
	quote := byte('\'')
	if hasSingle && !hasDouble {
		quote = '"'
	}

	var sb strings.Builder
	sb.WriteByte('b')
	sb.WriteByte(quote)
	for _, c := range b {
		switch c {
		case '\\':
			sb.WriteString(`\\`)
		case quote:
			sb.WriteByte('\\')
			sb.WriteByte(quote)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if c >= 0x20 && c < 0x7f {
				sb.WriteByte(c)
			} else {
				fmt.Fprintf(&sb, `\x%02x`, c)
			}
		}
	}
	sb.WriteByte(quote)
	return sb.String()
}

// unPyBytesRepr is pyBytesRepr's inverse over the body between the quote
// characters (quote is either ' or ", whichever framed this chunk).
func unPyBytesRepr(body string, quote byte) string {
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i == len(body)-1 {
			sb.WriteByte(c)
			continue
		}
		next := body[i+1]
		switch next {
		case '\\':
			sb.WriteByte('\\')
			i++
		case quote:
			sb.WriteByte(quote)
			i++
		case 'n':
			sb.WriteByte('\n')
			i++
		case 'r':
			sb.WriteByte('\r')
			i++
		case 't':
			sb.WriteByte('\t')
			i++
		case 'x':
			if i+3 < len(body) {
				var v byte
				fmt.Sscanf(body[i+2:i+4], "%02x", &v)
				sb.WriteByte(v)
				i += 3
			} else {
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func containsByte(b []byte, target byte) bool {
	for _, c := range b {
		if c == target {
			return true
		}
	}
	return false
}
