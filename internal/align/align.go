// Package align provides the three customization seams described in
// spec.md §4.G, as injected strategy function fields rather than subclass
// overrides, per the design note in spec.md §9 "Hook polymorphism".
package align

import (
	"github.com/swarmguard/megaservice/internal/dag"
	"github.com/swarmguard/megaservice/internal/payload"
)

// InputsFunc shapes a node's resolved inputs before dispatch.
type InputsFunc func(inputs map[string]any, node string, graph *dag.Graph, llmParams map[string]any) map[string]any

// OutputsFunc shapes a node's unary response before it is recorded.
type OutputsFunc func(data payload.Output, node string, inputs map[string]any, graph *dag.Graph, llmParams map[string]any) payload.Output

// GeneratorFunc rewrites a stream stitcher's outgoing chunk channel.
type GeneratorFunc func(chunks <-chan string) <-chan string

// Hooks bundles the three seams. The zero value is unusable; use Identity
// or supply all three fields explicitly. Hooks must be pure with respect
// to the runtime graph: they may read it but must not mutate it.
type Hooks struct {
	AlignInputs    InputsFunc
	AlignOutputs   OutputsFunc
	AlignGenerator GeneratorFunc
}

// Identity returns a Hooks value whose three seams are no-ops, the default
// behavior absent any subclass/configuration override.
func Identity() Hooks {
	return Hooks{
		AlignInputs: func(inputs map[string]any, _ string, _ *dag.Graph, _ map[string]any) map[string]any {
			return inputs
		},
		AlignOutputs: func(data payload.Output, _ string, _ map[string]any, _ *dag.Graph, _ map[string]any) payload.Output {
			return data
		},
		AlignGenerator: func(chunks <-chan string) <-chan string {
			return chunks
		},
	}
}
