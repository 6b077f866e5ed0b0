// Package registry holds the process-lifetime mapping from DAG node name to
// the remote service that implements it.
//
// Grounded on the endpoint-building and bearer-auth conventions in
// services/orchestrator/task_executor.go (HTTPTaskExecutor.Execute) and
// plugins.go (HTTPPlugin.Execute): JSON POST, Content-Type header, optional
// "Authorization: Bearer <token>" when a credential is configured.
package registry

import "fmt"

// Type is the kind of remote service a node wraps.
type Type string

const (
	Embedding Type = "EMBEDDING"
	Retriever Type = "RETRIEVER"
	Rerank    Type = "RERANK"
	LLM       Type = "LLM"
	LVM       Type = "LVM"
	Guardrail Type = "GUARDRAIL"
	ASR       Type = "ASR"
	TTS       Type = "TTS"
)

// IsGenerative reports whether a service type is subject to LLMParams
// overlay and the streaming branch (§4.E step 1 / §4.D step 4).
func (t Type) IsGenerative() bool {
	return t == LLM || t == LVM
}

// EndpointFunc resolves a service's URL, optionally varying it by a
// requested model. model is nil when the descriptor carries no bearer
// credential (§4.B: "the engine passes the resolved inputs[\"model\"] ...
// otherwise it passes a null argument").
type EndpointFunc func(model *string) string

// StaticEndpoint returns an EndpointFunc that ignores model and always
// resolves to the same URL.
func StaticEndpoint(url string) EndpointFunc {
	return func(*string) string { return url }
}

// ModelPathEndpoint returns an EndpointFunc that appends the model name to
// baseURL's path when a model is given, and falls back to baseURL
// otherwise.
func ModelPathEndpoint(baseURL string) EndpointFunc {
	return func(model *string) string {
		if model == nil || *model == "" {
			return baseURL
		}
		return fmt.Sprintf("%s/%s", baseURL, *model)
	}
}

// Descriptor is an immutable-after-construction description of one DAG
// node's backing service.
type Descriptor struct {
	Name     string
	Type     Type
	APIKey   string // optional bearer credential; empty means none
	Endpoint EndpointFunc
}

// HasCredential reports whether this descriptor carries a bearer token.
func (d *Descriptor) HasCredential() bool {
	return d.APIKey != ""
}

// EndpointPath resolves the descriptor's URL for the given model, which may
// be nil.
func (d *Descriptor) EndpointPath(model *string) string {
	return d.Endpoint(model)
}

// Registry is the process-lifetime name -> Descriptor mapping.
type Registry struct {
	services map[string]*Descriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{services: make(map[string]*Descriptor)}
}

// Register adds a service descriptor. Returns an error if a descriptor
// with the same name is already registered, mirroring
// ServiceOrchestrator.add's duplicate-service guard in the original.
func (r *Registry) Register(d *Descriptor) error {
	if _, exists := r.services[d.Name]; exists {
		return fmt.Errorf("registry: service %q already registered", d.Name)
	}
	r.services[d.Name] = d
	return nil
}

// Get returns the descriptor for name, if registered.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.services[name]
	return d, ok
}
