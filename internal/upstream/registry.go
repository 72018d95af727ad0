package upstream

import "github.com/nulpointcorp/smartgate/internal/registry"

// Registry maps BackendKind to its Client implementation. Additional
// kinds may be registered at startup (e.g. a custom in-house wire
// protocol); the pipeline and health controller only ever see the
// Client interface.
type Registry struct {
	clients map[registry.BackendKind]Client
}

// NewRegistry builds a Registry with the three built-in adapters
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{clients: make(map[registry.BackendKind]Client)}
	r.Register(NewOpenAIClient())
	r.Register(NewClaudeClient())
	r.Register(NewGeminiClient())
	return r
}

// Register adds or replaces the Client for its Kind().
func (r *Registry) Register(c Client) {
	r.clients[c.Kind()] = c
}

// For looks up the Client for a BackendKind.
func (r *Registry) For(kind registry.BackendKind) (Client, bool) {
	c, ok := r.clients[kind]
	return c, ok
}
