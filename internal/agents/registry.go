// Package agents defines the pipeline agent contract and the built-in
// agents the default tools are assembled from. Agents are pure
// transforms over an in-memory payload; all staging I/O happens in the
// runner around them.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Payload is the working document threaded through a pipeline. The
// first agent reads the staged inputs; later agents build on whatever
// their predecessors left in Doc.
type Payload struct {
	TaskID string
	Params map[string]any
	// Inputs maps input role to staged bytes.
	Inputs map[string][]byte
	// Doc accumulates intermediate and final results.
	Doc map[string]any
}

// Agent is one step of a processing pipeline.
type Agent interface {
	Name() string
	Run(ctx context.Context, p *Payload) error
}

// Registry resolves agent names from tool definitions to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns a registry pre-populated with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range builtinAgents() {
		r.agents[a.Name()] = a
	}
	return r
}

// Register adds or replaces an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Resolve maps a tool's agent names to implementations, preserving
// order. Any unknown name fails the whole pipeline.
func (r *Registry) Resolve(names []string) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(names))
	for _, name := range names {
		a, ok := r.agents[name]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", name)
		}
		out = append(out, a)
	}
	return out, nil
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
