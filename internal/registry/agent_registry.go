// Package registry holds the two registries agents are tracked in: which
// agents exist (AgentRegistry) and who has subscribed to which topics
// (SubscriptionRegistry). Both use a mutex-guarded map, read-mostly
// traffic, and snapshot reads so callers never hold the lock while they
// range over the result.
package registry

import (
	"fmt"
	"log"
	"sync"

	"github.com/tenzoki/swarmbus/message"
)

// UnknownAgentError is returned whenever an operation names an agent_id that
// has not been registered.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("registry: unknown agent %q", e.AgentID)
}

// entry pairs an agent's identity with the handler the broker invokes to
// deliver messages to it.
type entry struct {
	identity message.AgentIdentity
	handler  Handler
}

// AgentRegistry tracks every agent currently registered with the broker,
// keyed by agent_id. Re-registering an existing agent_id overwrites the
// previous identity and handler and logs a warning rather than failing.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]entry
}

// NewAgentRegistry returns an empty agent registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]entry)}
}

// Register adds or replaces an agent's identity and handler.
func (r *AgentRegistry) Register(identity message.AgentIdentity, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[identity.ID]; exists {
		log.Printf("Registry: agent %s already registered, overwriting identity and handler", identity.ID)
	}
	r.agents[identity.ID] = entry{identity: identity, handler: handler}
}

// Unregister removes an agent from the registry. It is a no-op if the agent
// was never registered.
func (r *AgentRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Lookup returns the identity registered under agentID.
func (r *AgentRegistry) Lookup(agentID string) (message.AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return message.AgentIdentity{}, &UnknownAgentError{AgentID: agentID}
	}
	return e.identity, nil
}

// Handler returns the handler registered for agentID. If absent, the caller
// should log and skip delivery to that recipient rather than fail the whole
// dispatch.
func (r *AgentRegistry) Handler(agentID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok || e.handler == nil {
		return nil, false
	}
	return e.handler, true
}

// Exists reports whether agentID is currently registered.
func (r *AgentRegistry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// All returns a snapshot of every registered identity.
func (r *AgentRegistry) All() []message.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.AgentIdentity, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.identity)
	}
	return out
}

// ByType returns a snapshot of every registered identity whose AgentType
// matches agentType.
func (r *AgentRegistry) ByType(agentType string) []message.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []message.AgentIdentity
	for _, e := range r.agents {
		if e.identity.AgentType == agentType {
			out = append(out, e.identity)
		}
	}
	return out
}

// ByCapability returns a snapshot of every registered identity that declares
// the given capability.
func (r *AgentRegistry) ByCapability(capability string) []message.AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []message.AgentIdentity
	for _, e := range r.agents {
		if e.identity.HasCapability(capability) {
			out = append(out, e.identity)
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
