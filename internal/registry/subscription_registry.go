package registry

import "sync"

// SubscriptionRegistry tracks, per topic, the set of agent_ids subscribed to
// it. Subscribing an agent that is not registered in an AgentRegistry is
// rejected by the caller (the broker checks agents.Exists before calling
// Subscribe); the registry itself only enforces topic/subscriber bookkeeping.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}
}

// NewSubscriptionRegistry returns an empty subscription registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]map[string]struct{})}
}

// Subscribe adds agentID to topic's subscriber set. Subscribing the same
// agent to the same topic twice is idempotent.
func (s *SubscriptionRegistry) Subscribe(topic, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[string]struct{})
	}
	s.subs[topic][agentID] = struct{}{}
}

// Unsubscribe removes agentID from topic's subscriber set. It is a no-op if
// the agent was never subscribed to that topic.
func (s *SubscriptionRegistry) Unsubscribe(topic, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscribers := s.subs[topic]
	if subscribers == nil {
		return
	}
	delete(subscribers, agentID)
	if len(subscribers) == 0 {
		delete(s.subs, topic)
	}
}

// Subscribers returns a snapshot of the agent_ids subscribed to topic, taken
// at call time. The delivery engine takes this snapshot at dequeue time for
// an EVENT message, not at publish time.
func (s *SubscriptionRegistry) Subscribers(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subscribers := s.subs[topic]
	out := make([]string, 0, len(subscribers))
	for agentID := range subscribers {
		out = append(out, agentID)
	}
	return out
}

// RemoveAgent unsubscribes agentID from every topic it was subscribed to.
// Called when an agent unregisters from the broker.
func (s *SubscriptionRegistry) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, subscribers := range s.subs {
		delete(subscribers, agentID)
		if len(subscribers) == 0 {
			delete(s.subs, topic)
		}
	}
}

// Topics returns a snapshot of every topic with at least one subscriber.
func (s *SubscriptionRegistry) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		out = append(out, topic)
	}
	return out
}
