// Package agent provides the thin communication facade agents embed to
// talk to a swarmbus.Broker: it owns the agent's identity, registers it
// with the broker on construction, and offers send/request/publish/
// subscribe methods mirroring the broker's own API but scoped to this
// agent's identity.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus"
	"github.com/tenzoki/swarmbus/message"
)

// HandlerFunc is a per-message-type handler the mixin dispatches to.
type HandlerFunc func(ctx context.Context, msg *message.Message) (map[string]interface{}, error)

// Mixin is the agent-facing facade over a *swarmbus.Broker. It registers
// Identity with the broker on construction and installs a default
// per-message-type dispatch table; callers override individual entries
// with On. The broker holds this agent's dispatch func by reference, and
// the Mixin holds the broker back — Cleanup is what breaks that cycle.
type Mixin struct {
	Identity message.AgentIdentity
	Debug    bool

	broker *swarmbus.Broker

	mu       sync.Mutex
	handlers map[message.Type]HandlerFunc
	topics   map[string]struct{}
}

// New constructs a Mixin for identity, installs the default dispatch
// table, and registers identity with b. The returned Mixin is ready to
// send and receive immediately.
func New(identity message.AgentIdentity, b *swarmbus.Broker) (*Mixin, error) {
	m := &Mixin{
		Identity: identity,
		broker:   b,
		handlers: make(map[message.Type]HandlerFunc),
		topics:   make(map[string]struct{}),
	}
	m.installDefaultHandlers()
	if err := b.RegisterAgent(identity, m.dispatch); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mixin) installDefaultHandlers() {
	logOnly := func(kind message.Type) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
			if m.Debug {
				log.Printf("Agent %s: no override for %s, dropping", m.Identity.ID, kind)
			}
			return nil, nil
		}
	}
	m.handlers[message.TypeRequest] = logOnly(message.TypeRequest)
	m.handlers[message.TypeResponse] = logOnly(message.TypeResponse)
	m.handlers[message.TypeEvent] = logOnly(message.TypeEvent)
	m.handlers[message.TypeBroadcast] = logOnly(message.TypeBroadcast)
	m.handlers[message.TypeContextShare] = logOnly(message.TypeContextShare)
	m.handlers[message.TypeStatusUpdate] = logOnly(message.TypeStatusUpdate)
	m.handlers[message.TypeError] = logOnly(message.TypeError)
}

// On overrides the handler installed for msgType.
func (m *Mixin) On(msgType message.Type, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// dispatch is what the broker invokes on delivery. It never lets a
// handler panic escape to the broker's worker: the broker's own recover
// boundary is the delivery engine, but the mixin's own contract ("handler
// exceptions are caught and turned into a structured error") is enforced
// here too, one layer closer to the agent's own code.
func (m *Mixin) dispatch(ctx context.Context, msg *message.Message) (payload map[string]interface{}, err error) {
	m.mu.Lock()
	handler, ok := m.handlers[msg.Type]
	m.mu.Unlock()
	if !ok {
		log.Printf("Agent %s: no handler registered for message type %s", m.Identity.ID, msg.Type)
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Agent %s: handler panic for message type %s: %v", m.Identity.ID, msg.Type, r)
			payload = map[string]interface{}{"error": fmt.Sprint(r)}
			err = nil
		}
	}()
	return handler(ctx, msg)
}

// SendMessage builds a message of typ addressed to recipients and enqueues
// it through the broker. It reports whether the broker accepted it.
func (m *Mixin) SendMessage(ctx context.Context, recipients []string, typ message.Type, payload map[string]interface{}, priority message.Priority, ttlSeconds int64) bool {
	msg := message.New(m.Identity, recipients, typ, payload, priority, ttlSeconds)
	return m.broker.SendMessage(ctx, msg)
}

// SendRequest sends a REQUEST to recipient and blocks up to timeout for
// the correlated RESPONSE's payload, returning nil if it times out.
func (m *Mixin) SendRequest(ctx context.Context, recipient string, payload map[string]interface{}, timeout time.Duration, priority message.Priority) (map[string]interface{}, error) {
	req := message.NewRequest(m.Identity, recipient, payload, priority, 0)
	resp, err := m.broker.SendRequest(ctx, req, timeout)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Payload, nil
}

// SendResponse replies to req with payload, targeting req's sender.
func (m *Mixin) SendResponse(ctx context.Context, req *message.Message, payload map[string]interface{}) bool {
	resp := message.NewResponse(req, m.Identity, payload)
	return m.broker.SendMessage(ctx, resp)
}

// PublishEvent publishes payload to topic's current subscribers.
func (m *Mixin) PublishEvent(ctx context.Context, topic string, payload map[string]interface{}, priority message.Priority) bool {
	return m.broker.PublishEvent(ctx, m.Identity, topic, payload, priority)
}

// SendBroadcast sends payload to every agent registered with the broker
// at delivery time.
func (m *Mixin) SendBroadcast(ctx context.Context, payload map[string]interface{}, priority message.Priority) bool {
	msg := message.NewBroadcast(m.Identity, payload, priority)
	return m.broker.SendMessage(ctx, msg)
}

// ShareContext sends a CONTEXT_SHARE message to recipient.
func (m *Mixin) ShareContext(ctx context.Context, recipient string, contextType string, contextData map[string]interface{}, priority message.Priority) bool {
	msg := message.NewContextShare(m.Identity, recipient, contextType, contextData, priority)
	return m.broker.SendMessage(ctx, msg)
}

// Subscribe subscribes this agent to topic.
func (m *Mixin) Subscribe(topic string) error {
	m.mu.Lock()
	m.topics[topic] = struct{}{}
	m.mu.Unlock()
	return m.broker.Subscribe(topic, m.Identity.ID)
}

// Unsubscribe removes this agent's subscription to topic. Idempotent.
func (m *Mixin) Unsubscribe(topic string) {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
	m.broker.Unsubscribe(topic, m.Identity.ID)
}

// Cleanup unsubscribes this agent from every topic it joined and
// unregisters it from the broker. It breaks the reference cycle between
// the broker (which held this agent's handler) and this Mixin (which
// holds the broker): after Cleanup, neither side routes to the other.
func (m *Mixin) Cleanup() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	m.topics = make(map[string]struct{})
	m.mu.Unlock()

	for _, t := range topics {
		m.broker.Unsubscribe(t, m.Identity.ID)
	}
	m.broker.UnregisterAgent(m.Identity.ID)
}
