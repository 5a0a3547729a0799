// Package message defines the typed message model agents exchange through
// the broker: identities, the closed set of message types and priorities,
// routing/correlation metadata, and the factory functions that enforce the
// construction invariants (request/response correlation, broadcast shape,
// context-share payload shape).
//
// Messages are immutable except for Metadata.RetryCount, which the delivery
// engine mutates in place as a message is retried.
package message

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type is the closed enumeration of message kinds the broker routes.
type Type string

const (
	TypeRequest      Type = "REQUEST"
	TypeResponse     Type = "RESPONSE"
	TypeEvent        Type = "EVENT"
	TypeBroadcast    Type = "BROADCAST"
	TypeContextShare Type = "CONTEXT_SHARE"
	TypeStatusUpdate Type = "STATUS_UPDATE"
	TypeError        Type = "ERROR"
)

// Priority orders dispatch. Higher values are dispatched first; there is no
// anti-starvation mechanism, matching the broker's strict-priority policy.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Weight returns the integer rank used by the priority queue. Higher weight
// is dispatched earlier.
func (p Priority) Weight() int { return int(p) }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// AgentIdentity is the stable, immutable identification of a registered
// agent: who it is, what kind of agent it is, and what it declares it can do.
type AgentIdentity struct {
	ID           string   `json:"agent_id" msgpack:"agent_id"`
	AgentType    string   `json:"agent_type" msgpack:"agent_type"`
	Name         string   `json:"name" msgpack:"name"`
	Capabilities []string `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
}

// HasCapability reports whether the identity declares the given capability.
func (a AgentIdentity) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Metadata carries routing, correlation, and quality-of-service information
// for a Message. RetryCount is the only field mutated after construction;
// it is mutated with atomic operations because a retried clone of a message
// can be observed by the delivery engine and the statistics collector
// concurrently.
type Metadata struct {
	MessageID     string    `json:"message_id" msgpack:"message_id"`
	CorrelationID string    `json:"correlation_id" msgpack:"correlation_id"`
	CreatedAt     time.Time `json:"created_at" msgpack:"created_at"`
	TTLSeconds    int64     `json:"ttl_seconds,omitempty" msgpack:"ttl_seconds"`
	Priority      Priority  `json:"priority" msgpack:"priority"`
	RetryCount    int32     `json:"retry_count" msgpack:"retry_count"`
}

// Message is the unit of communication routed by the broker. Recipients
// being empty means "broadcast to every currently registered agent" — the
// effective recipient set is resolved at dequeue time, not at send time.
type Message struct {
	Sender     AgentIdentity          `json:"sender" msgpack:"sender"`
	Recipients []string               `json:"recipients,omitempty" msgpack:"recipients,omitempty"`
	Type       Type                   `json:"message_type" msgpack:"message_type"`
	Payload    map[string]interface{} `json:"payload" msgpack:"payload"`
	Metadata   Metadata               `json:"metadata" msgpack:"metadata"`
}

// NewID generates a message ID that is unique across the broker's lifetime,
// including under concurrent generation from multiple goroutines.
func NewID() string {
	return uuid.New().String()
}

// New constructs a message with a fresh message ID. By default the
// correlation ID is set equal to the message ID, which is the correct value
// for every message type except RESPONSE (see NewResponse).
func New(sender AgentIdentity, recipients []string, typ Type, payload map[string]interface{}, priority Priority, ttlSeconds int64) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	id := NewID()
	return &Message{
		Sender:     sender,
		Recipients: recipients,
		Type:       typ,
		Payload:    payload,
		Metadata: Metadata{
			MessageID:     id,
			CorrelationID: id,
			CreatedAt:     time.Now(),
			TTLSeconds:    ttlSeconds,
			Priority:      priority,
		},
	}
}

// NewRequest builds a REQUEST whose correlation ID equals its own message ID,
// per the construction invariant for REQUEST messages.
func NewRequest(sender AgentIdentity, recipient string, payload map[string]interface{}, priority Priority, ttlSeconds int64) *Message {
	return New(sender, []string{recipient}, TypeRequest, payload, priority, ttlSeconds)
}

// NewResponse builds a RESPONSE to req: it copies req's correlation ID
// (which, for a REQUEST, is req's own message ID) and targets req's sender
// as its sole recipient.
func NewResponse(req *Message, sender AgentIdentity, payload map[string]interface{}) *Message {
	resp := New(sender, []string{req.Sender.ID}, TypeResponse, payload, req.Metadata.Priority, 0)
	resp.Metadata.CorrelationID = req.Metadata.MessageID
	return resp
}

// NewBroadcast builds a message with an empty recipient list, delivered to
// every agent registered at dequeue time.
func NewBroadcast(sender AgentIdentity, payload map[string]interface{}, priority Priority) *Message {
	return New(sender, nil, TypeBroadcast, payload, priority, 0)
}

// NewEvent builds an EVENT addressed to the subscribers of topic. The
// broker fills recipients in from the subscription registry; the payload is
// wrapped with the topic name so handlers can tell which subscription
// delivered it.
func NewEvent(sender AgentIdentity, topic string, data map[string]interface{}, priority Priority) *Message {
	payload := map[string]interface{}{
		"topic": topic,
		"data":  data,
	}
	return New(sender, nil, TypeEvent, payload, priority, 0)
}

// NewContextShare builds a CONTEXT_SHARE message whose payload carries the
// context_type/context_data keys a CONTEXT_SHARE carries.
func NewContextShare(sender AgentIdentity, recipient string, contextType string, contextData map[string]interface{}, priority Priority) *Message {
	payload := map[string]interface{}{
		"context_type": contextType,
		"context_data": contextData,
	}
	return New(sender, []string{recipient}, TypeContextShare, payload, priority, 0)
}

// IsExpired reports whether the message has outlived its TTL. A TTL of zero
// or less means the message never expires.
func (m *Message) IsExpired() bool {
	if m.Metadata.TTLSeconds <= 0 {
		return false
	}
	return time.Since(m.Metadata.CreatedAt) > time.Duration(m.Metadata.TTLSeconds)*time.Second
}

// IsRequest, IsResponse, and IsBroadcast are the predicates on message_type
// and recipients.
func (m *Message) IsRequest() bool   { return m.Type == TypeRequest }
func (m *Message) IsResponse() bool  { return m.Type == TypeResponse }
func (m *Message) IsBroadcast() bool { return len(m.Recipients) == 0 }

// RetryCount atomically reads the current retry count.
func (m *Message) RetryCount() int32 {
	return atomic.LoadInt32(&m.Metadata.RetryCount)
}

// IncrementRetry atomically increments and returns the new retry count.
func (m *Message) IncrementRetry() int32 {
	return atomic.AddInt32(&m.Metadata.RetryCount, 1)
}

// WithRecipient returns a shallow clone of m scoped to a single recipient,
// used by the delivery engine to retry one failing recipient without
// affecting delivery to the message's other recipients.
func (m *Message) WithRecipient(recipient string) *Message {
	clone := *m
	clone.Recipients = []string{recipient}
	clone.Payload = m.Payload
	return &clone
}

// ToJSON serialises the message to its self-describing JSON form.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserialises a message previously produced by ToJSON.
func FromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
