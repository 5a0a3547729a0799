package message

import (
	"sync"
	"testing"
	"time"
)

func TestNewRequestCorrelationID(t *testing.T) {
	sender := AgentIdentity{ID: "agent-a"}
	req := NewRequest(sender, "agent-b", map[string]interface{}{"x": 1}, PriorityNormal, 0)

	if req.Metadata.CorrelationID != req.Metadata.MessageID {
		t.Fatalf("request correlation_id %q should equal its own message_id %q", req.Metadata.CorrelationID, req.Metadata.MessageID)
	}
	if !req.IsRequest() {
		t.Fatal("expected IsRequest() to be true")
	}
}

func TestNewResponseCorrelation(t *testing.T) {
	sender := AgentIdentity{ID: "agent-a"}
	req := NewRequest(sender, "agent-b", nil, PriorityNormal, 0)

	responder := AgentIdentity{ID: "agent-b"}
	resp := NewResponse(req, responder, map[string]interface{}{"echo": req.Payload})

	if resp.Metadata.CorrelationID != req.Metadata.MessageID {
		t.Fatalf("response correlation_id %q must equal request message_id %q", resp.Metadata.CorrelationID, req.Metadata.MessageID)
	}
	if len(resp.Recipients) != 1 || resp.Recipients[0] != req.Sender.ID {
		t.Fatalf("response must target the request's sender, got %v", resp.Recipients)
	}
	if !resp.IsResponse() {
		t.Fatal("expected IsResponse() to be true")
	}
}

func TestNewBroadcastHasNoRecipients(t *testing.T) {
	b := NewBroadcast(AgentIdentity{ID: "agent-a"}, map[string]interface{}{"announce": "x"}, PriorityHigh)
	if !b.IsBroadcast() {
		t.Fatal("broadcast message must report IsBroadcast() true")
	}
}

func TestNewContextSharePayloadShape(t *testing.T) {
	cs := NewContextShare(AgentIdentity{ID: "a"}, "b", "legal_finding", map[string]interface{}{"k": "v"}, PriorityNormal)
	if cs.Payload["context_type"] != "legal_finding" {
		t.Fatalf("expected context_type key in payload, got %v", cs.Payload)
	}
	if _, ok := cs.Payload["context_data"]; !ok {
		t.Fatalf("expected context_data key in payload, got %v", cs.Payload)
	}
}

func TestIsExpired(t *testing.T) {
	m := New(AgentIdentity{ID: "a"}, nil, TypeEvent, nil, PriorityNormal, 1)
	if m.IsExpired() {
		t.Fatal("freshly created message with 1s TTL should not be expired yet")
	}
	m.Metadata.CreatedAt = time.Now().Add(-2 * time.Second)
	if !m.IsExpired() {
		t.Fatal("message created 2s ago with 1s TTL should be expired")
	}
}

func TestIsExpiredZeroTTLNeverExpires(t *testing.T) {
	m := New(AgentIdentity{ID: "a"}, nil, TypeEvent, nil, PriorityNormal, 0)
	m.Metadata.CreatedAt = time.Now().Add(-time.Hour)
	if m.IsExpired() {
		t.Fatal("ttl_seconds <= 0 must mean the message never expires")
	}
}

func TestMessageIDUniqueUnderConcurrentGeneration(t *testing.T) {
	const n = 2000
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- NewID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate message id %q generated concurrently", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIncrementRetryIsAtomic(t *testing.T) {
	m := New(AgentIdentity{ID: "a"}, []string{"b"}, TypeRequest, nil, PriorityHigh, 0)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementRetry()
		}()
	}
	wg.Wait()

	if got := m.RetryCount(); got != n {
		t.Fatalf("expected retry count %d after %d concurrent increments, got %d", n, n, got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m := NewRequest(AgentIdentity{ID: "a", AgentType: "legal"}, "b", map[string]interface{}{"q": "x"}, PriorityCritical, 30)

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	round, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}
	if round.Metadata.MessageID != m.Metadata.MessageID {
		t.Fatalf("round-tripped message_id mismatch: %q vs %q", round.Metadata.MessageID, m.Metadata.MessageID)
	}
	if round.Metadata.Priority != PriorityCritical {
		t.Fatalf("expected priority to survive round trip, got %v", round.Metadata.Priority)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	m := NewRequest(AgentIdentity{ID: "a"}, "b", map[string]interface{}{"q": "x"}, PriorityHigh, 0)

	data, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	var round Message
	if err := round.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if round.Metadata.MessageID != m.Metadata.MessageID {
		t.Fatalf("binary round-trip lost message_id: %q vs %q", round.Metadata.MessageID, m.Metadata.MessageID)
	}
}

func TestWithRecipientScopesDelivery(t *testing.T) {
	b := NewBroadcast(AgentIdentity{ID: "a"}, map[string]interface{}{"k": "v"}, PriorityNormal)
	scoped := b.WithRecipient("c")

	if len(scoped.Recipients) != 1 || scoped.Recipients[0] != "c" {
		t.Fatalf("expected scoped message to target only %q, got %v", "c", scoped.Recipients)
	}
	if scoped.Metadata.MessageID != b.Metadata.MessageID {
		t.Fatal("scoping to a recipient must not change the message identity")
	}
}
