package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tenzoki/swarmbus/deadletter"
	"github.com/tenzoki/swarmbus/internal/correlator"
	"github.com/tenzoki/swarmbus/internal/queue"
	"github.com/tenzoki/swarmbus/internal/registry"
	"github.com/tenzoki/swarmbus/message"
	"github.com/tenzoki/swarmbus/stats"
)

func newTestEngine(t *testing.T, retryMax int) (*Engine, *registry.AgentRegistry, *registry.SubscriptionRegistry, *queue.PriorityQueue, *deadletter.Buffer, *correlator.Correlator) {
	t.Helper()
	agents := registry.NewAgentRegistry()
	subs := registry.NewSubscriptionRegistry()
	q := queue.New(0)
	dl := deadletter.NewBuffer(0)
	corr := correlator.New()
	collector := stats.New(nil)
	e := New(Config{RetryMaxAttempts: retryMax, EnqueueTimeout: time.Second}, agents, subs, q, dl, corr, collector)
	return e, agents, subs, q, dl, corr
}

func handlerReturning(payload map[string]interface{}, err error) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
		return payload, err
	})
}

func TestDeliverExpiredMessageIsDeadLettered(t *testing.T) {
	e, agents, _, _, dl, _ := newTestEngine(t, 3)
	agents.Register(message.AgentIdentity{ID: "b"}, handlerReturning(nil, nil))

	msg := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityNormal, 1)
	msg.Metadata.CreatedAt = time.Now().Add(-2 * time.Second)

	errs := e.Deliver(context.Background(), msg)
	if errs != 0 {
		t.Fatalf("expired delivery should not count as handler error, got %d", errs)
	}
	if dl.Len() != 1 || dl.All()[0].Reason != deadletter.ReasonExpired {
		t.Fatalf("expected 1 expired dead-letter entry, got %+v", dl.All())
	}
}

func TestDeliverUnknownRecipientSkippedNotDeadLettered(t *testing.T) {
	e, _, _, _, dl, _ := newTestEngine(t, 3)
	msg := message.NewRequest(message.AgentIdentity{ID: "a"}, "ghost", nil, message.PriorityNormal, 0)

	errs := e.Deliver(context.Background(), msg)
	if errs != 0 {
		t.Fatalf("expected 0 errors for unknown recipient, got %d", errs)
	}
	if dl.Len() != 0 {
		t.Fatal("an unknown recipient must not dead-letter the whole message")
	}
}

func TestDeliverRequestSynthesizesResponse(t *testing.T) {
	e, agents, _, q, _, _ := newTestEngine(t, 3)
	agents.Register(message.AgentIdentity{ID: "b"}, handlerReturning(map[string]interface{}{"echo": "x"}, nil))

	req := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityNormal, 0)
	e.Deliver(context.Background(), req)

	resp, err := q.Get(context.Background())
	if err != nil {
		t.Fatalf("expected a synthesized response on the queue: %v", err)
	}
	if !resp.IsResponse() {
		t.Fatal("expected the re-enqueued message to be a RESPONSE")
	}
	if resp.Metadata.CorrelationID != req.Metadata.MessageID {
		t.Fatalf("synthesized response correlation id mismatch: %q vs %q", resp.Metadata.CorrelationID, req.Metadata.MessageID)
	}
}

func TestDeliverResolvesPendingRequestForResponse(t *testing.T) {
	e, agents, _, _, _, corr := newTestEngine(t, 3)
	agents.Register(message.AgentIdentity{ID: "a"}, handlerReturning(nil, nil))

	req := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityNormal, 0)
	waitCh := corr.Register(req.Metadata.MessageID)

	resp := message.NewResponse(req, message.AgentIdentity{ID: "b"}, map[string]interface{}{"ok": true})
	errs := e.Deliver(context.Background(), resp)
	if errs != 0 {
		t.Fatalf("expected 0 errors, got %d", errs)
	}

	select {
	case got := <-waitCh:
		if got.Metadata.CorrelationID != req.Metadata.MessageID {
			t.Fatal("resolved response had wrong correlation id")
		}
	default:
		t.Fatal("expected the pending request to be resolved by the matched response")
	}
}

func TestDeliverOrphanResponseGoesToHandler(t *testing.T) {
	e, agents, _, _, dl, _ := newTestEngine(t, 3)
	called := make(chan struct{}, 1)
	agents.Register(message.AgentIdentity{ID: "a"}, registry.HandlerFunc(func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
		called <- struct{}{}
		return nil, nil
	}))

	orphan := message.New(message.AgentIdentity{ID: "b"}, []string{"a"}, message.TypeResponse, nil, message.PriorityNormal, 0)
	orphan.Metadata.CorrelationID = "no-such-request"

	e.Deliver(context.Background(), orphan)

	select {
	case <-called:
	default:
		t.Fatal("expected orphan response to be dispatched to the recipient's handler")
	}
	if dl.Len() != 0 {
		t.Fatal("orphan responses are benign and must not be dead-lettered")
	}
}

func TestDeliverRetriesHighPriorityFailureThenDeadLetters(t *testing.T) {
	e, agents, _, q, dl, _ := newTestEngine(t, 2)
	var calls int64
	var mu sync.Mutex
	agents.Register(message.AgentIdentity{ID: "b"}, registry.HandlerFunc(func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("boom")
	}))

	msg := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityHigh, 0)
	msg.Type = message.TypeStatusUpdate // avoid response synthesis noise; retry policy is type-agnostic

	current := msg
	for i := 0; i < 3; i++ {
		e.Deliver(context.Background(), current)
		if i < 2 {
			next, err := q.Get(context.Background())
			if err != nil {
				t.Fatalf("expected a retried message on the queue at iteration %d: %v", i, err)
			}
			current = next
		}
	}

	if calls != 3 {
		t.Fatalf("expected 1 + retry_max_attempts = 3 handler invocations, got %d", calls)
	}
	if dl.Len() != 1 {
		t.Fatalf("expected exactly 1 dead-letter entry after retries exhausted, got %d", dl.Len())
	}
}

func TestDeliverLowPriorityFailureDeadLettersImmediately(t *testing.T) {
	e, agents, _, _, dl, _ := newTestEngine(t, 3)
	agents.Register(message.AgentIdentity{ID: "b"}, handlerReturning(nil, errors.New("boom")))

	msg := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityLow, 0)
	e.Deliver(context.Background(), msg)

	if dl.Len() != 1 {
		t.Fatalf("LOW priority failures are not retry-eligible; expected immediate dead-letter, got %d entries", dl.Len())
	}
}

func TestDeliverBroadcastFansOutToAllRegistered(t *testing.T) {
	e, agents, _, _, _, _ := newTestEngine(t, 3)
	var mu sync.Mutex
	seen := map[string]bool{}
	record := func(id string) registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			return nil, nil
		})
	}
	agents.Register(message.AgentIdentity{ID: "a"}, record("a"))
	agents.Register(message.AgentIdentity{ID: "b"}, record("b"))
	agents.Register(message.AgentIdentity{ID: "c"}, record("c"))

	msg := message.NewBroadcast(message.AgentIdentity{ID: "a"}, map[string]interface{}{"announce": "x"}, message.PriorityHigh)
	e.Deliver(context.Background(), msg)

	if len(seen) != 3 {
		t.Fatalf("expected all 3 registered agents to observe the broadcast, got %v", seen)
	}
}

func TestDeliverEventOnlyReachesSubscribers(t *testing.T) {
	e, agents, subs, _, _, _ := newTestEngine(t, 3)
	var mu sync.Mutex
	seen := map[string]bool{}
	record := func(id string) registry.Handler {
		return registry.HandlerFunc(func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			return nil, nil
		})
	}
	agents.Register(message.AgentIdentity{ID: "b"}, record("b"))
	agents.Register(message.AgentIdentity{ID: "c"}, record("c"))
	agents.Register(message.AgentIdentity{ID: "d"}, record("d"))
	subs.Subscribe("rag_updates", "b")
	subs.Subscribe("rag_updates", "c")

	msg := message.NewEvent(message.AgentIdentity{ID: "a"}, "rag_updates", map[string]interface{}{"u": 1}, message.PriorityNormal)
	e.Deliver(context.Background(), msg)

	if !seen["b"] || !seen["c"] {
		t.Fatal("expected both subscribers to receive the event")
	}
	if seen["d"] {
		t.Fatal("non-subscriber must not receive the event")
	}
}
