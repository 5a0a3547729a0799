package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/tenzoki/swarmbus/message"
)

func TestWaitReceivesMatchingResponse(t *testing.T) {
	c := New()
	req := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityNormal, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		resp := message.NewResponse(req, message.AgentIdentity{ID: "b"}, map[string]interface{}{"ok": true})
		if !c.Resolve(resp) {
			t.Error("expected Resolve to find the pending waiter")
		}
	}()

	resp, err := c.Wait(context.Background(), req.Metadata.MessageID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if resp.Metadata.CorrelationID != req.Metadata.MessageID {
		t.Fatalf("unexpected correlation id: %q", resp.Metadata.CorrelationID)
	}
}

func TestWaitTimesOutAndCleansUp(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, "never-arrives")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected pending table to be empty after timeout, got %d", c.Pending())
	}
}

func TestTimeoutIdempotence(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, "corr-1")
	if err == nil {
		t.Fatal("expected the short-timeout wait to fail")
	}

	late := message.New(message.AgentIdentity{ID: "b"}, []string{"a"}, message.TypeResponse, nil, message.PriorityNormal, 0)
	late.Metadata.CorrelationID = "corr-1"

	if c.Resolve(late) {
		t.Fatal("a response arriving after the caller gave up must not find a pending waiter")
	}
}

func TestResolveWithNoPendingWaiterReturnsFalse(t *testing.T) {
	c := New()
	orphan := message.New(message.AgentIdentity{ID: "b"}, []string{"a"}, message.TypeResponse, nil, message.PriorityNormal, 0)
	orphan.Metadata.CorrelationID = "no-such-request"

	if c.Resolve(orphan) {
		t.Fatal("expected Resolve to report no waiter for an orphan response")
	}
}

func TestShutdownReleasesWaiters(t *testing.T) {
	c := New()
	done := make(chan error, 1)
	go func() {
		_, err := c.Wait(context.Background(), "corr-shutdown")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Shutdown()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Wait to return an error once the correlator shuts down")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Shutdown")
	}
}
