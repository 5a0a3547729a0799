package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/tenzoki/swarmbus/message"
)

func TestCountersAccumulate(t *testing.T) {
	c := New(nil)
	c.RecordSent()
	c.RecordSent()
	c.RecordDelivered(3)
	c.RecordFailed()
	c.RecordExpired()
	c.RecordRetried()
	c.RecordTimeout()

	snap := c.Snapshot(LiveState{})
	if snap.MessagesSent != 2 {
		t.Fatalf("expected messages_sent=2, got %d", snap.MessagesSent)
	}
	if snap.MessagesDelivered != 3 {
		t.Fatalf("expected messages_delivered=3, got %d", snap.MessagesDelivered)
	}
	if snap.MessagesFailed != 1 || snap.MessagesExpired != 1 || snap.MessagesRetried != 1 || snap.RequestsTimeout != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestAvgBatchSize(t *testing.T) {
	c := New(nil)
	c.RecordBatch(4)
	c.RecordBatch(6)

	snap := c.Snapshot(LiveState{})
	if snap.BatchesProcessed != 2 {
		t.Fatalf("expected 2 batches processed, got %d", snap.BatchesProcessed)
	}
	if snap.AvgBatchSize != 5 {
		t.Fatalf("expected avg batch size 5, got %v", snap.AvgBatchSize)
	}
}

func TestSnapshotFoldsInLiveState(t *testing.T) {
	c := New(nil)
	live := LiveState{QueueSize: 3, RegisteredAgents: 2, Topics: 1}
	snap := c.Snapshot(live)

	if snap.QueueSize != 3 || snap.RegisteredAgents != 2 || snap.Topics != 1 {
		t.Fatalf("expected live state to be folded into snapshot, got %+v", snap)
	}
}

func TestStartDeliveryRecordsErrorWithoutPanicking(t *testing.T) {
	c := New(nil)
	req := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityHigh, 0)

	_, delivery := c.StartDelivery(context.Background(), req, "b")
	delivery.End(errors.New("handler exploded"))
}

func TestStartDeliverySuccessPath(t *testing.T) {
	c := New(nil)
	req := message.NewRequest(message.AgentIdentity{ID: "a"}, "b", nil, message.PriorityNormal, 0)

	_, delivery := c.StartDelivery(context.Background(), req, "b")
	delivery.End(nil)
}
