// Package stats maintains the broker's operational counters and, per
// delivery attempt to one recipient, an OpenTelemetry span tagged with the
// message's correlation id and priority.
package stats

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tenzoki/swarmbus/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	noop "go.opentelemetry.io/otel/trace/noop"
)

// Snapshot is a read of every maintained counter, returned as a single
// value. Each counter is loaded atomically, but the counters are loaded one
// after another, so the fields are not one atomic read across each other.
type Snapshot struct {
	MessagesSent       int64
	MessagesDelivered  int64
	MessagesFailed     int64
	MessagesExpired    int64
	MessagesRetried    int64
	RequestsTimeout    int64
	BatchesProcessed   int64
	AvgBatchSize       float64
	QueueSize          int
	QueueCapacity      int
	PendingRequests    int
	DeadLetterSize     int
	RegisteredAgents   int
	Topics             int
	UptimeSeconds      float64
	WorkerStats        []WorkerSnapshot
}

// WorkerSnapshot is the per-worker slice of Snapshot.
type WorkerSnapshot struct {
	WorkerID  int
	Processed int64
	Errors    int64
}

// Collector accumulates the broker's counters and emits one tracing span per
// delivery attempt to one recipient.
type Collector struct {
	startedAt time.Time
	tracer    trace.Tracer

	messagesSent      int64
	messagesDelivered int64
	messagesFailed    int64
	messagesExpired   int64
	messagesRetried   int64
	requestsTimeout   int64
	batchesProcessed  int64
	batchSizeTotal    int64
}

// New returns a collector using provider for span creation. A nil provider
// installs a no-op tracer so the broker has no mandatory tracing collector
// dependency.
func New(provider trace.TracerProvider) *Collector {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Collector{
		startedAt: time.Now(),
		tracer:    provider.Tracer("swarmbus/broker"),
	}
}

// Default returns a collector wired to the global otel TracerProvider
// (otel.GetTracerProvider()), which is a no-op until an application
// configures one.
func Default() *Collector {
	return New(otel.GetTracerProvider())
}

func (c *Collector) RecordSent() { atomic.AddInt64(&c.messagesSent, 1) }

func (c *Collector) RecordDelivered(n int64) {
	atomic.AddInt64(&c.messagesDelivered, n)
}
func (c *Collector) RecordFailed()  { atomic.AddInt64(&c.messagesFailed, 1) }
func (c *Collector) RecordExpired() { atomic.AddInt64(&c.messagesExpired, 1) }
func (c *Collector) RecordRetried() { atomic.AddInt64(&c.messagesRetried, 1) }
func (c *Collector) RecordTimeout() { atomic.AddInt64(&c.requestsTimeout, 1) }

// RecordBatch folds one processed batch of size n into batches_processed and
// avg_batch_size.
func (c *Collector) RecordBatch(n int) {
	atomic.AddInt64(&c.batchesProcessed, 1)
	atomic.AddInt64(&c.batchSizeTotal, int64(n))
}

// Delivery is a single delivery span: one per (message, recipient) attempt.
// Callers create it at the start of a handler invocation, then End it with
// the outcome.
type Delivery struct {
	span trace.Span
}

// StartDelivery opens a span named after msg's type, tagged with its
// correlation id and priority.
func (c *Collector) StartDelivery(ctx context.Context, msg *message.Message, recipient string) (context.Context, *Delivery) {
	ctx, span := c.tracer.Start(ctx, "broker.deliver."+string(msg.Type),
		trace.WithAttributes(
			attribute.String("correlation_id", msg.Metadata.CorrelationID),
			attribute.String("priority", msg.Metadata.Priority.String()),
			attribute.String("recipient", recipient),
		))
	return ctx, &Delivery{span: span}
}

// End closes the span, recording err if delivery to this recipient failed.
func (d *Delivery) End(err error) {
	if err != nil {
		d.span.RecordError(err)
		d.span.SetStatus(codes.Error, err.Error())
	} else {
		d.span.SetStatus(codes.Ok, "delivered")
	}
	d.span.End()
}

// Snapshot returns the current counters plus the supplied live state that
// the collector itself does not own (queue, registries, dead-letter buffer,
// pending-request table, per-worker counters).
func (c *Collector) Snapshot(live LiveState) Snapshot {
	batches := atomic.LoadInt64(&c.batchesProcessed)
	total := atomic.LoadInt64(&c.batchSizeTotal)
	var avg float64
	if batches > 0 {
		avg = float64(total) / float64(batches)
	}

	return Snapshot{
		MessagesSent:      atomic.LoadInt64(&c.messagesSent),
		MessagesDelivered: atomic.LoadInt64(&c.messagesDelivered),
		MessagesFailed:    atomic.LoadInt64(&c.messagesFailed),
		MessagesExpired:   atomic.LoadInt64(&c.messagesExpired),
		MessagesRetried:   atomic.LoadInt64(&c.messagesRetried),
		RequestsTimeout:   atomic.LoadInt64(&c.requestsTimeout),
		BatchesProcessed:  batches,
		AvgBatchSize:      avg,
		QueueSize:         live.QueueSize,
		QueueCapacity:     live.QueueCapacity,
		PendingRequests:   live.PendingRequests,
		DeadLetterSize:    live.DeadLetterSize,
		RegisteredAgents:  live.RegisteredAgents,
		Topics:            live.Topics,
		UptimeSeconds:     time.Since(c.startedAt).Seconds(),
		WorkerStats:       live.WorkerStats,
	}
}

// LiveState is the subset of Snapshot the broker's other components own
// directly; the collector folds it in at read time rather than duplicating
// it behind its own counters.
type LiveState struct {
	QueueSize        int
	QueueCapacity    int
	PendingRequests  int
	DeadLetterSize   int
	RegisteredAgents int
	Topics           int
	WorkerStats      []WorkerSnapshot
}
