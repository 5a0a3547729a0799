// Package swarmbus implements an in-process agent message broker: a
// priority-ordered queue, a worker pool that dispatches to registered
// agent handlers, request/response correlation, retry policy, and a
// dead-letter sink for deliveries the broker gives up on. It has no wire
// protocol of its own — agents call its Go API directly.
package swarmbus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/config"
	"github.com/tenzoki/swarmbus/deadletter"
	"github.com/tenzoki/swarmbus/internal/correlator"
	"github.com/tenzoki/swarmbus/internal/delivery"
	"github.com/tenzoki/swarmbus/internal/queue"
	"github.com/tenzoki/swarmbus/internal/registry"
	"github.com/tenzoki/swarmbus/internal/workerpool"
	"github.com/tenzoki/swarmbus/message"
	"github.com/tenzoki/swarmbus/stats"
	"go.opentelemetry.io/otel/trace"
)

// State is the broker's lifecycle state.
type State int

const (
	StateNew State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidMessageType is returned by SendRequest when passed a message
// whose type is not REQUEST.
var ErrInvalidMessageType = errors.New("broker: message type must be REQUEST")

// HandlerFunc is the synchronous agent handler contract: given a message,
// return a structured payload (used only for REQUESTs) or an error.
type HandlerFunc func(ctx context.Context, msg *message.Message) (map[string]interface{}, error)

// Result is what an asynchronous handler eventually produces: a payload to
// fold into a synthesized RESPONSE (REQUEST handlers only) and any error.
type Result = registry.Result

// AsyncHandlerFunc is the asynchronous agent handler contract: it returns a
// channel the handler's Result eventually arrives on, for agents whose work
// completes on another goroutine. The delivery engine awaits the channel.
type AsyncHandlerFunc = registry.AsyncHandlerFunc

// UnknownAgentError is returned when an operation names an agent_id that has
// not been registered.
type UnknownAgentError = registry.UnknownAgentError

// Option mutates a broker's configuration before Start, mirroring the
// legacy keyword-argument overrides of the system this was ported from.
type Option = config.Option

var (
	WithMaxQueueSize = config.WithMaxQueueSize
	WithMaxRetry     = config.WithMaxRetry
	WithNumWorkers   = config.WithNumWorkers
	WithBatching     = config.WithBatching
)

// Broker wires the agent registry, subscription registry, priority
// queue, worker pool, delivery engine, dead-letter buffer, request
// correlator, and statistics collector into a single runnable unit.
type Broker struct {
	cfg config.Config

	agents      *registry.AgentRegistry
	subs        *registry.SubscriptionRegistry
	q           *queue.PriorityQueue
	deadLetters *deadletter.Buffer
	correlator  *correlator.Correlator
	statsColl   *stats.Collector
	pool        *workerpool.Pool
	engine      *delivery.Engine

	mu        sync.Mutex
	state     State
	startedAt time.Time
}

// NewBroker builds a broker from cfg, applying any legacy overrides in
// opts. The broker is in StateNew until Start is called.
func NewBroker(cfg config.Config, tracerProvider trace.TracerProvider, opts ...Option) *Broker {
	config.Apply(&cfg, opts...)

	agents := registry.NewAgentRegistry()
	subs := registry.NewSubscriptionRegistry()
	q := queue.New(cfg.MaxQueueSize)
	deadLetters := deadletter.NewBuffer(cfg.DeadLetterCapacity)
	corr := correlator.New()
	collector := stats.New(tracerProvider)

	engine := delivery.New(delivery.Config{
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		Parallel:         cfg.DeliveryParallel,
		EnqueueTimeout:   time.Second,
	}, agents, subs, q, deadLetters, corr, collector)

	b := &Broker{
		cfg:         cfg,
		agents:      agents,
		subs:        subs,
		q:           q,
		deadLetters: deadLetters,
		correlator:  corr,
		statsColl:   collector,
		engine:      engine,
		state:       StateNew,
	}

	b.pool = workerpool.New(workerpool.Config{
		NumWorkers:     cfg.NumWorkers,
		EnableBatching: cfg.EnableBatching,
		BatchSize:      cfg.BatchSize,
		BatchTimeout:   cfg.BatchTimeout(),
		HeartbeatStale: cfg.HeartbeatStale(),
		ShutdownGrace:  cfg.ShutdownGrace(),
	}, q, b.dispatchBatch)

	return b
}

// Default returns a broker with default configuration and no tracing
// backend, the common case for tests and simple embedders.
func Default(opts ...Option) *Broker {
	return NewBroker(config.Default(), nil, opts...)
}

func (b *Broker) dispatchBatch(ctx context.Context, workerID int, batch []*message.Message) {
	errs := b.engine.HandleBatch(ctx, batch)
	if errs > 0 {
		b.pool.RecordErrors(workerID, errs)
	}
	if len(batch) > 1 || b.cfg.EnableBatching {
		b.statsColl.RecordBatch(len(batch))
	}
}

// Start transitions the broker to RUNNING and starts its worker pool. It
// is idempotent: starting an already-running broker logs a warning and
// returns nil.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRunning {
		log.Printf("Broker: already running, ignoring Start")
		return nil
	}
	b.state = StateRunning
	b.startedAt = time.Now()
	b.pool.Start(ctx)
	return nil
}

// Stop transitions the broker through STOPPING to STOPPED: it stops the
// worker pool (draining within the configured grace window) and cancels
// every pending request. It is idempotent.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if b.state == StateStopped || b.state == StateNew {
		b.state = StateStopped
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	b.mu.Unlock()

	// Closing the queue lets every worker drain what is already enqueued and
	// exit on its own; the pool's grace window only comes into play for
	// handlers still running when the queue runs dry.
	b.q.Close()
	b.pool.Stop()
	b.correlator.Shutdown()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	return nil
}

// State reports the broker's current lifecycle state.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RegisterAgent adds identity to the registry with handler as its
// dispatch target. Re-registering an existing agent_id overwrites and
// logs a warning.
func (b *Broker) RegisterAgent(identity message.AgentIdentity, handler HandlerFunc) error {
	b.agents.Register(identity, registry.HandlerFunc(handler))
	return nil
}

// RegisterAsyncAgent is RegisterAgent for agents whose handler completes its
// work on another goroutine. The broker treats both handler kinds uniformly
// at dispatch time.
func (b *Broker) RegisterAsyncAgent(identity message.AgentIdentity, handler AsyncHandlerFunc) error {
	b.agents.Register(identity, handler)
	return nil
}

// UnregisterAgent removes identity's registration and, atomically with
// it, every subscription it held.
func (b *Broker) UnregisterAgent(agentID string) {
	b.agents.Unregister(agentID)
	b.subs.RemoveAgent(agentID)
}

// LookupAgent returns the identity registered under agentID.
func (b *Broker) LookupAgent(agentID string) (message.AgentIdentity, error) {
	return b.agents.Lookup(agentID)
}

// AgentsByType returns a snapshot of every identity whose AgentType
// matches agentType.
func (b *Broker) AgentsByType(agentType string) []message.AgentIdentity {
	return b.agents.ByType(agentType)
}

// AgentsByCapability returns a snapshot of every identity declaring
// capability.
func (b *Broker) AgentsByCapability(capability string) []message.AgentIdentity {
	return b.agents.ByCapability(capability)
}

// Subscribe adds agentID to topic's subscriber set. The agent must
// already be registered.
func (b *Broker) Subscribe(topic, agentID string) error {
	if !b.agents.Exists(agentID) {
		return &registry.UnknownAgentError{AgentID: agentID}
	}
	b.subs.Subscribe(topic, agentID)
	return nil
}

// Unsubscribe removes agentID from topic's subscriber set. Idempotent.
func (b *Broker) Unsubscribe(topic, agentID string) {
	b.subs.Unsubscribe(topic, agentID)
}

// Subscribers returns a snapshot of topic's current subscribers.
func (b *Broker) Subscribers(topic string) []string {
	return b.subs.Subscribers(topic)
}

// SendMessage enqueues msg for delivery. It returns false (QUEUE_FULL)
// without raising if the queue has no room within one second; the
// caller is expected to dead-letter on a false return, which SendMessage
// already does on the broker's behalf.
func (b *Broker) SendMessage(ctx context.Context, msg *message.Message) bool {
	b.statsColl.RecordSent()
	if err := b.q.Put(ctx, msg, time.Second); err != nil {
		b.deadLetters.Append(msg, deadletter.ReasonQueueFull)
		b.statsColl.RecordFailed()
		return false
	}
	return true
}

// SendRequest enforces msg.Type == REQUEST, registers a pending-request
// slot keyed by msg's own message_id, enqueues msg, and blocks up to
// timeout for the correlated RESPONSE. It returns (nil, nil) on timeout
// and (nil, err) only for a hard API error (wrong message type).
func (b *Broker) SendRequest(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if !msg.IsRequest() {
		return nil, ErrInvalidMessageType
	}

	ch := b.correlator.Register(msg.Metadata.MessageID)
	if !b.SendMessage(ctx, msg) {
		b.correlator.Cancel(msg.Metadata.MessageID)
		return nil, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, nil
		}
		return resp, nil
	case <-waitCtx.Done():
		b.correlator.Cancel(msg.Metadata.MessageID)
		b.statsColl.RecordTimeout()
		return nil, nil
	}
}

// PublishEvent builds and enqueues an EVENT for topic's current
// subscribers. Publishing to a topic with zero subscribers is a no-op
// and does not enqueue anything.
func (b *Broker) PublishEvent(ctx context.Context, sender message.AgentIdentity, topic string, data map[string]interface{}, priority message.Priority) bool {
	if len(b.subs.Subscribers(topic)) == 0 {
		return true
	}
	msg := message.NewEvent(sender, topic, data, priority)
	return b.SendMessage(ctx, msg)
}

// Stats returns a point-in-time snapshot of every maintained counter
// plus the live state of the queue, registries, dead-letter buffer,
// pending-request table, and worker pool.
func (b *Broker) Stats() stats.Snapshot {
	workerStats := b.pool.Stats()
	live := stats.LiveState{
		QueueSize:        b.q.Len(),
		QueueCapacity:    b.q.Capacity(),
		PendingRequests:  b.correlator.Pending(),
		DeadLetterSize:   b.deadLetters.Len(),
		RegisteredAgents: b.agents.Count(),
		Topics:           len(b.subs.Topics()),
		WorkerStats:      make([]stats.WorkerSnapshot, len(workerStats)),
	}
	for i, w := range workerStats {
		live.WorkerStats[i] = stats.WorkerSnapshot{WorkerID: w.WorkerID, Processed: w.Processed, Errors: w.Errors}
	}
	return b.statsColl.Snapshot(live)
}

// DeadLetters returns a snapshot of the currently retained dead-letter
// entries.
func (b *Broker) DeadLetters() []deadletter.Entry {
	return b.deadLetters.All()
}

// ClearDeadLetters empties the in-memory dead-letter view. A durable
// sink attached via SetDeadLetterSink is unaffected.
func (b *Broker) ClearDeadLetters() {
	b.deadLetters.Clear()
}

// SetDeadLetterSink attaches a durable dead-letter sink (see
// package deadletter) that mirrors every future Append.
func (b *Broker) SetDeadLetterSink(sink deadletter.Sink) {
	b.deadLetters.SetSink(sink)
}
