// Package delivery implements the broker's delivery engine: the expiry
// gate, recipient resolution (including the broadcast and topic snapshots
// taken at dequeue time), per-recipient handler invocation with independent
// retry, dead-lettering, and response correlation.
package delivery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/deadletter"
	"github.com/tenzoki/swarmbus/internal/correlator"
	"github.com/tenzoki/swarmbus/internal/queue"
	"github.com/tenzoki/swarmbus/internal/registry"
	"github.com/tenzoki/swarmbus/message"
	"github.com/tenzoki/swarmbus/stats"
)

// Config controls retry policy and recipient fan-out.
type Config struct {
	RetryMaxAttempts int
	Parallel         bool
	EnqueueTimeout   time.Duration
}

// Engine wires the registries, queue, dead-letter buffer, correlator, and
// statistics collector into the single per-message delivery algorithm.
type Engine struct {
	cfg         Config
	agents      *registry.AgentRegistry
	subs        *registry.SubscriptionRegistry
	q           *queue.PriorityQueue
	deadLetters *deadletter.Buffer
	correlator  *correlator.Correlator
	stats       *stats.Collector
}

// New returns a delivery engine wired to the given components.
func New(cfg Config, agents *registry.AgentRegistry, subs *registry.SubscriptionRegistry, q *queue.PriorityQueue, deadLetters *deadletter.Buffer, corr *correlator.Correlator, collector *stats.Collector) *Engine {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = time.Second
	}
	return &Engine{cfg: cfg, agents: agents, subs: subs, q: q, deadLetters: deadLetters, correlator: corr, stats: collector}
}

// HandleBatch runs Deliver over batch in order, returning the number of
// handler errors observed across the whole batch (for the worker pool's
// per-worker error counter).
func (e *Engine) HandleBatch(ctx context.Context, batch []*message.Message) int {
	errs := 0
	for _, msg := range batch {
		errs += e.Deliver(ctx, msg)
	}
	return errs
}

// Deliver runs the full delivery algorithm for one dequeued message and
// returns the number of recipients whose handler returned an error.
func (e *Engine) Deliver(ctx context.Context, msg *message.Message) int {
	if msg.IsExpired() {
		e.deadLetters.Append(msg, deadletter.ReasonExpired)
		e.stats.RecordExpired()
		return 0
	}

	if msg.IsResponse() {
		if e.correlator.Resolve(msg) {
			return 0
		}
		// orphan response: fall through to the recipient's handler if any
	}

	recipients := e.resolveRecipients(msg)
	if len(recipients) == 0 {
		return 0
	}

	if e.cfg.Parallel {
		return e.deliverParallel(ctx, msg, recipients)
	}
	return e.deliverSequential(ctx, msg, recipients)
}

func (e *Engine) resolveRecipients(msg *message.Message) []string {
	if msg.Type == message.TypeEvent {
		topic, _ := msg.Payload["topic"].(string)
		return e.subs.Subscribers(topic)
	}
	if msg.IsBroadcast() {
		identities := e.agents.All()
		ids := make([]string, len(identities))
		for i, id := range identities {
			ids[i] = id.ID
		}
		return ids
	}
	return msg.Recipients
}

func (e *Engine) deliverSequential(ctx context.Context, msg *message.Message, recipients []string) int {
	errs := 0
	for _, recipient := range recipients {
		if err := e.deliverOne(ctx, msg, recipient); err != nil {
			errs++
		}
	}
	return errs
}

func (e *Engine) deliverParallel(ctx context.Context, msg *message.Message, recipients []string) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := 0
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient string) {
			defer wg.Done()
			if err := e.deliverOne(ctx, msg, recipient); err != nil {
				mu.Lock()
				errs++
				mu.Unlock()
			}
		}(recipient)
	}
	wg.Wait()
	return errs
}

// deliverOne invokes recipient's handler for msg, applying retry and
// dead-letter policy on failure, and returns the handler error if any.
func (e *Engine) deliverOne(ctx context.Context, msg *message.Message, recipient string) error {
	handler, ok := e.agents.Handler(recipient)
	if !ok {
		log.Printf("Delivery: no handler for recipient %s, skipping", recipient)
		return nil
	}

	ctx, span := e.stats.StartDelivery(ctx, msg, recipient)
	// A handler panic is turned into a handler error so that it goes through
	// the same retry/dead-letter policy instead of killing the worker.
	result := func() (res registry.Result) {
		defer func() {
			if r := recover(); r != nil {
				res = registry.Result{Err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		return registry.Invoke(ctx, handler, msg)
	}()
	span.End(result.Err)

	if result.Err == nil {
		e.stats.RecordDelivered(1)
		if msg.IsRequest() && len(result.Payload) > 0 {
			e.synthesizeResponse(ctx, msg, recipient, result.Payload)
		}
		return nil
	}

	e.handleFailure(ctx, msg, recipient, result.Err)
	return result.Err
}

func (e *Engine) synthesizeResponse(ctx context.Context, req *message.Message, recipient string, payload map[string]interface{}) {
	sender, err := e.agents.Lookup(recipient)
	if err != nil {
		log.Printf("Delivery: cannot synthesize response, recipient %s no longer registered", recipient)
		return
	}
	resp := message.NewResponse(req, sender, payload)
	if err := e.q.Put(ctx, resp, e.cfg.EnqueueTimeout); err != nil {
		log.Printf("Delivery: failed to re-enqueue synthesized response: %v", err)
	}
}

func (e *Engine) handleFailure(ctx context.Context, msg *message.Message, recipient string, cause error) {
	eligible := msg.Metadata.Priority >= message.PriorityHigh && int(msg.RetryCount()) < e.cfg.RetryMaxAttempts
	if !eligible {
		log.Printf("Delivery: giving up on recipient %s: %v", recipient, cause)
		e.deadLetters.Append(msg.WithRecipient(recipient), deadletter.ReasonHandlerError)
		e.stats.RecordFailed()
		return
	}

	retryMsg := msg.WithRecipient(recipient)
	retryMsg.IncrementRetry()
	e.stats.RecordRetried()
	if err := e.q.Put(ctx, retryMsg, e.cfg.EnqueueTimeout); err != nil {
		log.Printf("Delivery: retry re-enqueue failed for recipient %s, dead-lettering: %v (original cause: %v)", recipient, err, cause)
		e.deadLetters.Append(retryMsg, deadletter.ReasonHandlerError)
		e.stats.RecordFailed()
	}
}
