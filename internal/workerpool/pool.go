// Package workerpool runs the broker's fixed set of dispatch workers: each
// pulls (optionally batching) from the priority queue and hands its batch to
// a dispatch callback, while a monitor goroutine watches per-worker
// heartbeats and restarts any worker that stops making progress.
package workerpool

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenzoki/swarmbus/internal/queue"
	"github.com/tenzoki/swarmbus/message"
)

// Dispatch is called with one worker's drained batch (length 1 unless
// batching is enabled). Ordering within the batch preserves queue order.
type Dispatch func(ctx context.Context, workerID int, batch []*message.Message)

// Config controls batching and health-monitoring behavior.
type Config struct {
	NumWorkers      int
	EnableBatching  bool
	BatchSize       int
	BatchTimeout    time.Duration
	HeartbeatStale  time.Duration
	ShutdownGrace   time.Duration
}

// WorkerStat is the read-only view of one worker's state the statistics
// component reports.
type WorkerStat struct {
	WorkerID  int
	Processed int64
	Errors    int64
}

type worker struct {
	id        int
	processed int64
	errors    int64
	heartbeat int64 // unix nano, atomic
	cancel    context.CancelFunc
}

// Pool is the broker's worker pool.
type Pool struct {
	cfg      Config
	q        *queue.PriorityQueue
	dispatch Dispatch

	mu      sync.Mutex
	workers []*worker
	wg      sync.WaitGroup

	ctx       context.Context
	cancelAll context.CancelFunc
	stopMon   chan struct{}
}

// New returns a pool that will read from q and hand batches to dispatch once
// Start is called.
func New(cfg Config, q *queue.PriorityQueue, dispatch Dispatch) *Pool {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Pool{cfg: cfg, q: q, dispatch: dispatch}
}

// Start launches cfg.NumWorkers goroutines and the heartbeat monitor.
func (p *Pool) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancelAll = context.WithCancel(parent)
	p.workers = make([]*worker, p.cfg.NumWorkers)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.spawn(i)
	}
	p.stopMon = make(chan struct{})
	go p.monitor()
}

// spawn must be called with p.mu held. It creates worker state for id and
// starts its goroutine.
func (p *Pool) spawn(id int) {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &worker{id: id, cancel: cancel}
	atomic.StoreInt64(&w.heartbeat, time.Now().UnixNano())
	p.workers[id] = w
	p.wg.Add(1)
	go p.run(ctx, w)
}

func (p *Pool) run(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		batch, err := p.drainBatch(ctx)
		if err != nil {
			return
		}
		atomic.StoreInt64(&w.heartbeat, time.Now().UnixNano())
		p.dispatch(ctx, w.id, batch)
		atomic.AddInt64(&w.processed, int64(len(batch)))
		atomic.StoreInt64(&w.heartbeat, time.Now().UnixNano())
	}
}

// drainBatch blocks for the first message, then (if batching is enabled)
// opportunistically drains up to BatchSize-1 more within BatchTimeout of the
// first arrival.
func (p *Pool) drainBatch(ctx context.Context) ([]*message.Message, error) {
	first, err := p.q.Get(ctx)
	if err != nil {
		return nil, err
	}
	batch := []*message.Message{first}
	if !p.cfg.EnableBatching {
		return batch, nil
	}

	deadline := time.Now().Add(p.cfg.BatchTimeout)
	for len(batch) < p.cfg.BatchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		fillCtx, cancel := context.WithTimeout(ctx, remaining)
		next, err := p.q.Get(fillCtx)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, next)
	}
	return batch, nil
}

// monitor periodically checks every worker's heartbeat and restarts any
// worker that has gone stale beyond cfg.HeartbeatStale.
func (p *Pool) monitor() {
	if p.cfg.HeartbeatStale <= 0 {
		return
	}
	interval := p.cfg.HeartbeatStale / 2
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.restartStaleWorkers()
		case <-p.stopMon:
			return
		}
	}
}

func (p *Pool) restartStaleWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	now := time.Now()
	for i, w := range p.workers {
		last := time.Unix(0, atomic.LoadInt64(&w.heartbeat))
		if now.Sub(last) > p.cfg.HeartbeatStale {
			log.Printf("WorkerPool: worker %d heartbeat stale since %s, restarting", w.id, last)
			w.cancel()
			p.spawn(i)
		}
	}
}

// Stats returns a snapshot of every worker's processed/error counters.
func (p *Pool) Stats() []WorkerStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStat, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerStat{
			WorkerID:  w.id,
			Processed: atomic.LoadInt64(&w.processed),
			Errors:    atomic.LoadInt64(&w.errors),
		}
	}
	return out
}

// RecordErrors adds n to workerID's error counter. Called by the broker's
// dispatch callback with the number of handler errors the delivery engine
// counted in a dispatched batch.
func (p *Pool) RecordErrors(workerID, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if workerID >= 0 && workerID < len(p.workers) {
		atomic.AddInt64(&p.workers[workerID].errors, int64(n))
	}
}

// Stop stops the heartbeat monitor and waits up to cfg.ShutdownGrace for
// every worker to return, which a worker does once the queue is closed and
// empty (the pool does not close the queue itself). It then cancels every
// worker's context and waits up to one more grace window.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancelAll := p.cancelAll
	stopMon := p.stopMon
	p.mu.Unlock()
	if cancelAll == nil {
		return
	}

	close(stopMon)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		cancelAll()
		return
	case <-time.After(p.cfg.ShutdownGrace):
		log.Printf("WorkerPool: shutdown grace elapsed, cancelling outstanding workers")
	}
	cancelAll()

	// A handler that ignores cancellation can pin its worker goroutine
	// indefinitely; abandon it rather than hang the caller.
	select {
	case <-drained:
	case <-time.After(p.cfg.ShutdownGrace):
		log.Printf("WorkerPool: abandoning workers stuck in handler calls")
	}
}
