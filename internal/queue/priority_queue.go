// Package queue implements the broker's single priority-ordered message
// queue: strict priority order, FIFO among equal priorities, no
// anti-starvation. The ordering is a container/heap under a mutex, since a
// bounded number of per-priority channels cannot express a tie-break that
// never lets a LOW message jump ahead of a CRITICAL one, nor can it express
// "no anti-starvation" without adding a token-fairness scheme that policy
// rules out.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/message"
)

// ErrQueueFull is returned by Put when the queue is at capacity and no slot
// frees up before the bounded wait elapses.
var ErrQueueFull = errors.New("queue: full")

// ErrClosed is returned by Put and Get once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

type item struct {
	msg  *message.Message
	seq  uint64
	cost int
}

// heapData implements container/heap.Interface. Higher priority weight pops
// first; among equal priorities, lower sequence number (earlier insertion)
// pops first.
type heapData []*item

func (h heapData) Len() int { return len(h) }
func (h heapData) Less(i, j int) bool {
	pi, pj := h[i].msg.Metadata.Priority, h[j].msg.Metadata.Priority
	if pi != pj {
		return pi.Weight() > pj.Weight()
	}
	return h[i].seq < h[j].seq
}
func (h heapData) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *heapData) Push(x interface{}) {
	*h = append(*h, x.(*item))
}
func (h *heapData) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue is the broker's bounded, strict-priority message queue. It
// is safe for concurrent use by multiple producers and multiple consumers.
type PriorityQueue struct {
	mu       sync.Mutex
	data     heapData
	capacity int
	nextSeq  uint64
	closed   bool

	itemAdded  chan struct{}
	spaceFreed chan struct{}
}

// New returns an empty priority queue bounded at capacity messages.
func New(capacity int) *PriorityQueue {
	return &PriorityQueue{
		capacity:   capacity,
		itemAdded:  make(chan struct{}),
		spaceFreed: make(chan struct{}),
	}
}

// Put enqueues msg, waiting up to timeout for room if the queue is at
// capacity. A non-positive timeout attempts a single non-blocking insert.
func (q *PriorityQueue) Put(ctx context.Context, msg *message.Message, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity <= 0 || len(q.data) < q.capacity {
			q.nextSeq++
			heap.Push(&q.data, &item{msg: msg, seq: q.nextSeq})
			wake := q.itemAdded
			q.itemAdded = make(chan struct{})
			q.mu.Unlock()
			close(wake)
			return nil
		}
		wait := q.spaceFreed
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrQueueFull
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return ErrQueueFull
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Get blocks until a message is available, the queue is closed, or ctx is
// cancelled.
func (q *PriorityQueue) Get(ctx context.Context) (*message.Message, error) {
	for {
		q.mu.Lock()
		if len(q.data) > 0 {
			it := heap.Pop(&q.data).(*item)
			wake := q.spaceFreed
			q.spaceFreed = make(chan struct{})
			q.mu.Unlock()
			close(wake)
			return it.msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wait := q.itemAdded
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the current number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Capacity returns the queue's configured bound, or 0 for unbounded.
func (q *PriorityQueue) Capacity() int {
	return q.capacity
}

// Close marks the queue closed. Pending Get calls return ErrClosed once
// drained; pending and future Put calls return ErrClosed immediately.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	wakeAdd := q.itemAdded
	wakeSpace := q.spaceFreed
	q.itemAdded = make(chan struct{})
	q.spaceFreed = make(chan struct{})
	q.mu.Unlock()
	close(wakeAdd)
	close(wakeSpace)
}
