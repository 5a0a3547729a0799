// Package deadletter records messages the broker has given up delivering.
// Entries are append-only with bounded retention: the in-memory Buffer
// keeps the N most recent entries by default, and an optional Sink (see
// badger_store.go) persists every entry for post-mortem inspection across
// restarts.
package deadletter

import (
	"sync"
	"time"

	"github.com/tenzoki/swarmbus/message"
)

// Reason codes for why a message was dead-lettered.
const (
	ReasonQueueFull    = "queue_full"
	ReasonExpired      = "expired"
	ReasonHandlerError = "handler_error"
)

// Entry is a single dead-letter record: the message, why it was given up on,
// and when.
type Entry struct {
	Message   *message.Message
	Reason    string
	Timestamp time.Time
}

// Sink is an optional durable destination for dead-letter entries, in
// addition to the in-memory Buffer every broker keeps. Append must not block
// the delivery path for long; implementations that do I/O should do it
// asynchronously or accept the latency cost explicitly.
type Sink interface {
	Append(entry Entry) error
	Close() error
}

// Buffer is the broker's bounded, append-only dead-letter ring buffer. The
// oldest entry is evicted once capacity is exceeded.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	sink     Sink
}

// NewBuffer returns a dead-letter buffer retaining at most capacity entries.
// A capacity <= 0 means unbounded retention.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// SetSink attaches a durable sink that every future Append also writes
// through. It does not replay entries already in the buffer.
func (b *Buffer) SetSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Append records a dead-letter entry, evicting the oldest entry if the
// buffer is at capacity, and mirrors it to the attached sink if any.
func (b *Buffer) Append(msg *message.Message, reason string) {
	entry := Entry{Message: msg, Reason: reason, Timestamp: time.Now()}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if b.capacity > 0 && len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		_ = sink.Append(entry)
	}
}

// All returns a snapshot of the currently retained entries, oldest first.
func (b *Buffer) All() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len reports the number of entries currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear empties the buffer. The attached sink, if any, is untouched: the
// durable audit trail survives clearing the in-memory view.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
