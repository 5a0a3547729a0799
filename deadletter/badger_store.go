package deadletter

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// storedEntry is the on-disk shape of an Entry: the message is kept in its
// own binary-encoded field rather than nested directly, so the sink can be
// inspected with plain badger tooling without decoding the envelope twice.
type storedEntry struct {
	MessageBinary []byte    `msgpack:"message"`
	Reason        string    `msgpack:"reason"`
	Timestamp     time.Time `msgpack:"timestamp"`
}

// BadgerStore is a durable, append-only Sink backed by an embedded badger
// database, for operators who want dead-letter entries to survive a broker
// restart. It is never the default; the in-memory Buffer is sufficient for
// spec compliance, this is an opt-in audit trail.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.Mutex
	closed bool
	seq    uint64
}

// OpenBadgerStore opens (creating if necessary) a badger database at dir for
// dead-letter persistence.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: create badger dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open badger store: %w", err)
	}
	// Continue the key sequence after the newest entry already on disk.
	var seq uint64
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()
		if it.Seek([]byte("dl/\xff")); !it.ValidForPrefix([]byte("dl/")) {
			return nil
		}
		n, perr := strconv.ParseUint(string(it.Item().Key()[len("dl/"):]), 10, 64)
		seq = n
		return perr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: read last badger key: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// Append persists entry under a monotonically increasing key so a later
// range scan replays entries in the order they were dead-lettered.
func (s *BadgerStore) Append(entry Entry) error {
	data, err := entry.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("deadletter: encode message: %w", err)
	}
	stored := storedEntry{MessageBinary: data, Reason: entry.Reason, Timestamp: entry.Timestamp}
	value, err := msgpack.Marshal(stored)
	if err != nil {
		return fmt.Errorf("deadletter: encode entry: %w", err)
	}

	s.mu.Lock()
	s.seq++
	key := fmt.Sprintf("dl/%020d", s.seq)
	s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Close releases the underlying badger database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
