// Package affinity maps calling threads to the RPC connections they own.
// The underlying connections are not safe for concurrent use, and closing
// one would tear down the server-side subscriptions keyed to it, so a full
// store evicts by transferring ownership, never by closing.
package affinity

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/pymmcore-plus/pymmcore-remote/pkg/rpc"
)

// DefaultCapacity bounds the thread -> connection mapping.
const DefaultCapacity = 4

type entry struct {
	conn     *rpc.Conn
	lastUsed uint64
}

// Store is the bounded mapping. At most one live connection per thread; a
// thread whose connection was repurposed simply recreates one on its next
// access.
type Store struct {
	capacity int

	mu      sync.Mutex
	entries map[int64]*entry
	clock   uint64
}

// NewStore builds a store; capacity <= 0 means DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[int64]*entry),
	}
}

// Capacity returns the mapping bound.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the number of threads currently holding a connection.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Acquire returns the calling thread's connection, dialing one with dial if
// the thread has none. When the store is full the least-recently-used
// entry is evicted and its connection repurposed for tid. The lock covers
// only the check-and-insert-or-evict sequence; callers issue the actual
// remote call after Acquire returns.
func (s *Store) Acquire(tid int64, dial func() (*rpc.Conn, error)) (*rpc.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	if e, ok := s.entries[tid]; ok {
		e.lastUsed = s.clock
		return e.conn, nil
	}

	if len(s.entries) < s.capacity {
		conn, err := dial()
		if err != nil {
			return nil, err
		}
		conn.Claim(tid)
		s.entries[tid] = &entry{conn: conn, lastUsed: s.clock}
		return conn, nil
	}

	var (
		oldestTID int64
		oldest    *entry
	)
	for id, e := range s.entries {
		if oldest == nil || e.lastUsed < oldest.lastUsed {
			oldestTID, oldest = id, e
		}
	}
	delete(s.entries, oldestTID)

	oldest.conn.Claim(tid)
	oldest.lastUsed = s.clock
	s.entries[tid] = oldest
	return oldest.conn, nil
}

// Close tears down every held connection. Only used when the owning proxy
// shuts down for good.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for tid, e := range s.entries {
		err = multierr.Append(err, e.conn.Close())
		delete(s.entries, tid)
	}
	return err
}
