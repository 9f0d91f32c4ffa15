package mcp

import (
	"fmt"
	"sync"
)

// QueueRef locates a queue item in a specific store.
type QueueRef struct {
	StoreID string
	QueueID int64
}

// QueueSession hands out short session references (Q1, Q2, ...) for queue
// items listed to an agent, so later calls can name them without ids.
// The counter is global across stores.
type QueueSession struct {
	mu      sync.Mutex
	refs    map[string]QueueRef // session ref (Q1, Q2) -> QueueRef
	reverse map[QueueRef]string
	counter int
}

// NewQueueSession creates an empty session tracker.
func NewQueueSession() *QueueSession {
	return &QueueSession{
		refs:    make(map[string]QueueRef),
		reverse: make(map[QueueRef]string),
	}
}

// Track returns the session reference of a queue item, assigning the next
// one if the item has not been seen. Tracking the same item again returns
// its existing ref.
func (s *QueueSession) Track(storeID string, queueID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := QueueRef{StoreID: storeID, QueueID: queueID}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}

	s.counter++
	ref := fmt.Sprintf("Q%d", s.counter)
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve converts a session reference to its queue item.
// Returns false if the ref doesn't exist in this session.
func (s *QueueSession) Resolve(ref string) (QueueRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qr, ok := s.refs[ref]
	return qr, ok
}

// All returns a copy of all tracked session entries.
func (s *QueueSession) All() map[string]QueueRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]QueueRef, len(s.refs))
	for ref, qr := range s.refs {
		result[ref] = qr
	}
	return result
}

// Clear resets the session tracking, including the counter.
func (s *QueueSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]QueueRef)
	s.reverse = make(map[QueueRef]string)
	s.counter = 0
}
