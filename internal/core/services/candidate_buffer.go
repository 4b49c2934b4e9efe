package services

import (
	"sync"

	"camrelay/internal/core/domain"
)

const DefaultCandidateBufferCapacity = 256

// CandidateBuffer holds path-discovery messages that arrived before the
// session's remote negotiation document was set. Each session queue is
// bounded; once full, the oldest entry is evicted.
type CandidateBuffer struct {
	mu       sync.Mutex
	capacity int
	queues   map[domain.SessionID][]domain.Candidate

	onEvict func(sessionID domain.SessionID)
}

func NewCandidateBuffer(capacity int) *CandidateBuffer {
	if capacity <= 0 {
		capacity = DefaultCandidateBufferCapacity
	}
	return &CandidateBuffer{
		capacity: capacity,
		queues:   make(map[domain.SessionID][]domain.Candidate),
	}
}

// OnEvict registers a hook called (under the buffer lock) whenever an entry is dropped for capacity.
func (b *CandidateBuffer) OnEvict(fn func(sessionID domain.SessionID)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = fn
}

// Append stores candidate for sessionID and reports whether an older entry was evicted.
func (b *CandidateBuffer) Append(sessionID domain.SessionID, candidate domain.Candidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.queues[sessionID]
	evicted := false
	if len(queue) >= b.capacity {
		copy(queue, queue[1:])
		queue = queue[:len(queue)-1]
		evicted = true
		if b.onEvict != nil {
			b.onEvict(sessionID)
		}
	}
	b.queues[sessionID] = append(queue, candidate)
	return evicted
}

// Drain returns all buffered entries for sessionID in arrival order and forgets them.
func (b *CandidateBuffer) Drain(sessionID domain.SessionID) []domain.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.queues[sessionID]
	delete(b.queues, sessionID)
	return queue
}

func (b *CandidateBuffer) Clear(sessionID domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}

func (b *CandidateBuffer) Len(sessionID domain.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[sessionID])
}
