package bus

import "sync"

// processedSetSize bounds the dedup set. When full, the oldest 10% are
// evicted in FIFO order.
const processedSetSize = 10000

// ProcessedSet is a bounded FIFO set of event ids used for cross-instance
// de-duplication. Mark and Contains are O(1); eviction removes only the
// oldest entries, so an unseen id is never reported as seen.
type ProcessedSet struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	limit int
}

// NewProcessedSet creates a set bounded at limit entries.
func NewProcessedSet(limit int) *ProcessedSet {
	if limit <= 0 {
		limit = processedSetSize
	}
	return &ProcessedSet{
		seen:  make(map[string]bool, limit),
		order: make([]string, 0, limit),
		limit: limit,
	}
}

// Mark records an id. Returns false if the id was already present.
func (p *ProcessedSet) Mark(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[id] {
		return false
	}
	if len(p.order) >= p.limit {
		p.evictLocked()
	}
	p.seen[id] = true
	p.order = append(p.order, id)
	return true
}

// Contains reports whether an id has been recorded.
func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[id]
}

// Len returns the current number of tracked ids.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// evictLocked drops the oldest 10% of entries. Caller holds the lock.
func (p *ProcessedSet) evictLocked() {
	n := p.limit / 10
	if n < 1 {
		n = 1
	}
	for _, id := range p.order[:n] {
		delete(p.seen, id)
	}
	p.order = p.order[n:]
}
