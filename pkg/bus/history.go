package bus

import (
	"sync"

	"github.com/conductor-sh/conductor/pkg/models"
)

// historySize bounds the in-memory history ring.
const historySize = 1000

// HistoryRing keeps the last N published envelopes for debugging and
// late-subscriber warm-up. Not authoritative — the store is.
type HistoryRing struct {
	mu    sync.Mutex
	buf   []*models.Event
	next  int
	count int
}

// NewHistoryRing creates a ring bounded at size entries.
func NewHistoryRing(size int) *HistoryRing {
	if size <= 0 {
		size = historySize
	}
	return &HistoryRing{buf: make([]*models.Event, size)}
}

// Append records an envelope, overwriting the oldest when full. O(1).
func (r *HistoryRing) Append(e *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of retained envelopes.
func (r *HistoryRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns retained envelopes oldest first.
func (r *HistoryRing) Snapshot() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.Event, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
