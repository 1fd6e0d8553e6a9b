package door

import (
	"sync"
	"time"
)

const (
	DefaultHistoryCap = 25
	// MaxQuery bounds LastN regardless of what the caller asks for.
	MaxQuery = 10
)

// History is a bounded, oldest-first record of accepted unlocks.
//
// It is backed by a fixed ring so Append never allocates after construction.
// The consumer goroutine is the only writer; queries take the read lock and
// never observe a half-applied evict+append.
type History struct {
	mu    sync.RWMutex
	buf   []UnlockEvent
	start int // index of the oldest entry
	n     int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{buf: make([]UnlockEvent, capacity)}
}

func (h *History) Cap() int { return len(h.buf) }

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Append stores e, evicting the oldest entry first when full.
func (h *History) Append(e UnlockEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == len(h.buf) {
		h.buf[h.start] = e
		h.start = (h.start + 1) % len(h.buf)
		return
	}
	h.buf[(h.start+h.n)%len(h.buf)] = e
	h.n++
}

// LastN returns up to min(n, MaxQuery, Len()) events, most recent first.
// ok is false only when the history is empty.
func (h *History) LastN(n int) (events []UnlockEvent, ok bool) {
	if n > MaxQuery {
		n = MaxQuery
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.n == 0 {
		return nil, false
	}
	if n <= 0 {
		return []UnlockEvent{}, true
	}
	if n > h.n {
		n = h.n
	}
	out := make([]UnlockEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.at(h.n-1-i))
	}
	return out, true
}

// Snapshot returns every retained event, oldest first.
func (h *History) Snapshot() []UnlockEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]UnlockEvent, 0, h.n)
	for i := 0; i < h.n; i++ {
		out = append(out, h.at(i))
	}
	return out
}

// LastSeen returns the most recent observedAt for credentialID.
func (h *History) LastSeen(credentialID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := h.n - 1; i >= 0; i-- {
		if e := h.at(i); e.CredentialID == credentialID {
			return e.ObservedAt, true
		}
	}
	return time.Time{}, false
}

// at indexes logically (0 = oldest). Caller holds the lock.
func (h *History) at(i int) UnlockEvent {
	return h.buf[(h.start+i)%len(h.buf)]
}
