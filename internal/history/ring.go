// Package history keeps the bounded call-history ring that feeds
// repetition detection, failure gating, and per-session statistics. The
// ring is authoritative; the optional sqlite audit store is write-behind.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 1000

// Entry records the outcome of one dispatched tool call. The logical
// qualified name is what history keeps; wire names never appear here.
type Entry struct {
	RequestID string
	SessionID string
	Provider  string
	RawName   string
	Qualified string
	Params    string // canonical JSON of the parameter object
	Success   bool
	ErrorKind string
	Duration  time.Duration
	At        time.Time
}

// CanonicalParams renders a parameter map in canonical form. Map keys
// marshal in sorted order, so equal parameter sets produce equal strings.
func CanonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Ring is a fixed-capacity circular buffer of call outcomes. Writes
// overwrite the oldest entry; reads take short critical sections and
// return copies.
type Ring struct {
	mu    sync.RWMutex
	buf   []Entry
	head  int // next write slot
	size  int
	total uint64
}

// NewRing builds a ring with the given capacity, defaulting to
// DefaultCapacity when it is not positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Record appends an entry, evicting the oldest when full.
func (r *Ring) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.total++
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Total returns the number of entries ever recorded, including evicted
// ones.
func (r *Ring) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Recent returns up to k entries, most recent first.
func (r *Ring) Recent(k int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if k <= 0 || k > r.size {
		k = r.size
	}
	out := make([]Entry, 0, k)
	for i := 1; i <= k; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// CompletedRepeats counts successful calls matching the same provider,
// raw name, and canonical parameters within the last window entries.
func (r *Ring) CompletedRepeats(provider, raw, params string, window int) int {
	count := 0
	r.scanRecent(window, func(e Entry) bool {
		if e.Success && e.Provider == provider && e.RawName == raw && e.Params == params {
			count++
		}
		return true
	})
	return count
}

// SessionFailures counts failed calls to the (provider, raw) pair within
// the session, across everything the ring retains.
func (r *Ring) SessionFailures(sessionID, provider, raw string) int {
	count := 0
	r.scanRecent(0, func(e Entry) bool {
		if !e.Success && e.SessionID == sessionID && e.Provider == provider && e.RawName == raw {
			count++
		}
		return true
	})
	return count
}

// SessionWindow returns the session's last window entries, most recent
// first. Entries from other sessions do not consume window slots.
func (r *Ring) SessionWindow(sessionID string, window int) []Entry {
	if window <= 0 {
		return nil
	}
	out := make([]Entry, 0, window)
	r.scanRecent(0, func(e Entry) bool {
		if e.SessionID != sessionID {
			return true
		}
		out = append(out, e)
		return len(out) < window
	})
	return out
}

// scanRecent walks entries newest-first, at most limit of them (0 means
// all), stopping when fn returns false.
func (r *Ring) scanRecent(limit int, fn func(Entry) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 1; i <= n; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		if !fn(r.buf[idx]) {
			return
		}
	}
}
