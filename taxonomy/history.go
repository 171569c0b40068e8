package taxonomy

import (
	"sync"
	"time"
)

// HistoryCapacity is the fixed size of the error history ring.
const HistoryCapacity = 100

// recentWindow is the trailing window used by Stats.RecentCount.
const recentWindow = 5 * time.Minute

// History is a thread-safe fixed-capacity ring of error records.
// Oldest records are silently evicted when the ring is full.
type History struct {
	mu   sync.Mutex
	buf  []*Record
	size int
	pos  int  // next write position
	full bool // ring has wrapped at least once
}

// NewHistory creates a history ring with HistoryCapacity slots.
func NewHistory() *History {
	return NewHistoryWithCapacity(HistoryCapacity)
}

// NewHistoryWithCapacity creates a history ring with the given capacity.
func NewHistoryWithCapacity(size int) *History {
	return &History{buf: make([]*Record, size), size: size}
}

// Append adds a record, evicting the oldest if the ring is full.
func (h *History) Append(rec *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.pos] = rec
	h.pos++
	if h.pos >= h.size {
		h.pos = 0
		h.full = true
	}
}

// Filter selects records. Zero values match everything.
type Filter struct {
	Kind     Kind
	Category Category
	Since    time.Time
}

func (f Filter) matches(rec *Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Records returns the matching records, oldest first. At most the
// HistoryCapacity most recent records exist to be returned.
func (h *History) Records(f Filter) []*Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Record
	h.each(func(rec *Record) {
		if f.matches(rec) {
			out = append(out, rec)
		}
	})
	return out
}

// each visits live records oldest-first. Caller holds the lock.
func (h *History) each(fn func(*Record)) {
	if h.full {
		for i := h.pos; i < h.size; i++ {
			fn(h.buf[i])
		}
	}
	for i := 0; i < h.pos; i++ {
		fn(h.buf[i])
	}
}

// Resolve marks a record as superseded by a successful retry.
func (h *History) Resolve(rec *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec == nil || rec.Resolved {
		return
	}
	rec.Resolved = true
	rec.ResolvedAt = time.Now()
}

// Stats is the aggregate view over the history ring.
type Stats struct {
	Total       int
	ByKind      map[Kind]int
	ByCategory  map[Category]int
	RecentCount int // records within the trailing 5-minute window
}

// Stats computes aggregate counts over the live records.
func (h *History) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		ByKind:     make(map[Kind]int),
		ByCategory: make(map[Category]int),
	}
	cutoff := time.Now().Add(-recentWindow)
	h.each(func(rec *Record) {
		s.Total++
		s.ByKind[rec.Kind]++
		s.ByCategory[rec.Category]++
		if rec.Timestamp.After(cutoff) {
			s.RecentCount++
		}
	})
	return s
}
