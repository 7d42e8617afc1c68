package call

import "sync"

// DefaultHistorySize is the trailing history capacity when unset.
const DefaultHistorySize = 64

// History is a fixed-capacity ring of settled call records. The oldest
// record is overwritten once the ring is full. No durable persistence —
// pair with [Archive] when settled calls must survive restarts.
type History struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	full bool
}

// NewHistory creates a ring with the given capacity.
// Non-positive capacities use [DefaultHistorySize].
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Record, capacity)}
}

// Add appends a record, evicting the oldest when full.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = rec
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Recent returns up to n records, newest first. n <= 0 returns all
// retained records.
func (h *History) Recent(n int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.next
	if h.full {
		count = len(h.buf)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.buf)
		}
		out = append(out, h.buf[idx])
	}
	return out
}

// ByTool returns up to n records for the named tool, newest first.
func (h *History) ByTool(tool string, n int) []Record {
	all := h.Recent(0)
	var out []Record
	for _, rec := range all {
		if rec.Tool != tool {
			continue
		}
		out = append(out, rec)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}
