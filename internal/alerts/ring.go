package alerts

import (
	"sync"
	"time"

	"futures-gateway/pkg/types"
)

// ring is the always-available in-process fallback: a fixed-capacity
// buffer of the most recent alert records, newest first on read.
type ring struct {
	mu   sync.Mutex
	buf  []types.AlertRecord
	next int
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 100 {
		capacity = 100
	}
	return &ring{buf: make([]types.AlertRecord, capacity)}
}

func (r *ring) add(rec types.AlertRecord) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// list returns up to limit records, newest first.
func (r *ring) list(limit int) []types.AlertRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.AlertRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// listSince returns records at or after the cutoff, newest first.
func (r *ring) listSince(cutoff time.Time) []types.AlertRecord {
	all := r.list(0)
	out := all[:0]
	for _, rec := range all {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}
