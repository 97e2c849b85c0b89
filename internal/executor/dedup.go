package executor

import (
	"sync"
	"time"
)

// Dedup refuses a client order id seen within the ttl window. It is safe
// for concurrent use.
type Dedup struct {
	seen map[string]time.Time // client id -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given window. A zero ttl disables it.
func NewDedup(ttl time.Duration, now func() time.Time) *Dedup {
	if now == nil {
		now = time.Now
	}
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  now,
	}
}

// IsDuplicate records id and reports whether it was already seen inside
// the window. Expired entries are pruned on the way.
func (d *Dedup) IsDuplicate(id string) bool {
	if d.ttl <= 0 || id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = now
	return false
}
