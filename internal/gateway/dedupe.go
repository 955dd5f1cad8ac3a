package gateway

import "sync"

// dedupeSet is a bounded FIFO set of message identifiers used to
// suppress echoes and redeliveries. When the set is full, recording a
// new identifier evicts the oldest one.
type dedupeSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupeSet(capacity int) *dedupeSet {
	if capacity <= 0 {
		capacity = 256
	}
	return &dedupeSet{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Seen records id and reports whether it was already present.
func (d *dedupeSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}

// Len returns the number of identifiers currently tracked.
func (d *dedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// snapshot returns the tracked identifiers in insertion order.
func (d *dedupeSet) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// seed records ids without eviction reporting, oldest first. Used to
// restore a persisted set on startup.
func (d *dedupeSet) seed(ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		d.Seen(id)
	}
}
