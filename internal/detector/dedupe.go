package detector

import (
	"sync"
	"time"
)

type dedupeEntry struct {
	key string
	ts  time.Time
}

// dedupeCache remembers event ids for ttl, measured on event time. Ids are
// queued in arrival order and expire from the head once older than the
// newest event time seen minus ttl.
type dedupeCache struct {
	mu     sync.Mutex
	items  map[string]time.Time
	queue  []dedupeEntry
	head   int
	newest time.Time
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{items: make(map[string]time.Time)}
}

func (d *dedupeCache) Seen(key string, ts time.Time, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.items[key]; ok {
		if delta := ts.Sub(prev); delta <= ttl && delta >= -ttl {
			return true
		}
	}
	d.items[key] = ts
	d.queue = append(d.queue, dedupeEntry{key: key, ts: ts})
	if ts.After(d.newest) {
		d.newest = ts
	}
	d.expire(d.newest.Add(-ttl))
	return false
}

func (d *dedupeCache) expire(cutoff time.Time) {
	for d.head < len(d.queue) {
		e := d.queue[d.head]
		if !e.ts.Before(cutoff) {
			break
		}
		// the key may have been re-recorded with a later time
		if cur, ok := d.items[e.key]; ok && cur.Equal(e.ts) {
			delete(d.items, e.key)
		}
		d.queue[d.head] = dedupeEntry{}
		d.head++
	}
	if d.head > 0 && d.head*2 >= len(d.queue) {
		d.queue = append([]dedupeEntry{}, d.queue[d.head:]...)
		d.head = 0
	}
}

func (d *dedupeCache) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *dedupeCache) Reset() {
	d.mu.Lock()
	d.items = make(map[string]time.Time)
	d.queue = nil
	d.head = 0
	d.newest = time.Time{}
	d.mu.Unlock()
}
