package cache

import "time"

// Dedupe is a bounded set of recently seen message ids (messageId -> lastSeenAt).
type Dedupe struct {
	lru *LRU[string, time.Time]
	now func() time.Time
}

func NewDedupe(maxEntries int) *Dedupe {
	return &Dedupe{
		lru: NewLRU[string, time.Time](maxEntries, 0, nil),
		now: time.Now,
	}
}

// MarkSeen inserts id or refreshes its recency.
func (d *Dedupe) MarkSeen(id string) {
	d.lru.Put(id, d.now())
}

// IsDuplicate reports whether id was seen; a hit refreshes recency.
func (d *Dedupe) IsDuplicate(id string) bool {
	_, ok := d.lru.Get(id)
	return ok
}

func (d *Dedupe) Len() int     { return d.lru.Len() }
func (d *Dedupe) Clear()       { d.lru.Clear() }
func (d *Dedupe) Stats() Stats { return d.lru.Stats() }
