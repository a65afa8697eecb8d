package core

import (
	"container/list"
)

// DBIdempotencyChecker is the cold-tier lookup against the journal.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates commands in two tiers: an in-memory
// LRU of recently processed composite keys, then the Postgres journal.
// A journal hit is written back into the LRU so repeated redeliveries
// stay on the hot path.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate performs the full two-tier lookup. A failing journal
// lookup counts as not-duplicate; the journal writer's ON CONFLICT
// guard catches anything that slips through here.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
	if err != nil || !isDup {
		return false
	}
	ic.lru.Add(key)
	return true
}

// IsDuplicateLRU consults the hot tier only. Replay uses this, since
// during replay every command is by definition already journaled.
func (ic *IdempotencyChecker) IsDuplicateLRU(commandType string, idempotencyKey string) bool {
	return ic.lru.Contains(compositeKey(commandType, idempotencyKey))
}

// MarkProcessed records a successfully applied command in the hot tier.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(commandType, idempotencyKey))
}

// IdempotencyLRU is a fixed-capacity LRU of composite keys.
// Not thread-safe; only the single-threaded core touches it.
type IdempotencyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List // front = most recent, values are string keys
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains reports whether key is cached, promoting it on a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts key at the front, evicting the oldest entry when full.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.index[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.index[key] = lru.order.PushFront(key)
	for lru.order.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.order.Back()
	if elem == nil {
		return
	}
	lru.order.Remove(elem)
	delete(lru.index, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys preloads composite keys, typically restored from a
// snapshot, so a restart does not pay cold-tier lookups for commands
// processed shortly before it.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, ok := lru.index[key]; ok {
			continue
		}
		lru.index[key] = lru.order.PushFront(key)
		for lru.order.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}

// Evictions returns the cumulative eviction count.
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// GetAllKeys snapshots every cached key, most recent first.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.order.Len())
	for elem := lru.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(string))
	}
	return keys
}
