package ingestion

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"PDALedger/internal/observability"
)

// ErrDedupUnavailable means the dedup store could not be consulted.
var ErrDedupUnavailable = errors.New("dedup store unavailable")

// IdempotencyChecker implements two-tier deduplication of operation ids:
// an in-memory LRU in front of the event log's unique index.
type IdempotencyChecker struct {
	mu  sync.Mutex
	lru *IdempotencyLRU

	// Tier 2: Postgres (nil disables it)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the operation was already applied. When the
// LRU misses and Postgres cannot answer, it returns ErrDedupUnavailable: the
// operation must not be applied without a verdict.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, op, key string) (bool, error) {
	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	ic.mu.Unlock()
	if hit {
		ic.recordDuplicate(op, "lru")
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}
	isDup, err := ic.dbChecker.IsDuplicate(ctx, key)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false, fmt.Errorf("%w: %v", ErrDedupUnavailable, err)
	}
	if isDup {
		ic.recordDuplicate(op, "postgres")
		ic.MarkProcessed(key)
		return true, nil
	}
	return false, nil
}

// MarkProcessed adds key to the LRU after the engine accepted it.
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.mu.Lock()
	ic.lru.Add(key)
	size := ic.lru.Size()
	ic.mu.Unlock()
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm preloads recently applied keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	ic.lru.WarmFromKeys(keys)
	size := ic.lru.Size()
	ic.mu.Unlock()
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(op, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys. Not thread-safe; IdempotencyChecker
// guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys in order, so the last one ends up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
