package core

import (
	"container/list"
	"context"
	"fmt"

	"LoanLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (optional)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
		if err != nil {
			// Fail open: a DB outage must not stall the ledger.
			ic.logger.Warn().Err(err).Str("event_type", eventType).Msg("tier-2 idempotency lookup failed")
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	evictions := ic.lru.Evictions()
	ic.lru.Add(compositeKey(eventType, idempotencyKey))

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if d := ic.lru.Evictions() - evictions; d > 0 {
			ic.metrics.DedupLRUEvictions.Add(float64(d))
		}
	}
}

// Warm preloads recently processed (event_type, key) pairs.
func (ic *IdempotencyChecker) Warm(pairs [][2]string) {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, compositeKey(p[0], p[1]))
	}
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; the engine serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
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

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys, oldest first, so the most
// recent keys survive eviction.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
