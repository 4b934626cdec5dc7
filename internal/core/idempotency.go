package core

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// IdempotencyChecker drops events whose (type, key) was already sequenced.
// Recent keys live in an LRU warmed from the event log on start; anything
// older than the LRU window is assumed new.
type IdempotencyChecker struct {
	lru *lru.Cache

	duplicates atomic.Int64
}

func NewIdempotencyChecker(capacity int) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{lru: cache}, nil
}

// CompositeKey is the stored form of an idempotency key.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the key was seen, promoting it if so.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	if _, ok := ic.lru.Get(CompositeKey(eventType, idempotencyKey)); ok {
		ic.duplicates.Add(1)
		return true
	}
	return false
}

// MarkProcessed records a sequenced key.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey), struct{}{})
}

// Warm loads composite keys, oldest first, so the newest survive eviction.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.lru.Keys()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(string))
	}
	return out
}

func (ic *IdempotencyChecker) Len() int {
	return ic.lru.Len()
}

// Duplicates returns how many events were dropped.
func (ic *IdempotencyChecker) Duplicates() int64 {
	return ic.duplicates.Load()
}
