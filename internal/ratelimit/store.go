package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// WindowResult is the state of one sliding window after an admission call.
type WindowResult struct {
	Allowed bool
	// Count is the number of entries in the window after the call,
	// including the one just admitted.
	Count int
	// Oldest is the oldest surviving entry; zero when the window is empty.
	Oldest time.Time
}

// BucketResult is the state of one token bucket after an admission call.
type BucketResult struct {
	Allowed bool
	// Tokens remaining after the call.
	Tokens float64
}

// Store persists limiter state. Every call must be atomic per key so
// concurrent requests cannot overshoot the limit.
type Store interface {
	// Window evicts entries older than now-window and admits the request
	// when fewer than max survive.
	Window(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error)
	// ForgetNewest removes the most recent window entry for the key.
	ForgetNewest(ctx context.Context, key string) error
	// Bucket refills at refillPerSec up to burst and takes one token when
	// at least one is available.
	Bucket(ctx context.Context, key string, now time.Time, refillPerSec, burst float64) (BucketResult, error)
	// CreditToken returns one token to the bucket, capped at burst.
	CreditToken(ctx context.Context, key string, burst float64) error
}

// MemoryStore keeps limiter state in process memory under one mutex.
// Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	buckets map[string]*memBucket
}

type memBucket struct {
	tokens float64
	last   time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]time.Time),
		buckets: make(map[string]*memBucket),
	}
}

// Window implements Store.
func (s *MemoryStore) Window(_ context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}

	result := WindowResult{Count: len(kept)}
	if len(kept) < max {
		kept = append(kept, now)
		result.Allowed = true
		result.Count = len(kept)
	}
	if len(kept) == 0 {
		delete(s.windows, key)
		return result, nil
	}
	result.Oldest = kept[0]
	s.windows[key] = kept
	return result, nil
}

// ForgetNewest implements Store.
func (s *MemoryStore) ForgetNewest(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	if len(entries) == 0 {
		return nil
	}
	entries = entries[:len(entries)-1]
	if len(entries) == 0 {
		delete(s.windows, key)
		return nil
	}
	s.windows[key] = entries
	return nil
}

// Bucket implements Store.
func (s *MemoryStore) Bucket(_ context.Context, key string, now time.Time, refillPerSec, burst float64) (BucketResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &memBucket{tokens: burst, last: now}
		s.buckets[key] = b
	} else {
		if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
			b.tokens = math.Min(burst, b.tokens+elapsed*refillPerSec)
		}
		b.last = now
	}

	result := BucketResult{Tokens: b.tokens}
	if b.tokens >= 1 {
		b.tokens--
		result.Allowed = true
		result.Tokens = b.tokens
	}
	return result, nil
}

// CreditToken implements Store.
func (s *MemoryStore) CreditToken(_ context.Context, key string, burst float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		b.tokens = math.Min(burst, b.tokens+1)
	}
	return nil
}
