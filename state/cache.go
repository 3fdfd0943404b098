package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Partition names a TTL cache bucket. Each partition carries its own TTL
// policy, configured by the caller per CacheResult call.
type Partition string

const (
	// PartitionExecution caches whole-stage execution results.
	PartitionExecution Partition = "execution_cache"
	// PartitionResearch caches research lookups, which stay valid far
	// longer than execution results.
	PartitionResearch Partition = "research_cache"
	// PartitionCalculation caches deterministic financial calculations.
	PartitionCalculation Partition = "calculation_cache"
)

// CacheEntry is a single cached payload with its expiry. TTLSeconds
// duplicates the expires_at/cached_at delta so external tooling reading the
// snapshot sees the original TTL without deriving it.
type CacheEntry struct {
	Payload    map[string]any `json:"payload"`
	CachedAt   time.Time      `json:"cached_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	TTLSeconds float64        `json:"ttl_seconds"`
}

func (e *CacheEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache is the TTL result cache consulted by stage functions. Keys are
// derived from the caller's key material, never supplied directly.
type Cache interface {
	// CacheResult stores payload under a content-derived key and returns
	// that key.
	CacheResult(ctx context.Context, p Partition, payload map[string]any, ttl time.Duration, keyMaterial ...string) (string, error)
	// GetCached returns the live payload for the key material, or
	// ErrCacheMiss when absent or expired.
	GetCached(ctx context.Context, p Partition, keyMaterial ...string) (map[string]any, error)
}

// hashKey derives the cache key: sha256 over the joined key material, so
// equivalent inputs always map to the same entry.
func hashKey(keyMaterial []string) string {
	sum := sha256.Sum256([]byte(strings.Join(keyMaterial, ":")))
	return hex.EncodeToString(sum[:])
}

// CacheResult stores payload in the in-memory partition and flushes the
// snapshot.
func (s *Store) CacheResult(ctx context.Context, p Partition, payload map[string]any, ttl time.Duration, keyMaterial ...string) (string, error) {
	if err := s.lockTimed(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	key := hashKey(keyMaterial)
	now := s.clock().UTC()
	part := s.partitionLocked(p)
	part[key] = &CacheEntry{
		Payload:    payload,
		CachedAt:   now,
		ExpiresAt:  now.Add(ttl),
		TTLSeconds: ttl.Seconds(),
	}
	if err := s.flushLocked(); err != nil {
		return "", err
	}
	return key, nil
}

// GetCached looks up the key material in the partition, evicting the entry
// if it has expired.
func (s *Store) GetCached(ctx context.Context, p Partition, keyMaterial ...string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	key := hashKey(keyMaterial)
	part := s.partitionLocked(p)
	entry, ok := part[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if entry.expired(s.clock().UTC()) {
		delete(part, key)
		return nil, ErrCacheMiss
	}
	return entry.Payload, nil
}

func (s *Store) partitionLocked(p Partition) map[string]*CacheEntry {
	part, ok := s.snapshot.Caches[p]
	if !ok {
		part = map[string]*CacheEntry{}
		s.snapshot.Caches[p] = part
	}
	return part
}

// ClearExpired removes every expired entry across all partitions and
// returns how many were evicted.
func (s *Store) ClearExpired() (int, error) {
	if err := s.lockTimed(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.clock().UTC()
	evicted := 0
	for _, part := range s.snapshot.Caches {
		for key, entry := range part {
			if entry.expired(now) {
				delete(part, key)
				evicted++
			}
		}
	}
	if evicted > 0 {
		if err := s.flushLocked(); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}

// CacheStats reports the live entry count per partition.
func (s *Store) CacheStats() map[Partition]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	stats := make(map[Partition]int, len(s.snapshot.Caches))
	for p, part := range s.snapshot.Caches {
		live := 0
		for _, entry := range part {
			if !entry.expired(now) {
				live++
			}
		}
		stats[p] = live
	}
	return stats
}

var _ Cache = (*Store)(nil)
