package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Cache keys are a pure function of the key material: identical material
// always hits the same entry, different material never collides in practice.
func TestCacheKeyDeterminism(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	material := rapid.SliceOfN(rapid.StringMatching(`[a-z0-9_]{1,20}`), 1, 5)

	rapid.Check(t, func(t *rapid.T) {
		keyA := material.Draw(t, "keyA")
		keyB := material.Draw(t, "keyB")

		k1, err := s.CacheResult(ctx, PartitionExecution, map[string]any{"v": "a"}, time.Hour, keyA...)
		if err != nil {
			t.Fatalf("cache write failed: %v", err)
		}
		k2, err := s.CacheResult(ctx, PartitionExecution, map[string]any{"v": "b"}, time.Hour, keyA...)
		if err != nil {
			t.Fatalf("cache write failed: %v", err)
		}
		if k1 != k2 {
			t.Fatalf("same material produced different keys: %s vs %s", k1, k2)
		}

		// Last write wins for the same material.
		payload, err := s.GetCached(ctx, PartitionExecution, keyA...)
		if err != nil {
			t.Fatalf("lookup after write failed: %v", err)
		}
		if payload["v"] != "b" {
			t.Fatalf("expected last write to win, got %v", payload["v"])
		}

		// Joined-material equality decides whether keyB shares the entry.
		k3, err := s.CacheResult(ctx, PartitionExecution, map[string]any{"v": "c"}, time.Hour, keyB...)
		if err != nil {
			t.Fatalf("cache write failed: %v", err)
		}
		if joined(keyA) == joined(keyB) {
			if k3 != k1 {
				t.Fatalf("equal material produced different keys")
			}
		} else if k3 == k1 {
			t.Fatalf("distinct material collided: %v vs %v", keyA, keyB)
		}
	})
}

func joined(material []string) string {
	out := ""
	for i, m := range material {
		if i > 0 {
			out += ":"
		}
		out += m
	}
	return out
}

// Partitions are isolated: an entry written to one partition is never
// visible from another.
func TestCachePartitionIsolation(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	partitions := []Partition{PartitionExecution, PartitionResearch, PartitionCalculation}

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "key")
		idx := rapid.IntRange(0, len(partitions)-1).Draw(t, "partition")

		_, err := s.CacheResult(ctx, partitions[idx], map[string]any{"p": string(partitions[idx])}, time.Hour, key)
		if err != nil {
			t.Fatalf("cache write failed: %v", err)
		}

		for i, p := range partitions {
			_, err := s.GetCached(ctx, p, key)
			if i == idx && err != nil {
				t.Fatalf("entry missing from its own partition: %v", err)
			}
			if i != idx && err == nil {
				// The same key may legitimately exist from an earlier
				// iteration; only fail if it carries this partition's marker.
				payload, _ := s.GetCached(ctx, p, key)
				if payload != nil && payload["p"] == string(partitions[idx]) {
					t.Fatalf("entry leaked from %s to %s", partitions[idx], p)
				}
			}
		}
	})
}
