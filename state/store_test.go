package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StartExecution("partnership_analysis", map[string]any{"partner_name": "Acme Clinic"})
	require.NoError(t, err)
	require.Len(t, id, 16)
	assert.Equal(t, id, s.CurrentExecution())

	require.NoError(t, s.UpdateStage(id, "query_generation", "completed", map[string]any{"queries": 4}))
	require.NoError(t, s.UpdateStage(id, "web_search", "failed", nil))
	require.NoError(t, s.EndExecution(id, StatusCompletedSuccess, map[string]float64{"duration_seconds": 1.5}))

	rec, err := s.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSuccess, rec.Status)
	assert.NotNil(t, rec.EndTime)
	require.Len(t, rec.Stages, 2)
	assert.Equal(t, "query_generation", rec.Stages[0].StageName)
	assert.Equal(t, "failed", rec.Stages[1].Status)
	assert.Empty(t, s.CurrentExecution(), "finished execution is no longer current")
}

func TestStoreExecutionIDsAreUnique(t *testing.T) {
	s := newTestStore(t)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := s.StartExecution("wf", nil)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate execution id %s", id)
		seen[id] = true
	}
}

func TestStoreReloadsSnapshot(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewStore(StoreConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	id, err := s1.StartExecution("wf", nil)
	require.NoError(t, err)
	require.NoError(t, s1.EndExecution(id, StatusCompletedFailure, nil))

	_, err = s1.CacheResult(context.Background(), PartitionResearch,
		map[string]any{"results": []any{"a"}}, time.Hour, "acme", "dental")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewStore(StoreConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.GetExecution(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedFailure, rec.Status)

	payload, err := s2.GetCached(context.Background(), PartitionResearch, "acme", "dental")
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, payload["results"])
}

func TestStoreCachePersistsTTLSeconds(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(StoreConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.CacheResult(context.Background(), PartitionExecution,
		map[string]any{"a": 1}, 90*time.Minute, "k")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "pipeline_state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ttl_seconds": 5400`)

	s2, err := NewStore(StoreConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	entry := s2.snapshot.Caches[PartitionExecution][hashKey([]string{"k"})]
	require.NotNil(t, entry)
	assert.Equal(t, 5400.0, entry.TTLSeconds)
}

func TestStoreDiscardsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline_state.json"), []byte("{not json"), 0o644))

	s, err := NewStore(StoreConfig{Dir: dir}, zap.NewNop())
	require.NoError(t, err, "corrupt snapshot must not fail startup")
	defer s.Close()

	assert.Empty(t, s.History())
	_, err = s.StartExecution("wf", nil)
	assert.NoError(t, err)
}

func TestStoreHistoryTrimming(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir(), MaxHistory: 3}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.StartExecution("wf", nil)
		require.NoError(t, err)
	}
	assert.Len(t, s.History(), 3)

	removed, err := s.CleanupOldHistory(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Len(t, s.History(), 1)
}

func TestStoreCacheExpiry(t *testing.T) {
	s := newTestStore(t)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	_, err := s.CacheResult(context.Background(), PartitionCalculation,
		map[string]any{"npv": 120000.0}, 24*time.Hour, "acme", "60", "500000")
	require.NoError(t, err)

	payload, err := s.GetCached(context.Background(), PartitionCalculation, "acme", "60", "500000")
	require.NoError(t, err)
	assert.Equal(t, 120000.0, payload["npv"])

	now = now.Add(25 * time.Hour)
	_, err = s.GetCached(context.Background(), PartitionCalculation, "acme", "60", "500000")
	assert.ErrorIs(t, err, ErrCacheMiss, "expired entries are evicted on read")

	assert.Equal(t, 0, s.CacheStats()[PartitionCalculation])
}

func TestStoreClearExpired(t *testing.T) {
	s := newTestStore(t)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	_, err := s.CacheResult(context.Background(), PartitionExecution, map[string]any{"a": 1}, time.Hour, "short")
	require.NoError(t, err)
	_, err = s.CacheResult(context.Background(), PartitionResearch, map[string]any{"b": 2}, 30*24*time.Hour, "long")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	evicted, err := s.ClearExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = s.GetCached(context.Background(), PartitionResearch, "long")
	assert.NoError(t, err)
}

func TestStoreLockTimeout(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir(), LockTimeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.StartExecution("wf", nil)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestStoreClosed(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	_, err = s.StartExecution("wf", nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.GetCached(context.Background(), PartitionExecution, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStoreUnknownExecution(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStage("no-such-id", "stage", "completed", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.EndExecution("no-such-id", StatusCompletedSuccess, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
