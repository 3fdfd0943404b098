package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHistoryMirrorRecordAndRecent(t *testing.T) {
	m, err := NewHistoryMirror(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		end := base.Add(time.Duration(i)*time.Hour + 10*time.Minute)
		m.Record(&ExecutionRecord{
			ExecutionID:  string(rune('a'+i)) + "-exec",
			WorkflowName: "partnership_analysis",
			StartTime:    base.Add(time.Duration(i) * time.Hour),
			EndTime:      &end,
			Status:       StatusCompletedSuccess,
			Stages:       []StageRecord{{StageName: "query_generation", Status: "completed"}},
			Metrics:      map[string]float64{"duration_seconds": 600},
		})
	}

	recent, err := m.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c-exec", recent[0].ExecutionID, "newest first")
	assert.Equal(t, "b-exec", recent[1].ExecutionID)
	assert.Equal(t, 600.0, recent[0].Metrics["duration_seconds"])
}

func TestHistoryMirrorUpsert(t *testing.T) {
	m, err := NewHistoryMirror(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	rec := &ExecutionRecord{
		ExecutionID:  "exec-1",
		WorkflowName: "wf",
		StartTime:    time.Now().UTC(),
		Status:       StatusStarted,
	}
	m.Record(rec)

	rec.Status = StatusCompletedFailure
	m.Record(rec)

	recent, err := m.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1, "same execution is upserted, not duplicated")
	assert.Equal(t, StatusCompletedFailure, recent[0].Status)
}

func TestHistoryMirrorNilRecord(t *testing.T) {
	m, err := NewHistoryMirror(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	m.Record(nil)
	recent, err := m.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
