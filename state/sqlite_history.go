package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// HistoryMirror mirrors finished execution records into SQLite so history
// survives snapshot trimming and stays queryable with plain SQL. The JSON
// snapshot remains the source of truth; the mirror is best effort.
type HistoryMirror struct {
	db     *gorm.DB
	logger *zap.Logger
}

type executionRow struct {
	ID           uint   `gorm:"primaryKey"`
	ExecutionID  string `gorm:"uniqueIndex;size:64"`
	WorkflowName string `gorm:"index;size:128"`
	Status       string `gorm:"index;size:32"`
	StartTime    time.Time
	EndTime      *time.Time
	StageCount   int
	Metrics      string `gorm:"type:text"`
}

func (executionRow) TableName() string { return "execution_history" }

// NewHistoryMirror opens (or creates) the SQLite database at path and
// migrates the schema. Use ":memory:" for an ephemeral mirror.
func NewHistoryMirror(path string, logger *zap.Logger) (*HistoryMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.AutoMigrate(&executionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return &HistoryMirror{
		db:     db,
		logger: logger.With(zap.String("component", "history_mirror")),
	}, nil
}

// Record upserts a finished execution. Failures are logged, never returned,
// so a broken mirror cannot fail a pipeline run.
func (m *HistoryMirror) Record(rec *ExecutionRecord) {
	if rec == nil {
		return
	}

	metrics := "{}"
	if rec.Metrics != nil {
		if data, err := json.Marshal(rec.Metrics); err == nil {
			metrics = string(data)
		}
	}

	row := executionRow{
		ExecutionID:  rec.ExecutionID,
		WorkflowName: rec.WorkflowName,
		Status:       rec.Status,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		StageCount:   len(rec.Stages),
		Metrics:      metrics,
	}

	err := m.db.Where("execution_id = ?", rec.ExecutionID).
		Assign(row).
		FirstOrCreate(&executionRow{}).Error
	if err != nil {
		m.logger.Warn("failed to mirror execution record",
			zap.String("execution_id", rec.ExecutionID),
			zap.Error(err),
		)
	}
}

// Recent returns the most recent mirrored executions, newest first.
func (m *HistoryMirror) Recent(limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []executionRow
	if err := m.db.Order("start_time desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec := &ExecutionRecord{
			ExecutionID:  row.ExecutionID,
			WorkflowName: row.WorkflowName,
			Status:       row.Status,
			StartTime:    row.StartTime,
			EndTime:      row.EndTime,
		}
		if row.Metrics != "" {
			var metrics map[string]float64
			if err := json.Unmarshal([]byte(row.Metrics), &metrics); err == nil {
				rec.Metrics = metrics
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying database connection.
func (m *HistoryMirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
