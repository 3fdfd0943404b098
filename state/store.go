package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLockTimeout is returned when a mutation could not acquire the store
	// lock within the configured timeout.
	ErrLockTimeout = errors.New("state store lock acquisition timed out")
	// ErrNotFound is returned when no execution matches the given ID.
	ErrNotFound = errors.New("execution not found")
	// ErrCacheMiss is returned when a cache lookup finds no live entry.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStoreClosed is returned on operations against a closed store.
	ErrStoreClosed = errors.New("state store is closed")
)

// Execution status values recorded in the snapshot.
const (
	StatusStarted          = "started"
	StatusCompletedSuccess = "completed_success"
	StatusCompletedFailure = "completed_failure"
)

const snapshotVersion = "1.0"

// StageRecord captures the outcome of a single stage within an execution.
type StageRecord struct {
	StageName string         `json:"stage_name"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionRecord is the durable record of one pipeline run.
type ExecutionRecord struct {
	ExecutionID  string             `json:"execution_id"`
	WorkflowName string             `json:"workflow_name"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Status       string             `json:"status"`
	Context      map[string]any     `json:"context,omitempty"`
	Stages       []StageRecord      `json:"stages"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// Snapshot is the complete persisted state: execution history plus the
// in-memory cache partitions. The whole snapshot is written on every flush.
type Snapshot struct {
	Version          string                              `json:"version"`
	LastUpdated      time.Time                           `json:"last_updated"`
	History          []*ExecutionRecord                  `json:"execution_history"`
	CurrentExecution string                              `json:"current_execution,omitempty"`
	Caches           map[Partition]map[string]*CacheEntry `json:"caches"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Version: snapshotVersion,
		History: make([]*ExecutionRecord, 0),
		Caches: map[Partition]map[string]*CacheEntry{
			PartitionExecution:   {},
			PartitionResearch:    {},
			PartitionCalculation: {},
		},
	}
}

// timedMutex is a channel-based mutex supporting bounded-timeout
// acquisition, which sync.Mutex does not offer.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{ch: make(chan struct{}, 1)}
}

func (m *timedMutex) Lock() { m.ch <- struct{}{} }

func (m *timedMutex) TryLockTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (m *timedMutex) Unlock() { <-m.ch }

// Store is the durable state store. Exported methods acquire the store
// lock; unexported *Locked helpers assume it is already held.
type Store struct {
	path        string
	lockTimeout time.Duration
	maxHistory  int

	mu       *timedMutex
	snapshot *Snapshot
	closed   bool

	logger *zap.Logger
	clock  func() time.Time
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Dir is the directory holding the snapshot file.
	Dir string
	// LockTimeout bounds lock acquisition for mutations. Zero means 5s.
	LockTimeout time.Duration
	// MaxHistory caps retained execution records. Zero means 100.
	MaxHistory int
}

// NewStore opens (or creates) the snapshot under cfg.Dir. A corrupt
// snapshot is discarded with a warning and replaced by an empty one rather
// than failing startup.
func NewStore(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		path:        filepath.Join(cfg.Dir, "pipeline_state.json"),
		lockTimeout: cfg.LockTimeout,
		maxHistory:  cfg.MaxHistory,
		mu:          newTimedMutex(),
		logger:      logger.With(zap.String("component", "state")),
		clock:       time.Now,
	}
	s.snapshot = s.load()
	return s, nil
}

// load reads the snapshot from disk. Missing file yields an empty snapshot;
// a corrupt file is discarded, not propagated.
func (s *Store) load() *Snapshot {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptySnapshot()
	}
	if err != nil {
		s.logger.Warn("failed to read state snapshot, starting empty",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return emptySnapshot()
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("corrupt state snapshot discarded",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return emptySnapshot()
	}
	if snap.History == nil {
		snap.History = make([]*ExecutionRecord, 0)
	}
	if snap.Caches == nil {
		snap.Caches = emptySnapshot().Caches
	}
	for _, p := range []Partition{PartitionExecution, PartitionResearch, PartitionCalculation} {
		if snap.Caches[p] == nil {
			snap.Caches[p] = map[string]*CacheEntry{}
		}
	}
	return &snap
}

// flushLocked writes the whole snapshot atomically: temp file then rename.
// Caller holds the store lock.
func (s *Store) flushLocked() error {
	s.snapshot.LastUpdated = s.clock().UTC()
	s.snapshot.Version = snapshotVersion

	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state snapshot: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state snapshot: %w", err)
	}
	return os.Rename(tempPath, s.path)
}

// lockTimed acquires the store lock or fails with ErrLockTimeout.
func (s *Store) lockTimed() error {
	if !s.mu.TryLockTimeout(s.lockTimeout) {
		return ErrLockTimeout
	}
	return nil
}

// StartExecution registers a new execution for workflowName and returns its
// generated ID. The ID hashes the workflow name, a nanosecond timestamp and
// a random UUID, so concurrent starts cannot collide.
func (s *Store) StartExecution(workflowName string, execCtx map[string]any) (string, error) {
	if err := s.lockTimed(); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	now := s.clock().UTC()
	id := executionID(workflowName, now)

	rec := &ExecutionRecord{
		ExecutionID:  id,
		WorkflowName: workflowName,
		StartTime:    now,
		Status:       StatusStarted,
		Context:      execCtx,
		Stages:       make([]StageRecord, 0),
	}
	s.snapshot.History = append(s.snapshot.History, rec)
	s.snapshot.CurrentExecution = id
	s.trimHistoryLocked()

	if err := s.flushLocked(); err != nil {
		return "", err
	}

	s.logger.Info("execution started",
		zap.String("execution_id", id),
		zap.String("workflow_name", workflowName),
	)
	return id, nil
}

func executionID(workflowName string, now time.Time) string {
	material := workflowName + "_" + now.Format(time.RFC3339Nano) + "_" + uuid.New().String()
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}

// UpdateStage appends a stage record to the given execution.
func (s *Store) UpdateStage(executionID, stageName, status string, data map[string]any) error {
	if err := s.lockTimed(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	rec := s.findExecutionLocked(executionID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	rec.Stages = append(rec.Stages, StageRecord{
		StageName: stageName,
		Status:    status,
		Timestamp: s.clock().UTC(),
		Data:      data,
	})
	return s.flushLocked()
}

// EndExecution closes out an execution with its final status and metrics.
func (s *Store) EndExecution(executionID, status string, metrics map[string]float64) error {
	if err := s.lockTimed(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.endExecutionLocked(executionID, status, metrics)
}

func (s *Store) endExecutionLocked(executionID, status string, metrics map[string]float64) error {
	rec := s.findExecutionLocked(executionID)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	now := s.clock().UTC()
	rec.EndTime = &now
	rec.Status = status
	rec.Metrics = metrics
	if s.snapshot.CurrentExecution == executionID {
		s.snapshot.CurrentExecution = ""
	}

	if err := s.flushLocked(); err != nil {
		return err
	}

	s.logger.Info("execution ended",
		zap.String("execution_id", executionID),
		zap.String("status", status),
	)
	return nil
}

func (s *Store) findExecutionLocked(executionID string) *ExecutionRecord {
	for i := len(s.snapshot.History) - 1; i >= 0; i-- {
		if s.snapshot.History[i].ExecutionID == executionID {
			return s.snapshot.History[i]
		}
	}
	return nil
}

func (s *Store) trimHistoryLocked() {
	if excess := len(s.snapshot.History) - s.maxHistory; excess > 0 {
		s.snapshot.History = s.snapshot.History[excess:]
	}
}

// GetExecution returns a copy-safe pointer to the record for the given ID.
func (s *Store) GetExecution(executionID string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rec := s.findExecutionLocked(executionID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return rec, nil
}

// History returns the retained execution records, oldest first.
func (s *Store) History() []*ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ExecutionRecord, len(s.snapshot.History))
	copy(out, s.snapshot.History)
	return out
}

// CurrentExecution returns the ID of the in-flight execution, if any.
func (s *Store) CurrentExecution() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.CurrentExecution
}

// CleanupOldHistory drops execution records beyond maxKeep (newest kept)
// and returns how many were removed.
func (s *Store) CleanupOldHistory(maxKeep int) (int, error) {
	if err := s.lockTimed(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	if maxKeep < 0 {
		maxKeep = 0
	}

	excess := len(s.snapshot.History) - maxKeep
	if excess <= 0 {
		return 0, nil
	}
	s.snapshot.History = s.snapshot.History[excess:]
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	return excess, nil
}

// Close flushes and closes the store. Subsequent mutations fail with
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}
