package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/reportflow/config"
	"github.com/BaSui01/reportflow/internal/metrics"
	"github.com/BaSui01/reportflow/recovery"
	"github.com/BaSui01/reportflow/state"
	"github.com/BaSui01/reportflow/types"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusUninitialized  Status = "uninitialized"
	StatusInitialized    Status = "initialized"
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// RunResult is the outcome of one pipeline run. Message is empty on full
// success; on partial success it carries the PARTIAL_SUCCESS summary and on
// failure the failure reason.
type RunResult struct {
	Success bool
	Partial bool
	Message string
	Context Context
}

// Synthesizer produces a best-effort output from whatever the completed
// stages left in the context. Synthesizers run only on partial success and
// each swallows its own failure.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, execCtx Context) (any, error)
}

type stageFailure struct {
	StageName string `json:"stage_name"`
	Message   string `json:"error_message"`
}

// Coordinator orchestrates the registered stages of one workflow.
// It is not safe for concurrent use; one coordinator drives one run at a
// time and is reset between runs.
type Coordinator struct {
	workflowName         string
	minPartialRatio      float64
	criticalStages       []string
	minCriticalCompleted int

	store     *state.Store
	handler   *recovery.Handler
	collector *metrics.Collector
	logger    *zap.Logger
	clock     func() time.Time
	retryWait func(retryCount int) time.Duration

	stages       []Stage
	synthesizers []Synthesizer

	status            Status
	executionID       string
	execCtx           Context
	currentStageIndex int
	startTime         time.Time
	endTime           time.Time
}

// NewCoordinator creates a coordinator for the configured workflow. The
// collector may be nil when metrics are disabled.
func NewCoordinator(cfg *config.Config, store *state.Store, handler *recovery.Handler, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		workflowName:         cfg.Workflow.Name,
		minPartialRatio:      cfg.Workflow.MinPartialRatio,
		criticalStages:       cfg.Workflow.CriticalStages,
		minCriticalCompleted: cfg.Workflow.MinCriticalCompleted,
		store:                store,
		handler:              handler,
		collector:            collector,
		logger:               logger.With(zap.String("component", "pipeline")),
		clock:                time.Now,
		retryWait:            workflowRetryWait,
		status:               StatusUninitialized,
	}
}

// AddStage registers a stage. Name collisions are caught by
// ValidateConfiguration, not here, so stages can be registered in any order.
func (c *Coordinator) AddStage(s Stage) error {
	if s.Name == "" {
		return fmt.Errorf("stage name must not be empty")
	}
	if s.Func == nil {
		return fmt.Errorf("stage %s has no work function", s.Name)
	}
	c.stages = append(c.stages, s)
	return nil
}

// AddStages registers several stages in order.
func (c *Coordinator) AddStages(stages []Stage) error {
	for _, s := range stages {
		if err := c.AddStage(s); err != nil {
			return err
		}
	}
	return nil
}

// AddSynthesizer registers a best-effort output synthesizer for partial
// success runs.
func (c *Coordinator) AddSynthesizer(s Synthesizer) {
	c.synthesizers = append(c.synthesizers, s)
}

// ValidateConfiguration checks that the registered stages form a runnable
// pipeline: non-empty, unique names, at least one required stage.
func (c *Coordinator) ValidateConfiguration() error {
	if len(c.stages) == 0 {
		return fmt.Errorf("no stages defined in workflow")
	}

	seen := make(map[string]bool, len(c.stages))
	var duplicates []string
	for _, s := range c.stages {
		if seen[s.Name] {
			duplicates = append(duplicates, s.Name)
		}
		seen[s.Name] = true
	}
	if len(duplicates) > 0 {
		return fmt.Errorf("duplicate stage names found: %s", strings.Join(duplicates, ", "))
	}

	for _, s := range c.stages {
		if s.Required {
			return nil
		}
	}
	return fmt.Errorf("at least one stage must be marked as required")
}

// Initialize validates the pipeline, registers a new execution in the state
// store and seeds the execution context. Returns the execution ID.
func (c *Coordinator) Initialize(initial Context) (string, error) {
	if c.status == StatusRunning {
		return "", fmt.Errorf("workflow %s is already running", c.workflowName)
	}
	if err := c.ValidateConfiguration(); err != nil {
		return "", err
	}

	id, err := c.store.StartExecution(c.workflowName, initial)
	if err != nil {
		return "", fmt.Errorf("failed to start execution: %w", err)
	}

	c.startTime = c.clock().UTC()
	c.endTime = time.Time{}
	c.executionID = id
	c.currentStageIndex = 0
	c.execCtx = cloneContext(initial)
	c.execCtx["execution_id"] = id
	c.execCtx["workflow_name"] = c.workflowName
	c.execCtx["start_time"] = c.startTime.Format(time.RFC3339)
	c.execCtx["stages_completed"] = 0
	c.execCtx["stages_failed"] = 0
	c.execCtx["stages_skipped"] = 0
	c.status = StatusInitialized

	c.logger.Info("workflow_started",
		zap.String("workflow_name", c.workflowName),
		zap.String("execution_id", id),
		zap.Int("total_stages", len(c.stages)),
	)
	return id, nil
}

// Run executes the registered stages sequentially. The returned error is
// non-nil only on coordinator misuse (running without Initialize); stage
// failures resolve into the RunResult.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	if c.status != StatusInitialized {
		return nil, fmt.Errorf("workflow execution not initialized, call Initialize first")
	}
	c.status = StatusRunning

	var failedRequired, failedOptional []stageFailure

	for i, stage := range c.stages {
		c.currentStageIndex = i

		success, errMsg, result := c.executeStage(ctx, stage, i)
		stageFailed := !success
		if !stageFailed {
			if failedMsg, failed := c.resultIndicatesFailure(stage, result); failed {
				stageFailed = true
				errMsg = failedMsg
			}
		}

		c.recordStageOutcome(stage, !stageFailed, errMsg, result)

		if !stageFailed {
			c.mergeStageResult(stage, i, result)
			c.execCtx["stages_completed"] = ctxInt(c.execCtx, "stages_completed") + 1

			next := "end"
			if i+1 < len(c.stages) {
				next = c.stages[i+1].Name
			}
			c.logger.Info("stage_transition",
				zap.String("workflow_name", c.workflowName),
				zap.String("from_stage", stage.Name),
				zap.String("to_stage", next),
				zap.Int("stages_completed", ctxInt(c.execCtx, "stages_completed")),
			)
			continue
		}

		c.execCtx["stages_failed"] = ctxInt(c.execCtx, "stages_failed") + 1

		if !stage.Required {
			failedOptional = append(failedOptional, stageFailure{stage.Name, errMsg})
			c.logger.Warn("optional stage failed, continuing workflow",
				zap.String("stage_name", stage.Name),
				zap.String("error_message", errMsg),
			)
			continue
		}

		failedRequired = append(failedRequired, stageFailure{stage.Name, errMsg})
		c.logger.Error("required stage failed",
			zap.String("stage_name", stage.Name),
			zap.String("error_message", errMsg),
		)

		// Transient failures in required stages abort immediately so the
		// workflow-level retry can rerun from a clean slate.
		if recovery.IsTransientMessage(errMsg) {
			c.execCtx["stages_skipped"] = len(c.stages) - i - 1
			final := fmt.Sprintf("Workflow failed due to retryable error: %s", errMsg)
			c.logger.Error("workflow failed due to retryable error in required stage",
				zap.String("stage_name", stage.Name),
				zap.String("error_message", errMsg),
			)
			c.finalize(false, StatusFailure, final)
			return &RunResult{Success: false, Message: final, Context: c.execCtx}, nil
		}
	}

	completed := c.completedStageNames(failedRequired, failedOptional)

	if len(failedRequired) > 0 {
		reason := fmt.Sprintf("Required stages failed: %s", joinStageNames(failedRequired))
		if c.shouldAttemptPartialSuccess(completed) {
			return c.finalizePartialSuccess(ctx, completed, append(failedRequired, failedOptional...), reason), nil
		}
		c.finalize(false, StatusFailure, reason)
		return &RunResult{Success: false, Message: reason, Context: c.execCtx}, nil
	}

	final := "Workflow completed successfully"
	if len(failedOptional) > 0 {
		final += fmt.Sprintf(" (with %d optional stage failures)", len(failedOptional))
	}
	c.finalize(true, StatusSuccess, final)
	return &RunResult{Success: true, Message: "", Context: c.execCtx}, nil
}

// executeStage prepares the stage context and delegates to the recovery
// handler, recording any retry attempts the stage consumed.
func (c *Coordinator) executeStage(ctx context.Context, stage Stage, index int) (bool, string, map[string]any) {
	stageCtx := c.prepareStageContext(stage, index)

	c.logger.Info("starting stage execution",
		zap.String("workflow_name", c.workflowName),
		zap.String("stage_name", stage.Name),
		zap.Int("stage_index", index),
		zap.Int("total_stages", len(c.stages)),
	)

	success, errMsg, result, retries := c.handler.AttemptStageExecution(ctx, recovery.WorkFunc(stage.Func), c.workflowName, stage.Name, stageCtx)
	if c.collector != nil {
		for i := 0; i < retries; i++ {
			c.collector.RecordStageRetry(c.workflowName, stage.Name)
		}
	}
	return success, errMsg, result
}

// prepareStageContext copies the execution context and injects the
// stage-scoped keys.
func (c *Coordinator) prepareStageContext(stage Stage, index int) Context {
	stageCtx := cloneContext(c.execCtx)
	stageCtx["current_stage"] = stage.Name
	stageCtx["stage_index"] = index
	stageCtx["total_stages"] = len(c.stages)
	stageCtx["stage_start_time"] = c.clock().UTC().Format(time.RFC3339)
	stageCtx["stage_description"] = stage.Description
	stageCtx["stage_required"] = stage.Required
	stageCtx["stage_retryable"] = stage.Retryable
	return stageCtx
}

// resultIndicatesFailure inspects a payload that executed without error for
// failure indicators: the generic ones plus the stage's own success key.
func (c *Coordinator) resultIndicatesFailure(stage Stage, result map[string]any) (string, bool) {
	if result == nil {
		return "", false
	}
	if r := types.FromPayload(result); r.Failed() {
		return r.Reason(), true
	}
	if stage.SuccessKey != "" {
		if v, ok := result[stage.SuccessKey]; ok {
			if b, isBool := v.(bool); isBool && !b {
				return stageErrorMessage(stage, result), true
			}
		}
	}
	return "", false
}

func stageErrorMessage(stage Stage, result map[string]any) string {
	for _, field := range []string{"error", "errors", "error_message"} {
		if v, ok := result[field]; ok && v != nil {
			if list, isList := v.([]any); isList {
				parts := make([]string, 0, len(list))
				for _, item := range list {
					parts = append(parts, fmt.Sprint(item))
				}
				return strings.Join(parts, "; ")
			}
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("Stage %s failed without specific error message", stage.Name)
}

// recordStageOutcome persists the stage record and emits metrics.
func (c *Coordinator) recordStageOutcome(stage Stage, success bool, errMsg string, result map[string]any) {
	status := "completed"
	if !success {
		status = "failed"
	}

	err := c.store.UpdateStage(c.executionID, stage.Name, status, map[string]any{
		"success":          success,
		"error_message":    errMsg,
		"result_available": result != nil,
		"timestamp":        c.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Warn("failed to persist stage record",
			zap.String("stage_name", stage.Name),
			zap.Error(err),
		)
	}

	if c.collector != nil {
		c.collector.RecordStageExecution(c.workflowName, stage.Name, status)
	}
}

// mergeStageResult folds the stage payload and its metadata into the
// execution context under stage_<name>_result and stage_<name>_metadata.
func (c *Coordinator) mergeStageResult(stage Stage, index int, result map[string]any) {
	c.execCtx["stage_"+stage.Name+"_result"] = result
	c.execCtx["stage_"+stage.Name+"_metadata"] = map[string]any{
		"completed_at": c.clock().UTC().Format(time.RFC3339),
		"success":      true,
		"stage_name":   stage.Name,
		"stage_index":  index,
	}
}

func (c *Coordinator) completedStageNames(failedRequired, failedOptional []stageFailure) []string {
	failed := make(map[string]bool, len(failedRequired)+len(failedOptional))
	for _, f := range failedRequired {
		failed[f.StageName] = true
	}
	for _, f := range failedOptional {
		failed[f.StageName] = true
	}

	completed := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		if !failed[s.Name] {
			completed = append(completed, s.Name)
		}
	}
	return completed
}

func joinStageNames(failures []stageFailure) string {
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.StageName)
	}
	return strings.Join(names, ", ")
}

// shouldAttemptPartialSuccess decides whether enough of the pipeline
// finished for a usable partial result: the completion ratio meets the
// configured minimum and enough critical stages completed.
func (c *Coordinator) shouldAttemptPartialSuccess(completed []string) bool {
	if len(c.stages) == 0 {
		return false
	}
	ratio := float64(len(completed)) / float64(len(c.stages))
	if ratio < c.minPartialRatio {
		return false
	}

	completedSet := make(map[string]bool, len(completed))
	for _, name := range completed {
		completedSet[name] = true
	}
	criticalCompleted := 0
	for _, name := range c.criticalStages {
		if completedSet[name] {
			criticalCompleted++
		}
	}
	return criticalCompleted >= c.minCriticalCompleted
}

// finalizePartialSuccess runs the synthesizers best-effort and closes out
// the run as a partial success.
func (c *Coordinator) finalizePartialSuccess(ctx context.Context, completed []string, failed []stageFailure, reason string) *RunResult {
	outputs := make(map[string]any, len(c.synthesizers))
	for _, synth := range c.synthesizers {
		out, err := synth.Synthesize(ctx, c.execCtx)
		if err != nil {
			c.logger.Warn("failed to generate partial output",
				zap.String("synthesizer", synth.Name()),
				zap.Error(err),
			)
			continue
		}
		outputs[synth.Name()] = out
	}

	completionRatio := float64(len(completed)) / float64(len(c.stages))
	c.execCtx["partial_success"] = true
	c.execCtx["partial_success_reason"] = reason
	c.execCtx["completed_stages"] = completed
	c.execCtx["failed_stages"] = failed
	c.execCtx["available_outputs"] = outputs
	c.execCtx["completion_ratio"] = completionRatio

	final := fmt.Sprintf("Partial success: %d/%d stages completed", len(completed), len(c.stages))
	c.finalize(true, StatusPartialSuccess, final)

	c.logger.Info("workflow completed with partial success",
		zap.Strings("completed_stages", completed),
		zap.String("partial_success_reason", reason),
		zap.Float64("completion_ratio", completionRatio),
	)

	return &RunResult{
		Success: true,
		Partial: true,
		Message: fmt.Sprintf("PARTIAL_SUCCESS: %s. Error: %s", final, reason),
		Context: c.execCtx,
	}
}

// finalize closes out the execution: context bookkeeping, state store
// update, metrics and the completion log event.
func (c *Coordinator) finalize(success bool, status Status, finalMessage string) {
	c.endTime = c.clock().UTC()
	duration := c.endTime.Sub(c.startTime)
	if duration < 0 {
		duration = 0
	}

	finalStatus := "failed"
	storeStatus := state.StatusCompletedFailure
	if success {
		finalStatus = "success"
		storeStatus = state.StatusCompletedSuccess
	}

	c.execCtx["end_time"] = c.endTime.Format(time.RFC3339)
	c.execCtx["duration_seconds"] = duration.Seconds()
	c.execCtx["final_status"] = finalStatus
	c.execCtx["final_message"] = finalMessage
	c.execCtx["stages_total"] = len(c.stages)

	successRate := 0.0
	if len(c.stages) > 0 {
		successRate = float64(ctxInt(c.execCtx, "stages_completed")) / float64(len(c.stages))
	}
	runMetrics := map[string]float64{
		"execution_duration": duration.Seconds(),
		"stages_completed":   float64(ctxInt(c.execCtx, "stages_completed")),
		"stages_failed":      float64(ctxInt(c.execCtx, "stages_failed")),
		"stages_skipped":     float64(ctxInt(c.execCtx, "stages_skipped")),
		"success_rate":       successRate,
	}

	if err := c.store.EndExecution(c.executionID, storeStatus, runMetrics); err != nil {
		c.logger.Warn("failed to persist execution end", zap.Error(err))
	}

	if c.collector != nil {
		c.collector.RecordPipelineRun(c.workflowName, string(status), duration)
	}

	c.status = status
	c.logger.Info("workflow_completed",
		zap.String("workflow_name", c.workflowName),
		zap.String("execution_id", c.executionID),
		zap.String("final_status", finalStatus),
		zap.String("final_message", finalMessage),
		zap.Float64("duration_seconds", duration.Seconds()),
	)
}

// RunWithRetry runs the whole workflow with retry on transient failures,
// re-initializing between attempts and enriching the initial context with
// retry_attempt and last_error. Partial success counts as success and is
// never retried.
func (c *Coordinator) RunWithRetry(ctx context.Context, initial Context, maxRetries int) (*RunResult, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastError string
	for retryCount := 0; retryCount <= maxRetries; retryCount++ {
		if retryCount > 0 {
			c.Reset()
			initial["retry_attempt"] = retryCount
			initial["last_error"] = lastError
		}
		if c.status == StatusUninitialized || retryCount > 0 {
			if _, err := c.Initialize(initial); err != nil {
				return nil, err
			}
		}

		result, err := c.Run(ctx)
		if err != nil {
			return nil, err
		}
		if result.Success {
			return result, nil
		}

		if !recovery.IsTransientMessage(result.Message) {
			return result, nil
		}
		lastError = result.Message

		if retryCount == maxRetries {
			break
		}

		c.logger.Info("retrying workflow execution",
			zap.Int("retry_attempt", retryCount+1),
			zap.Int("max_retries", maxRetries),
			zap.String("last_error", lastError),
		)

		timer := time.NewTimer(c.retryWait(retryCount))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	final := fmt.Sprintf("Workflow failed after %d retries: %s", maxRetries, lastError)
	return &RunResult{Success: false, Message: final, Context: c.execCtx}, nil
}

// workflowRetryWait is the backoff between whole-workflow retry attempts,
// capped at 30s.
func workflowRetryWait(retryCount int) time.Duration {
	wait := time.Duration(1<<uint(retryCount+1)) * time.Second
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}

// Reset prepares the coordinator for a fresh run. Registered stages and
// synthesizers are kept; execution state is discarded.
func (c *Coordinator) Reset() {
	c.executionID = ""
	c.execCtx = nil
	c.currentStageIndex = 0
	c.startTime = time.Time{}
	c.endTime = time.Time{}
	c.status = StatusUninitialized
}

// Status returns the coordinator lifecycle state.
func (c *Coordinator) Status() Status { return c.status }

// ExecutionID returns the current execution ID, empty before Initialize.
func (c *Coordinator) ExecutionID() string { return c.executionID }

// CurrentState reports the live execution state.
func (c *Coordinator) CurrentState() map[string]any {
	st := map[string]any{
		"execution_id":        c.executionID,
		"workflow_name":       c.workflowName,
		"status":              string(c.status),
		"current_stage_index": c.currentStageIndex,
		"total_stages":        len(c.stages),
	}
	if !c.startTime.IsZero() {
		st["execution_started"] = c.startTime.Format(time.RFC3339)
	}
	if !c.endTime.IsZero() {
		st["execution_ended"] = c.endTime.Format(time.RFC3339)
	}
	if c.execCtx != nil {
		st["context"] = cloneContext(c.execCtx)
	}
	return st
}

// StageStatus reports per-stage configuration and progress.
func (c *Coordinator) StageStatus() []map[string]any {
	out := make([]map[string]any, 0, len(c.stages))
	for i, s := range c.stages {
		out = append(out, map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"required":    s.Required,
			"retryable":   s.Retryable,
			"index":       i,
			"executed":    i < c.currentStageIndex,
		})
	}
	return out
}

// Summary reports the workflow configuration.
func (c *Coordinator) Summary() map[string]any {
	required, retryable := 0, 0
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		if s.Required {
			required++
		}
		if s.Retryable {
			retryable++
		}
		names = append(names, s.Name)
	}
	return map[string]any{
		"workflow_name":        c.workflowName,
		"total_stages":         len(c.stages),
		"required_stages":      required,
		"optional_stages":      len(c.stages) - required,
		"retryable_stages":     retryable,
		"non_retryable_stages": len(c.stages) - retryable,
		"stage_names":          names,
	}
}
