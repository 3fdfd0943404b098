package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WorkFunc is the opaque unit of work the engine retries and degrades. It
// receives the stage-scoped context map and returns a payload or an error.
type WorkFunc func(ctx context.Context, stageCtx map[string]any) (map[string]any, error)

// Handler applies the retry policy and graceful-degradation fallback to
// stage executions on behalf of the coordinator.
type Handler struct {
	policy             Policy
	degradationEnabled bool
	logger             *zap.Logger
	clock              func() time.Time
}

// NewHandler creates a Handler with the given policy. degradationEnabled
// controls the graceful-degradation fallback for non-retryable failures;
// with it disabled such failures become hard stage failures.
func NewHandler(policy Policy, degradationEnabled bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		policy:             policy.normalized(),
		degradationEnabled: degradationEnabled,
		logger:             logger.With(zap.String("component", "recovery")),
		clock:              time.Now,
	}
}

// Policy returns the handler's retry policy.
func (h *Handler) Policy() Policy { return h.policy }

// ExecuteWithRetry runs fn under the retry policy. Retryable failures are
// retried with exponential backoff up to the attempt budget (unclassified
// failures get a reduced budget); non-retryable failures return immediately.
// When the budget runs out the final failure is wrapped as an ExhaustedError.
func (h *Handler) ExecuteWithRetry(ctx context.Context, fn WorkFunc, stageCtx map[string]any) (map[string]any, error) {
	result, _, err := h.executeWithRetry(ctx, fn, stageCtx)
	return result, err
}

// executeWithRetry additionally reports how many retry attempts were made
// beyond the first invocation, so callers can account for them.
func (h *Handler) executeWithRetry(ctx context.Context, fn WorkFunc, stageCtx map[string]any) (map[string]any, int, error) {
	budget := h.policy.MaxRetries
	var lastErr error
	retries := 0

	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			delay := h.policy.Wait(attempt - 1)
			h.logger.Debug("retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Int("budget", budget),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, retries, fmt.Errorf("retry cancelled: %w", err)
			}
			retries++
		}

		result, err := fn(ctx, stageCtx)
		if err == nil {
			if attempt > 0 {
				h.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, retries, nil
		}
		lastErr = err

		switch Classify(err) {
		case StrategyDegrade:
			return nil, retries, err
		case StrategyRetryCautious:
			if budget > cautiousAttempts {
				budget = cautiousAttempts
			}
		}
	}

	return nil, retries, &ExhaustedError{Attempts: budget, Err: lastErr}
}

// ExecuteWithGracefulDegradation runs fn and returns fallback on any error,
// logging the failure instead of propagating it.
func (h *Handler) ExecuteWithGracefulDegradation(ctx context.Context, fn WorkFunc, stageCtx map[string]any, fallback map[string]any) map[string]any {
	result, err := fn(ctx, stageCtx)
	if err != nil {
		h.logger.Warn("execution failed, returning fallback value",
			zap.Error(err),
			zap.Any("fallback", fallback),
		)
		return fallback
	}
	return result
}

// AttemptStageExecution executes a stage function with the full recovery
// ladder: policy-driven retry first, then classification of the final
// failure. Non-retryable failures fall back to a degraded re-invocation with
// fallback_mode injected into the context (any non-error result, even an
// empty one, counts as soft success). Retryable failures get one additional
// manual retry with an enriched recovery context before the stage is marked
// failed. No error ever propagates to the caller; the final int reports how
// many retry invocations the stage consumed (backoff retries plus the manual
// one), for the caller's metrics.
func (h *Handler) AttemptStageExecution(ctx context.Context, fn WorkFunc, workflowName, stageName string, stageCtx map[string]any) (bool, string, map[string]any, int) {
	result, retries, err := h.executeWithRetry(ctx, fn, stageCtx)
	if err == nil {
		return true, "", result, retries
	}

	strategy := Classify(err)
	var msg string
	switch strategy {
	case StrategyDegrade:
		msg = fmt.Sprintf("non-retryable error in workflow %s stage %s: %v", workflowName, stageName, err)
	case StrategyRetry:
		msg = fmt.Sprintf("retryable error in workflow %s stage %s: %v", workflowName, stageName, err)
	default:
		msg = fmt.Sprintf("unexpected error in workflow %s stage %s: %v", workflowName, stageName, err)
	}

	h.logger.Error("execution_error",
		zap.String("workflow_name", workflowName),
		zap.String("stage_name", stageName),
		zap.String("recovery_strategy", strategy.String()),
		zap.Error(err),
	)

	if strategy == StrategyDegrade {
		if !h.degradationEnabled {
			return false, msg, nil, retries
		}
		h.logger.Info("attempting graceful degradation for stage",
			zap.String("workflow_name", workflowName),
			zap.String("stage_name", stageName),
		)
		fallbackCtx := h.fallbackContext(err, stageCtx)
		fallbackResult := h.ExecuteWithGracefulDegradation(ctx, fn, fallbackCtx, nil)
		return true, fmt.Sprintf("stage completed with fallback: %s", msg), fallbackResult, retries
	}

	// Retryable (or cautiously retryable): one direct manual retry with an
	// enriched recovery context before giving up.
	h.logger.Info("attempting manual retry with recovery context",
		zap.String("workflow_name", workflowName),
		zap.String("stage_name", stageName),
	)
	retries++
	retryResult, retryErr := fn(ctx, h.recoveryContext(err, stageCtx))
	if retryErr == nil {
		return true, "stage completed after retry", retryResult, retries
	}
	h.logger.Error("manual retry failed",
		zap.String("workflow_name", workflowName),
		zap.String("stage_name", stageName),
		zap.Error(retryErr),
	)
	return false, fmt.Sprintf("%s; retry failed: %v", msg, retryErr), nil, retries
}

// recoveryContext builds the enriched context for the manual-retry path.
// It is logged and passed to the stage function, never persisted standalone.
func (h *Handler) recoveryContext(err error, stageCtx map[string]any) map[string]any {
	rc := cloneContext(stageCtx)
	rc["retry_strategy"] = "exponential_backoff"
	rc["max_retries"] = h.policy.MaxRetries
	rc["retry_delay_base"] = h.policy.BaseDelay.Seconds()
	rc["retry_delay_max"] = h.policy.MaxDelay.Seconds()
	rc["error_type"] = errorType(err)
	rc["error_message"] = err.Error()
	rc["retry_timestamp"] = h.clock().UTC().Format(time.RFC3339)
	return rc
}

// fallbackContext builds the context for the graceful-degradation path,
// signalling fallback_mode to the stage function.
func (h *Handler) fallbackContext(err error, stageCtx map[string]any) map[string]any {
	fc := cloneContext(stageCtx)
	fc["fallback_mode"] = true
	fc["fallback_strategy"] = "graceful_degradation"
	fc["error_type"] = errorType(err)
	fc["error_message"] = err.Error()
	fc["fallback_timestamp"] = h.clock().UTC().Format(time.RFC3339)
	return fc
}

func cloneContext(m map[string]any) map[string]any {
	c := make(map[string]any, len(m)+8)
	for k, v := range m {
		c[k] = v
	}
	return c
}

func errorType(err error) string {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		err = ex.Err
	}
	return fmt.Sprintf("%T", err)
}
