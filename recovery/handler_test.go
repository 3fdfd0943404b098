package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/reportflow/types"
)

// fastPolicy keeps test backoff in the microsecond range.
func fastPolicy(maxRetries int) Policy {
	return Policy{MaxRetries: maxRetries, BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Strategy
	}{
		{"structured connection", types.NewError(types.ErrConnection, "dial tcp refused"), StrategyRetry},
		{"structured timeout", types.NewError(types.ErrTimeout, "deadline"), StrategyRetry},
		{"structured rate limit", types.NewError(types.ErrRateLimit, "429"), StrategyRetry},
		{"structured validation", types.NewError(types.ErrValidation, "bad industry"), StrategyDegrade},
		{"structured missing key", types.NewError(types.ErrMissingKey, "no field"), StrategyDegrade},
		{"validation overrides retryable flag", types.NewError(types.ErrValidation, "bad").WithRetryable(true), StrategyDegrade},
		{"opaque transient text", errors.New("upstream connection error: reset"), StrategyRetry},
		{"opaque rate limit text", errors.New("Rate Limit exceeded"), StrategyRetry},
		{"opaque unknown", errors.New("something odd happened"), StrategyRetryCautious},
		{"wrapped structured", fmt.Errorf("stage failed: %w", types.NewError(types.ErrValidation, "bad")), StrategyDegrade},
		{"exhausted wrapping transient", &ExhaustedError{Attempts: 3, Err: types.NewError(types.ErrTimeout, "deadline")}, StrategyRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestExecuteWithRetryExhaustsBudget(t *testing.T) {
	h := NewHandler(fastPolicy(3), true, zap.NewNop())

	calls := 0
	_, err := h.ExecuteWithRetry(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, types.NewError(types.ErrConnection, "dial refused")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
}

func TestExecuteWithRetryStopsOnNonRetryable(t *testing.T) {
	h := NewHandler(fastPolicy(5), true, zap.NewNop())

	calls := 0
	_, err := h.ExecuteWithRetry(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, types.NewError(types.ErrValidation, "bad input")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var ex *ExhaustedError
	assert.False(t, errors.As(err, &ex), "non-retryable failures are not wrapped as exhaustion")
}

func TestExecuteWithRetryCautiousCap(t *testing.T) {
	h := NewHandler(fastPolicy(5), true, zap.NewNop())

	calls := 0
	_, err := h.ExecuteWithRetry(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("unrecognized failure mode")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, cautiousAttempts, calls)
}

func TestExecuteWithRetrySucceedsMidBudget(t *testing.T) {
	h := NewHandler(fastPolicy(4), true, zap.NewNop())

	calls := 0
	result, err := h.ExecuteWithRetry(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, types.NewError(types.ErrTimeout, "deadline exceeded")
		}
		return map[string]any{"ok": true}, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, true, result["ok"])
}

func TestExecuteWithGracefulDegradationFallsBack(t *testing.T) {
	h := NewHandler(fastPolicy(3), true, zap.NewNop())
	fallback := map[string]any{"degraded": true}

	got := h.ExecuteWithGracefulDegradation(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}, nil, fallback)
	assert.Equal(t, fallback, got)

	got = h.ExecuteWithGracefulDegradation(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"real": 1}, nil
	}, nil, fallback)
	assert.Equal(t, map[string]any{"real": 1}, got)
}

func TestAttemptStageExecutionDegradesNonRetryable(t *testing.T) {
	h := NewHandler(fastPolicy(3), true, zap.NewNop())

	var sawFallbackMode bool
	ok, msg, result, retries := h.AttemptStageExecution(context.Background(), func(ctx context.Context, sc map[string]any) (map[string]any, error) {
		if fb, _ := sc["fallback_mode"].(bool); fb {
			sawFallbackMode = true
			return map[string]any{"partial": true}, nil
		}
		return nil, types.NewError(types.ErrValidation, "industry not supported")
	}, "partnership_analysis", "data_extraction", map[string]any{"stage_index": 2})

	assert.True(t, ok)
	assert.True(t, sawFallbackMode)
	assert.Equal(t, 0, retries, "non-retryable failures never consume retries")
	assert.Contains(t, msg, "stage completed with fallback")
	assert.Contains(t, msg, "non-retryable error in workflow partnership_analysis stage data_extraction")
	assert.Equal(t, map[string]any{"partial": true}, result)
}

func TestAttemptStageExecutionNilFallbackIsSoftSuccess(t *testing.T) {
	h := NewHandler(fastPolicy(2), true, zap.NewNop())

	ok, msg, result, _ := h.AttemptStageExecution(context.Background(), func(ctx context.Context, sc map[string]any) (map[string]any, error) {
		if fb, _ := sc["fallback_mode"].(bool); fb {
			return nil, nil
		}
		return nil, types.NewError(types.ErrTypeMismatch, "expected mapping")
	}, "wf", "csv_export", nil)

	assert.True(t, ok, "a nil fallback result still counts as soft success")
	assert.Contains(t, msg, "fallback")
	assert.Nil(t, result)
}

func TestAttemptStageExecutionDegradationDisabled(t *testing.T) {
	h := NewHandler(fastPolicy(2), false, zap.NewNop())

	calls := 0
	ok, msg, result, _ := h.AttemptStageExecution(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, types.NewError(types.ErrValidation, "bad input")
	}, "wf", "query_generation", nil)

	assert.False(t, ok)
	assert.Contains(t, msg, "non-retryable error")
	assert.Nil(t, result)
	assert.Equal(t, 1, calls, "no fallback invocation with degradation disabled")
}

func TestAttemptStageExecutionManualRetryRecoveryContext(t *testing.T) {
	h := NewHandler(fastPolicy(2), true, zap.NewNop())

	var recoveryCtx map[string]any
	ok, msg, result, retries := h.AttemptStageExecution(context.Background(), func(ctx context.Context, sc map[string]any) (map[string]any, error) {
		if _, manual := sc["retry_strategy"]; manual {
			recoveryCtx = sc
			return map[string]any{"recovered": true}, nil
		}
		return nil, types.NewError(types.ErrConnection, "connection error")
	}, "wf", "web_search", map[string]any{"stage_index": 1})

	assert.True(t, ok)
	assert.Equal(t, "stage completed after retry", msg)
	assert.Equal(t, true, result["recovered"])
	assert.Equal(t, 2, retries, "one backoff retry plus the manual one")

	require.NotNil(t, recoveryCtx)
	assert.Equal(t, "exponential_backoff", recoveryCtx["retry_strategy"])
	assert.Equal(t, 2, recoveryCtx["max_retries"])
	assert.Contains(t, recoveryCtx["error_message"], "connection error")
	assert.NotEmpty(t, recoveryCtx["retry_timestamp"])
	assert.Equal(t, 1, recoveryCtx["stage_index"], "original context keys survive enrichment")
}

func TestAttemptStageExecutionHardFailureAfterManualRetry(t *testing.T) {
	h := NewHandler(fastPolicy(2), true, zap.NewNop())

	calls := 0
	ok, msg, result, retries := h.AttemptStageExecution(context.Background(), func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		calls++
		return nil, types.NewError(types.ErrServiceUnavailable, "service unavailable")
	}, "wf", "pdf_rendering", nil)

	assert.False(t, ok)
	assert.Contains(t, msg, "retryable error in workflow wf stage pdf_rendering")
	assert.Contains(t, msg, "retry failed")
	assert.Nil(t, result)
	// policy budget (2) plus the single manual retry
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}
