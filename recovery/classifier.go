package recovery

import (
	"errors"
	"strings"

	"github.com/BaSui01/reportflow/types"
)

// Strategy is the recovery strategy chosen for a classified failure.
type Strategy int

const (
	// StrategyRetry applies the full exponential-backoff retry budget.
	StrategyRetry Strategy = iota
	// StrategyDegrade skips retries and falls back to graceful degradation.
	StrategyDegrade
	// StrategyRetryCautious retries an unclassified failure with a reduced
	// attempt budget.
	StrategyRetryCautious
)

// cautiousAttempts is the attempt cap for unclassified failures.
const cautiousAttempts = 2

func (s Strategy) String() string {
	switch s {
	case StrategyRetry:
		return "retry"
	case StrategyDegrade:
		return "graceful_degradation"
	default:
		return "retry_with_caution"
	}
}

// Classify maps an error to a recovery strategy. Structured errors are
// classified by code family; opaque errors fall back to a textual match
// against known transient signatures, and anything still unrecognized is
// retried with caution.
func Classify(err error) Strategy {
	var se *types.Error
	if errors.As(err, &se) {
		switch se.Code {
		case types.ErrValidation, types.ErrTypeMismatch, types.ErrMissingKey:
			return StrategyDegrade
		}
		if se.Retryable {
			return StrategyRetry
		}
		return StrategyDegrade
	}
	if IsTransientMessage(err.Error()) {
		return StrategyRetry
	}
	return StrategyRetryCautious
}

// transientSignatures is the fixed substring list used to recognize
// transient infrastructure failures from opaque error text. Third-party
// stage functions surface errors as plain text, so the textual match stays
// alongside the structural classification above.
var transientSignatures = []string{
	"connection error",
	"timeout",
	"network",
	"temporary failure",
	"service unavailable",
	"rate limit",
	"api error",
	"retryerror",
}

// IsTransientMessage reports whether an error message textually matches one
// of the known transient-failure signatures.
func IsTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
