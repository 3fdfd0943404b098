package types

import (
	"fmt"
	"reflect"
	"strings"
)

// Result is the discriminated outcome of a stage execution: either Ok with a
// payload, or Fail with a reason. New stage authors should construct Results
// directly; FromPayload exists only to adapt legacy map payloads at the
// boundary.
type Result struct {
	payload map[string]any
	reason  string
	failed  bool
}

// Ok returns a successful Result carrying the given payload.
func Ok(payload map[string]any) Result {
	return Result{payload: payload}
}

// Fail returns a failed Result with the given reason.
func Fail(reason string) Result {
	return Result{reason: reason, failed: true}
}

// Failed reports whether the result represents a failure.
func (r Result) Failed() bool { return r.failed }

// Payload returns the payload of a successful result. Nil for failures.
func (r Result) Payload() map[string]any { return r.payload }

// Reason returns the failure reason. Empty for successful results.
func (r Result) Reason() string { return r.reason }

// Failure-indicator keys recognized in legacy stage payloads.
var failureIndicators = []string{"error", "errors", "failed", "success"}

// FromPayload adapts a legacy map payload into a Result by inspecting it for
// failure indicators: an "error"/"errors"/"failed" key with a truthy value,
// or "success" set to false. Payloads without indicators are Ok.
func FromPayload(payload map[string]any) Result {
	if payload == nil {
		return Ok(nil)
	}
	for _, indicator := range failureIndicators {
		value, present := payload[indicator]
		if !present {
			continue
		}
		if indicator == "success" {
			if b, ok := value.(bool); ok && !b {
				return Fail(extractReason(payload))
			}
			continue
		}
		if truthy(value) {
			return Fail(extractReason(payload))
		}
	}
	return Ok(payload)
}

// extractReason pulls a human-readable failure message out of a legacy
// payload, joining error lists with "; ".
func extractReason(payload map[string]any) string {
	for _, field := range []string{"error", "errors", "error_message"} {
		value, present := payload[field]
		if !present || !truthy(value) {
			continue
		}
		if list, ok := value.([]any); ok {
			parts := make([]string, 0, len(list))
			for _, item := range list {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, "; ")
		}
		if list, ok := value.([]string); ok {
			return strings.Join(list, "; ")
		}
		return fmt.Sprint(value)
	}
	return "stage returned a failure indicator without a message"
}

// truthy mirrors the loose truthiness the legacy payload contract relies on:
// nil, false, zero numbers, empty strings, and empty collections are falsy.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
