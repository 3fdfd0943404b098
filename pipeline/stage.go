package pipeline

import "context"

// Context is the shared execution context flowing through the pipeline.
// Stages read their inputs from it and their results are merged back in.
type Context = map[string]any

// StageFunc is the work function of a single stage. It receives a stage-
// scoped copy of the execution context and returns its result payload.
type StageFunc func(ctx context.Context, stageCtx Context) (map[string]any, error)

// Stage describes one pipeline stage.
type Stage struct {
	// Name uniquely identifies the stage within the pipeline.
	Name string
	// Func is the work function.
	Func StageFunc
	// Description is a human-readable summary, injected into the stage
	// context.
	Description string
	// Required marks stages whose failure can fail the whole run.
	// Optional stages log their failure and the run continues.
	Required bool
	// Retryable marks the stage as safe to re-invoke. The flag is
	// surfaced to the stage context and the summary.
	Retryable bool
	// SuccessKey optionally names a boolean payload field that must not
	// be false for the stage to count as completed, in addition to the
	// generic failure indicators.
	SuccessKey string
}

// cloneContext returns a shallow copy.
func cloneContext(c Context) Context {
	out := make(Context, len(c)+8)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ctxInt reads an int counter from the context, tolerating earlier float
// values from JSON round-trips.
func ctxInt(c Context, key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
