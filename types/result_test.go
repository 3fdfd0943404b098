package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		failed  bool
		reason  string
	}{
		{
			name:    "clean payload",
			payload: map[string]any{"search_results": []string{"a"}, "search_count": 1},
			failed:  false,
		},
		{
			name:    "error string",
			payload: map[string]any{"error": "no queries provided"},
			failed:  true,
			reason:  "no queries provided",
		},
		{
			name:    "empty error string is falsy",
			payload: map[string]any{"error": ""},
			failed:  false,
		},
		{
			name:    "errors list joined",
			payload: map[string]any{"errors": []any{"missing field", "bad value"}},
			failed:  true,
			reason:  "missing field; bad value",
		},
		{
			name:    "failed flag",
			payload: map[string]any{"failed": true},
			failed:  true,
		},
		{
			name:    "failed false is falsy",
			payload: map[string]any{"failed": false},
			failed:  false,
		},
		{
			name:    "success false",
			payload: map[string]any{"success": false, "error_message": "upstream rejected payload"},
			failed:  true,
			reason:  "upstream rejected payload",
		},
		{
			name:    "success true",
			payload: map[string]any{"success": true},
			failed:  false,
		},
		{
			name:    "nil payload",
			payload: nil,
			failed:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := FromPayload(tt.payload)
			assert.Equal(t, tt.failed, r.Failed())
			if tt.reason != "" {
				assert.Equal(t, tt.reason, r.Reason())
			}
		})
	}
}

func TestResultConstructors(t *testing.T) {
	ok := Ok(map[string]any{"x": 1})
	assert.False(t, ok.Failed())
	assert.Equal(t, 1, ok.Payload()["x"])
	assert.Empty(t, ok.Reason())

	fail := Fail("broken")
	assert.True(t, fail.Failed())
	assert.Nil(t, fail.Payload())
	assert.Equal(t, "broken", fail.Reason())
}
