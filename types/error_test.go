package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRetryableDefaults(t *testing.T) {
	assert.True(t, NewError(ErrConnection, "dial failed").Retryable)
	assert.True(t, NewError(ErrTimeout, "deadline exceeded").Retryable)
	assert.True(t, NewError(ErrRateLimit, "throttled").Retryable)
	assert.False(t, NewError(ErrValidation, "bad industry").Retryable)
	assert.False(t, NewError(ErrMissingKey, "no such field").Retryable)

	e := NewError(ErrConnection, "dial failed").WithRetryable(false)
	assert.False(t, IsRetryable(e))
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	e := NewError(ErrConnection, "connection error").WithCause(cause).WithStage("web_search")

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "CONNECTION")
	assert.Contains(t, e.Error(), "socket closed")
	assert.Equal(t, ErrConnection, GetErrorCode(e))
	assert.Equal(t, "web_search", e.Stage)

	assert.Equal(t, ErrorCode(""), GetErrorCode(cause))
	assert.False(t, IsRetryable(cause))
}
