package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWaitClampBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := Policy{
			MaxRetries: rapid.IntRange(1, 10).Draw(t, "retries"),
			BaseDelay:  time.Duration(rapid.Int64Range(1, int64(5*time.Second)).Draw(t, "base")),
			MaxDelay:   time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(t, "max")),
		}
		attempt := rapid.IntRange(0, 62).Draw(t, "attempt")

		n := p.normalized()
		w := p.Wait(attempt)
		assert.GreaterOrEqual(t, w, n.BaseDelay)
		assert.LessOrEqual(t, w, n.MaxDelay)
	})
}

func TestWaitDoubles(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, 1*time.Second, p.Wait(0))
	assert.Equal(t, 2*time.Second, p.Wait(1))
	assert.Equal(t, 4*time.Second, p.Wait(2))
	assert.Equal(t, 8*time.Second, p.Wait(3))
	assert.Equal(t, 10*time.Second, p.Wait(4))
	assert.Equal(t, 10*time.Second, p.Wait(40))
}

func TestNormalizedZeroValue(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultPolicy(), p.normalized())
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleep(ctx, time.Minute)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExhaustedErrorUnwraps(t *testing.T) {
	cause := assert.AnError
	ex := &ExhaustedError{Attempts: 3, Err: cause}

	assert.ErrorIs(t, ex, cause)
	assert.Contains(t, ex.Error(), "retry exhausted after 3 attempts")
}
