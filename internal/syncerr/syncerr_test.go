package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndKindOf(t *testing.T) {
	cause := errors.New("HTTP 429")
	err := WithRetryAfter(Throttled, cause, 30)

	assert.True(t, Is(err, Throttled))
	assert.False(t, Is(err, NotFound))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, Throttled, kind)
	assert.Equal(t, float64(30), err.RetryAfter)
}

func TestWrappedErrorStillClassifies(t *testing.T) {
	base := New(CapacityExhausted, errors.New("MaximumActiveTasksInProject"))
	wrapped := fmt.Errorf("create task: %w", base)

	assert.True(t, Is(wrapped, CapacityExhausted))
	assert.True(t, CapacityExhausted.Terminal())
}

func TestHaltsWrites(t *testing.T) {
	assert.True(t, ConsentRequired.HaltsWrites())
	assert.True(t, BadCredentials.HaltsWrites())
	assert.False(t, Throttled.HaltsWrites())
}

func TestKindOfNonClassifiedError(t *testing.T) {
	_, ok := KindOf(errors.New("plain error"))
	assert.False(t, ok)
}
