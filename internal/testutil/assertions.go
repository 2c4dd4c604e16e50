package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorType asserts that actual wraps expected.
func AssertErrorType(t *testing.T, expected, actual error) {
	t.Helper()

	require.Error(t, actual, "expected an error")
	assert.ErrorIs(t, actual, expected, "error type should match")
}

// AssertNever asserts that a condition is never true within a duration.
func AssertNever(t *testing.T, condition func() bool, duration, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(duration)

	for {
		if condition() {
			assert.Fail(t, "condition became true unexpectedly", msgAndArgs...)
			return
		}

		if time.Now().After(deadline) {
			return
		}

		time.Sleep(tick)
	}
}
