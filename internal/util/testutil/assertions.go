// Package testutil holds small helpers shared by the package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Background goroutines in the watcher and work-group manager settle
// well under a second; the generous ceiling keeps slow CI green.
const (
	waitTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

// AssertEventually polls condition until it holds or the shared
// timeout expires, recording a test failure on expiry.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}

// RequireEventually is AssertEventually but aborts the test on expiry.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitTimeout, pollInterval, msgAndArgs...)
}
