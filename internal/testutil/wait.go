package testutil

import "time"

// TestingT is the subset of testing.TB used by the helpers.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// WaitFor polls condition every 10ms until it holds or timeout elapses.
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Never asserts that condition stays false for the whole duration.
func Never(t TestingT, condition func() bool, duration time.Duration, msgAndArgs ...any) bool {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if condition() {
			t.Errorf("condition unexpectedly held: %v", msgAndArgs)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
