package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks checks that the goroutine count returns to baseline within a deadline.
func AssertNoGoroutineLeaks(t testing.TB, baseline int, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		current := runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d", baseline, runtime.NumGoroutine(), margin)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", timeout, what)
		}
		time.Sleep(time.Millisecond)
	}
}
