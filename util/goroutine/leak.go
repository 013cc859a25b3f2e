package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks fails the test if the goroutine count has not returned to its
// starting value within timeout after the test finishes. Call it first.
func AssertNoLeaks(t testing.TB, timeout time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for {
			current := runtime.NumGoroutine()
			if current <= before {
				return
			}
			if time.Now().After(deadline) {
				buf := make([]byte, 1<<16)
				n := runtime.Stack(buf, true)
				t.Errorf("goroutine leak: before=%d after=%d\n%s", before, current, buf[:n])
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	})
}
