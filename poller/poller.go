package poller

import (
	"testing"
	"time"
)

// WaitFor continuously calls poll until check returns true. It then polls for
// a little longer to make sure that poll still returns a value v such that check(v)
// is true. If the condition never happens, or the condition becomes true
// and then false, it invokes t.Fatal.
//
// If poll returns an error, WaitFor calls Fatal.
//
// WaitFor returns the last value that poll returned.
func WaitFor[T any](t *testing.T, timeout time.Duration, poll func() (T, error), check func(T) bool) T {
	t.Helper()
	const settle = 3
	const tick = time.Millisecond
	deadline := time.Now().Add(timeout)
	stable := 0
	var last T
	for {
		v, err := poll()
		if err != nil {
			t.Fatalf("poller.WaitFor: poll returned an error: %v", err)
		}
		last = v
		if check(v) {
			stable++
			if stable >= settle {
				return last
			}
		} else {
			if stable > 0 {
				t.Fatalf("poller.WaitFor: condition became true then false again (got %v)", v)
			}
			if time.Now().After(deadline) {
				t.Fatalf("poller.WaitFor: condition never became true within %s (last value %v)", timeout, v)
			}
		}
		time.Sleep(tick)
	}
}
