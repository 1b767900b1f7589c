package test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	WaitDuration = 2 * time.Second
	WaitTick     = 100 * time.Millisecond
)

// TryTilCountIs - checks condition after each tick until condition returns true or count is equal to cnt in which case
// the test fails.
// Prefer this helper to require.Eventually when test timeout is small or close to tick timeout.
func TryTilCountIs(t testing.TB, condition func() bool, cnt uint64, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	ch := make(chan bool, 1)

	count := uint64(0)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for tick := ticker.C; ; {
		select {
		case <-tick:
			tick = nil
			go func() { ch <- condition() }()
		case v := <-ch:
			if v {
				return
			}
			if count++; count >= cnt {
				assert.Fail(t, "Condition never satisfied", msgAndArgs...)
				t.FailNow()
			}
			tick = ticker.C
		}
	}
}

/*
RecvWithin reads single value from "ch" and fails the test when nothing
arrives within "timeout" or the channel is closed.
*/
func RecvWithin[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for value")
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("no value received within %s", timeout)
	}
	var zero T
	return zero
}

// NoRecvWithin fails the test when a value arrives from "ch" within "d".
func NoRecvWithin[T any](t testing.TB, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value received: %v", v)
		}
	case <-time.After(d):
	}
}
