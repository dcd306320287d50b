package sleepqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/clock"
	"github.com/pintosgo/corevm/internal/sleepqueue"
)

func TestTickWakesOnlyDueSleepers(t *testing.T) {
	q := sleepqueue.New()

	done10 := make(chan struct{})
	done20 := make(chan struct{})
	go func() {
		q.Sleep(10)
		close(done10)
	}()
	go func() {
		q.Sleep(20)
		close(done20)
	}()

	waitUntilLen(t, q, 2)

	clk := clock.NewSimulated(0)
	clk.Advance(10)
	q.Tick(clk)
	select {
	case <-done10:
	case <-time.After(time.Second):
		t.Fatal("sleeper due at tick 10 was not woken")
	}

	select {
	case <-done20:
		t.Fatal("sleeper due at tick 20 woke early")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(10)
	q.Tick(clk)
	select {
	case <-done20:
	case <-time.After(time.Second):
		t.Fatal("sleeper due at tick 20 was not woken")
	}

	assert.Equal(t, 0, q.Len())
}

func TestTickStopsAtFirstNotReadySleeper(t *testing.T) {
	q := sleepqueue.New()

	doneEarly := make(chan struct{})
	doneLate := make(chan struct{})
	go func() {
		q.Sleep(5)
		close(doneEarly)
	}()
	go func() {
		q.Sleep(100)
		close(doneLate)
	}()

	waitUntilLen(t, q, 2)

	clk := clock.NewSimulated(0)
	clk.Advance(5)
	q.Tick(clk)
	select {
	case <-doneEarly:
	case <-time.After(time.Second):
		t.Fatal("sleeper due at tick 5 was not woken")
	}
	require.Equal(t, 1, q.Len())

	select {
	case <-doneLate:
		t.Fatal("sleeper due at tick 100 must not have been woken by Tick(5)")
	default:
	}
}

func waitUntilLen(t *testing.T, q *sleepqueue.Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached length %d", n)
}
