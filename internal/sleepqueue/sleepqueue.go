// Package sleepqueue implements a tick-ordered sleeper list: callers
// register a wake tick and block until the clock reaches it, generalizing
// a fixed-period polling loop into per-sleeper deadlines drained off an
// ordered list, driven by an internal/clock.Clock tick source instead of
// wall-clock time so tests can advance ticks deterministically.
package sleepqueue

import (
	"sort"
	"sync"

	"github.com/pintosgo/corevm/internal/clock"
)

// Queue is a single ordered-by-wake-time list of sleepers, standing in for
// the original's interrupt-disabled list: the queue's own mutex is never
// held while calling out of this package, matching "no other lock may be
// acquired while interrupts are disabled".
type Queue struct {
	mu sync.Mutex
	sleepers []*sleeper
}

type sleeper struct {
	wake uint64
	ch chan struct{}
}

// New returns an empty sleep queue.
func New() *Queue {
	return &Queue{}
}

// Sleep blocks the calling goroutine until the queue's Tick has been called
// with now >= wake, mirroring sleep(ticks)'s ordered-insert-then-down. wake
// is the absolute tick at which the sleeper becomes ready, computed by the
// caller as now+ticks.
func (q *Queue) Sleep(wake uint64) {
	s := &sleeper{wake: wake, ch: make(chan struct{})}

	q.mu.Lock()
	i := sort.Search(len(q.sleepers), func(i int) bool { return q.sleepers[i].wake > wake })
	q.sleepers = append(q.sleepers, nil)
	copy(q.sleepers[i+1:], q.sleepers[i:])
	q.sleepers[i] = s
	q.mu.Unlock()

	<-s.ch
}

// Tick wakes every sleeper whose wake tick is <= clk's current tick count.
// Because the list is kept in wake order, it stops at the first sleeper
// that is not yet ready.
func (q *Queue) Tick(clk clock.Clock) {
	now := clk.Ticks()
	q.mu.Lock()
	i := 0
	for i < len(q.sleepers) && q.sleepers[i].wake <= now {
		i++
	}
	ready := q.sleepers[:i]
	q.sleepers = q.sleepers[i:]
	q.mu.Unlock()

	for _, s := range ready {
		close(s.ch)
	}
}

// Len returns the number of sleepers currently waiting, for tests and
// diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sleepers)
}
