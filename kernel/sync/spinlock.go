// Package sync provides the spinlock used to guard kernel state that outlives
// the single-threaded boot sequence.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked after attemptsBeforeYielding failed acquisition
	// attempts. The kernel has no scheduler so it stays nil and the lock
	// keeps spinning; tests swap in runtime.Gosched.
	yieldFn func()
)

// attemptsBeforeYielding defines how many times Acquire retries before
// calling yieldFn.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, attemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock spins on state until it can be flipped from 0 to 1.
// Between attempts it only reads the lock word so the cache line is not
// bounced around while another task holds the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}
