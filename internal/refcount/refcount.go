// Package refcount provides the dual reference counting used by every
// shared driver object (contexts, queues, memory objects, events and
// programs).
//
// Each object carries an internal count, which governs destruction, and an
// api count, which mirrors only application-visible retain/release calls.
// The api count is always a subset of the internal count.
package refcount

import (
	"fmt"
	"sync/atomic"
)

var debugAssertions atomic.Bool

// SetDebug enables or disables invariant assertions. With assertions
// disabled, violations are left unchecked.
func SetDebug(enabled bool) {
	debugAssertions.Store(enabled)
}

// DebugEnabled reports whether invariant assertions are active.
func DebugEnabled() bool {
	return debugAssertions.Load()
}

// InvariantViolation is the panic value raised by a failed assertion.
type InvariantViolation struct {
	Msg string
}

func (v InvariantViolation) Error() string {
	return "refcount: invariant violated: " + v.Msg
}

// Assert panics with an InvariantViolation when cond is false and debug
// assertions are enabled.
func Assert(cond bool, format string, args ...interface{}) {
	if cond || !debugAssertions.Load() {
		return
	}
	panic(InvariantViolation{Msg: fmt.Sprintf(format, args...)})
}

// RefCounter is an atomic counter that reports the transition to zero.
type RefCounter struct {
	val atomic.Int32
}

// Inc increments the counter.
func (r *RefCounter) Inc() {
	v := r.val.Add(1)
	Assert(v > 0, "counter went negative on increment (%d)", v)
}

// Dec decrements the counter and returns true when this call brought it
// to zero. Exactly one caller observes true per transition.
func (r *RefCounter) Dec() bool {
	v := r.val.Add(-1)
	Assert(v >= 0, "counter went negative on decrement (%d)", v)
	return v == 0
}

// Peek returns the current value.
func (r *RefCounter) Peek() int32 {
	return r.val.Load()
}

func (r *RefCounter) set(v int32) {
	r.val.Store(v)
}
