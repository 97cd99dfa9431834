// Package bootstrap provides the one-time startup gate of the interposition
// layer: a routine that runs exactly once across all goroutines, with support
// for reentrant calls made by the routine itself.
package bootstrap

import (
	"runtime"
	"sync/atomic"
)

// States of the startup sequence; transitions are strictly forward and never
// revisited.
const (
	notStarted uint32 = iota
	inProgress
	ready
)

// Once guards a startup routine so that it runs at most once per process.
//
// It differs from sync.Once in two ways that the interposition layer depends
// on. First, calls made from within the routine itself return immediately
// instead of deadlocking; the routine establishes the control channel of the
// fast path stack, and doing so goes through the very socket calls that are
// guarded by Ensure. Second, a routine failure is not surfaced to callers, it
// terminates the process through the fail handler; there is no safe degraded
// mode for a half-initialized fallback table.
type Once struct {
	state  atomic.Uint32
	claims atomic.Uint32
	owner  atomic.Int64
	run    func() error
	fail   func(error)
}

// New constructs a Once running the given routine. The fail handler receives
// the routine's error and must not return; passing nil installs a handler
// that panics.
func New(run func() error, fail func(error)) *Once {
	if fail == nil {
		fail = func(err error) { panic(err) }
	}
	return &Once{run: run, fail: fail}
}

// Ensure blocks until the startup routine has completed, running it on the
// calling goroutine if no other goroutine got there first.
//
// The atomic store of the ready state is ordered after every write made by
// the routine, and the load below is ordered before any read performed by the
// caller; a caller that observes the ready state therefore also observes the
// fully initialized results of the routine.
func (o *Once) Ensure() {
	if o.state.Load() == ready {
		return
	}

	// Calls issued by the startup routine itself pass straight through; the
	// routine handles them against the native implementations resolved before
	// it started.
	gid := goid()
	if o.owner.Load() == gid {
		return
	}

	if o.claims.Add(1) == 1 {
		o.state.Store(inProgress)
		o.owner.Store(gid)
		err := o.run()
		o.owner.Store(0)
		if err != nil {
			o.fail(err)
			panic("bootstrap: fail handler returned")
		}
		o.state.Store(ready)
	} else {
		for o.state.Load() != ready {
			runtime.Gosched()
		}
	}
}

// Ready reports whether the startup routine has completed.
func (o *Once) Ready() bool {
	return o.state.Load() == ready
}
