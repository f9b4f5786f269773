// Package activeop implements the shared completion future used to
// coalesce concurrent fetches for the same path (spec component C5).
//
// A single Op carries a caller-supplied target (the request payload)
// and a destructor for it. Any number of Refs may be created against
// the Op; the target is destroyed when the last Ref is released, and
// every waiter unblocks atomically when the producer calls
// SetComplete.
package activeop

import "sync"

// Op is a completion handle shared between one producer and any
// number of waiters. The zero value is not usable; construct with
// New.
type Op struct {
	target  interface{}
	destroy func(interface{})

	done     chan struct{}
	closeOne sync.Once

	mu   sync.Mutex
	refs int
}

// New creates an Op wrapping target. destroy, if non-nil, is invoked
// exactly once, when the last Ref referencing this Op is released.
func New(target interface{}, destroy func(interface{})) *Op {
	return &Op{
		target:  target,
		destroy: destroy,
		done:    make(chan struct{}),
	}
}

// Target returns the request payload the Op was constructed with.
func (o *Op) Target() interface{} {
	return o.target
}

// SetComplete releases every waiter blocked in WaitForCompletion. Safe
// to call more than once; only the first call has effect.
func (o *Op) SetComplete() {
	o.closeOne.Do(func() { close(o.done) })
}

// WaitForCompletion blocks until SetComplete has been called.
func (o *Op) WaitForCompletion() {
	<-o.done
}

// IsComplete reports whether SetComplete has already been called,
// without blocking.
func (o *Op) IsComplete() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *Op) addRef() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

func (o *Op) dropRef() {
	o.mu.Lock()
	o.refs--
	remaining := o.refs
	o.mu.Unlock()
	if remaining == 0 && o.destroy != nil {
		o.destroy(o.target)
	}
}

// Ref is an independently owned reference to an Op. Producer and
// consumer code paths each create their own Ref; the Op's target is
// destroyed only once every Ref created against it has been released.
type Ref struct {
	op       *Op
	released bool
	mu       sync.Mutex
}

// NewRef creates a new Ref against op, incrementing its refcount.
func NewRef(op *Op) *Ref {
	op.addRef()
	return &Ref{op: op}
}

// Op returns the Op this Ref points to.
func (r *Ref) Op() *Op {
	return r.op
}

// WaitForCompletion blocks until the underlying Op completes.
func (r *Ref) WaitForCompletion() {
	r.op.WaitForCompletion()
}

// Release drops this Ref's claim on the Op. Only the first call per Ref
// has effect; a second call is a no-op rather than a double-free, since
// callers in this codebase sometimes release defensively on error
// paths that may already have released.
func (r *Ref) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.op.dropRef()
}
