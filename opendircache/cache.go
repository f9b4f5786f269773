// Package opendircache implements the process-wide path -> OpenDir
// cache (spec component C4), including the single-creator-per-path
// guarantee built on activeop.Op.
package opendircache

import (
	"sync"

	"github.com/robertprovine/SilverKing/lib/activeop"
	"github.com/robertprovine/SilverKing/opendir"
)

// Result reports which of the four outcomes read produced, per
// spec.md section 4.2.
type Result int

const (
	// Found means an already-complete OpenDir was present.
	Found Result = iota
	// ActiveOpExisting means another goroutine is already creating
	// this entry; the caller gets a Ref to wait on.
	ActiveOpExisting
	// ActiveOpCreated means this call is the one responsible for
	// running the factory and completing the op.
	ActiveOpCreated
	// ErrorCode means, from Read, that this call's factory failed
	// and left no entry behind; from ReadNoOpCreation, that no
	// complete entry is resident for the path.
	ErrorCode
)

func (r Result) String() string {
	switch r {
	case Found:
		return "FOUND"
	case ActiveOpExisting:
		return "ACTIVE_OP_EXISTING"
	case ActiveOpCreated:
		return "ACTIVE_OP_CREATED"
	case ErrorCode:
		return "ERROR_CODE"
	default:
		return "UNKNOWN"
	}
}

// Factory builds a new OpenDir for path. Returning a non-nil error
// leaves no entry behind: a later read starts over.
type Factory func(path string) (*opendir.OpenDir, error)

type entry struct {
	od *opendir.OpenDir
	op *activeop.Op // non-nil while creation is in flight
}

// Cache is the path -> OpenDir map. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Read implements the cache's single read entry point. The caller's
// factory is invoked synchronously but with the cache's lock released
// first, since it may block on a KVS round trip; an activeop.Op is
// installed before the lock is dropped so any concurrent reader for
// the same path observes the in-flight op instead of racing its own
// factory call.
//
// On ActiveOpCreated the returned *opendir.OpenDir is the newly
// created one and ref is nil: this caller has no completion to wait
// on, it performed the creation itself. On ActiveOpExisting od is nil
// and ref is the Ref to wait on. On Found od is populated and ref is
// nil. On ErrorCode both are nil and err is non-nil.
func (c *Cache) Read(path string, factory Factory) (Result, *opendir.OpenDir, *activeop.Ref, error) {
	c.mu.Lock()

	if e, ok := c.entries[path]; ok {
		if e.op != nil {
			ref := activeop.NewRef(e.op)
			c.mu.Unlock()
			return ActiveOpExisting, nil, ref, nil
		}
		od := e.od
		c.mu.Unlock()
		return Found, od, nil, nil
	}

	// No destroy callback: eviction on failure is handled explicitly
	// below, and a successfully created entry must survive its waiters'
	// Refs being released, not disappear with them.
	e := &entry{}
	e.op = activeop.New(e, nil)
	c.entries[path] = e
	c.mu.Unlock()

	od, err := factory(path)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, path)
		c.mu.Unlock()
		e.op.SetComplete()
		return ErrorCode, nil, nil, err
	}
	e.od = od
	e.op.SetComplete()
	e.op = nil
	c.mu.Unlock()

	return ActiveOpCreated, od, nil, nil
}

// ReadNoOpCreation returns Found or ErrorCode only: it never starts a
// new creation and never waits on one in flight (an in-flight creation
// reports ErrorCode). Used by callers (e.g.
// the 10s reconciliation sweep) that want to act on whatever's
// already resident without paying for a cache miss.
func (c *Cache) ReadNoOpCreation(path string) (Result, *opendir.OpenDir) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || e.op != nil {
		return ErrorCode, nil
	}
	return Found, e.od
}

// Store installs od under path, provided no entry already exists
// there (in flight or complete). Returns false without modifying the
// cache if an entry is already present.
func (c *Cache) Store(path string, od *opendir.OpenDir) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[path]; ok {
		return false
	}
	c.entries[path] = &entry{od: od}
	return true
}

// RemoveActiveOp forcibly clears an in-flight creation for path,
// completing its Op so existing waiters unblock. The entry is removed,
// so a following ReadNoOpCreation for path reports ErrorCode.
func (c *Cache) RemoveActiveOp(path string) {
	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok || e.op == nil {
		c.mu.Unlock()
		return
	}
	delete(c.entries, path)
	op := e.op
	c.mu.Unlock()
	op.SetComplete()
}

// Remove evicts path unconditionally.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Len reports how many paths the cache currently tracks, complete or
// in flight.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
