// Package opendir implements the per-path mutable directory state
// (spec component C3): the current merged DirData, pending local
// updates, version bookkeeping, and the needs-reconciliation hint.
package opendir

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertprovine/SilverKing/dirdata"
	"github.com/robertprovine/SilverKing/reconciliation"
)

// Metadata describes the remote metadata accompanying a fetched
// DirData, the Go-native form of the KVS's per-key metadata (spec.md
// section 6).
type Metadata struct {
	Version   uint64
	CreatorID string
}

// OpenDir is the central mutable per-path directory object. All
// exported methods are safe for concurrent use. The mutex is a plain
// sync.Mutex: spec.md's source required a recursive mutex only
// because it called into the write-back path while holding the lock.
// This implementation instead has AddDirData report whether a
// write-back is warranted and leaves issuing it to the caller, after
// the lock is released (see SPEC_FULL.md section 9).
type OpenDir struct {
	path string

	mu                sync.Mutex
	dd                *dirdata.DirData
	pending           []dirdata.Update
	ddVersion         uint64
	lastMergedVersion uint64
	lastUpdateMs      int64
	queuedForWrite    bool

	// needsReconciliation is an explicit unsafe hint: readable without
	// holding mu, per spec.md section 3.
	needsReconciliation int32

	reconciliation reconciliation.Registrar
	now            func() time.Time
	selfID         string
}

// Option configures an OpenDir at construction time.
type Option func(*OpenDir)

// WithReconciliationSet supplies the registry that AddEntry/RemoveEntry
// register with and that AddDirData deregisters from once local and
// remote agree. Defaults to a no-op registrar if omitted.
func WithReconciliationSet(r reconciliation.Registrar) Option {
	return func(od *OpenDir) { od.reconciliation = r }
}

// WithClock overrides the wall-clock source; tests use this to make
// elapsed-time checks deterministic.
func WithClock(now func() time.Time) Option {
	return func(od *OpenDir) { od.now = now }
}

// WithSelfID sets the identity compared against a remote entry's
// CreatorID in AddDirData, to distinguish "we wrote this" from a
// foreign writer.
func WithSelfID(id string) Option {
	return func(od *OpenDir) { od.selfID = id }
}

type nopRegistrar struct{}

func (nopRegistrar) Add(string)    {}
func (nopRegistrar) Remove(string) {}

// New creates an OpenDir for path. If dd is non-nil it is duplicated
// as the initial snapshot; otherwise OpenDir starts empty, per
// spec.md's "born empty under an auto-create policy" lifecycle.
func New(path string, dd *dirdata.DirData, opts ...Option) *OpenDir {
	od := &OpenDir{
		path:           path,
		dd:             dirdata.Dup(dd),
		reconciliation: nopRegistrar{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(od)
	}
	od.lastUpdateMs = od.now().UnixMilli()
	return od
}

// Path returns the immutable key this OpenDir is cached under.
func (od *OpenDir) Path() string { return od.path }

// GetDirData returns the effect of folding pending updates into the
// current snapshot. If clearPending is true, the folded result
// becomes the new baseline snapshot and pending is cleared;
// otherwise pending is left untouched and repeated calls are
// idempotent reads.
func (od *OpenDir) GetDirData(clearPending bool) *dirdata.DirData {
	od.mu.Lock()
	defer od.mu.Unlock()
	return od.getDirDataLocked(clearPending)
}

func (od *OpenDir) getDirDataLocked(clearPending bool) *dirdata.DirData {
	merged := dirdata.ApplyUpdates(od.dd, od.pending)
	if clearPending {
		od.dd = merged
		od.pending = nil
		return dirdata.Dup(merged)
	}
	return merged
}

// addUpdate implements the common body of AddEntry/RemoveEntry: at
// most one pending update per name, with a higher version replacing a
// lower one and a lower-or-equal version discarded as stale.
func (od *OpenDir) addUpdate(name string, kind dirdata.UpdateKind, version uint64) {
	od.mu.Lock()
	var added bool
	found := false
	for i := range od.pending {
		if od.pending[i].Name == name {
			found = true
			if version > od.pending[i].Version {
				od.pending[i].Kind = kind
				od.pending[i].Version = version
				added = true
			}
			break
		}
	}
	if !found {
		od.pending = append(od.pending, dirdata.Update{Name: name, Kind: kind, Version: version})
		added = true
	}
	if added {
		atomic.StoreInt32(&od.needsReconciliation, 1)
	}
	od.mu.Unlock()

	if added {
		od.reconciliation.Add(od.path)
	}
}

// AddEntry queues a local addition of name at version.
func (od *OpenDir) AddEntry(name string, version uint64) {
	od.addUpdate(name, dirdata.Add, version)
}

// RemoveEntry queues a local deletion of name at version.
func (od *OpenDir) RemoveEntry(name string, version uint64) {
	od.addUpdate(name, dirdata.Delete, version)
}

// MergeOutcome reports the result of folding a remote DirData into an
// OpenDir via AddDirData: whether the call had any effect, and
// whether a write-back of local state is now warranted. The caller —
// never OpenDir itself — is responsible for issuing the write-back,
// after releasing any lock it holds on the OpenDir.
type MergeOutcome struct {
	Applied        bool
	NeedsWriteBack bool
}

// AddDirData is the merge step (spec.md section 4.1). remote may be
// nil, which is treated as a hint: an empty remote snapshot stamped
// with the current time, so the merge still runs and can still detect
// that local has novel data worth writing back.
func (od *OpenDir) AddDirData(remote *dirdata.DirData, metadata *Metadata) MergeOutcome {
	nowMs := od.now().UnixMilli()

	var version uint64
	if metadata != nil {
		version = metadata.Version
	} else {
		version = uint64(nowMs)
	}
	if remote == nil {
		version = uint64(nowMs)
		remote = dirdata.New()
	}

	od.mu.Lock()
	defer od.mu.Unlock()

	if od.ddVersion >= version || od.lastMergedVersion == version {
		return MergeOutcome{}
	}

	local := od.getDirDataLocked(false)
	mr := dirdata.Merge(local, remote)
	od.lastMergedVersion = version

	if mr.RemoteNotInLocal {
		od.dd = mr.Result
		od.pending = nil
		atomic.StoreInt64(&od.lastUpdateMs, nowMs)
		od.ddVersion = version
	}

	outcome := MergeOutcome{Applied: true, NeedsWriteBack: mr.LocalNotInRemote}

	switch {
	case !mr.RemoteNotInLocal && !mr.LocalNotInRemote:
		if metadata != nil && metadata.CreatorID != od.selfID {
			atomic.StoreInt32(&od.needsReconciliation, 0)
			od.deregisterLocked()
		}
	default:
		atomic.StoreInt32(&od.needsReconciliation, 1)
	}

	return outcome
}

func (od *OpenDir) deregisterLocked() {
	// Dropping the registrar call off the lock would require yet
	// another callback-after-unlock; reconciliation.Set.Remove is
	// cheap and non-reentrant into OpenDir, so it's safe to call here.
	od.reconciliation.Remove(od.path)
}

// NeedsReconciliation reads the advisory hint without acquiring mu,
// per spec.md's explicit "unsafe hint" design.
func (od *OpenDir) NeedsReconciliation() bool {
	return atomic.LoadInt32(&od.needsReconciliation) != 0
}

// SetQueuedForWrite attempts to flip queuedForWrite to flag, returning
// true only if this call performed the transition. Used by the
// write-back path to guarantee at most one outstanding write per
// path.
func (od *OpenDir) SetQueuedForWrite(flag bool) bool {
	od.mu.Lock()
	defer od.mu.Unlock()
	if od.queuedForWrite == flag {
		return false
	}
	od.queuedForWrite = flag
	return true
}

// ElapsedSinceLastUpdate returns how long it has been since the last
// successful remote merge. Read without locking, matching spec.md's
// od_getElapsedSinceLastUpdateMillis.
func (od *OpenDir) ElapsedSinceLastUpdate() time.Duration {
	last := atomic.LoadInt64(&od.lastUpdateMs)
	return od.now().Sub(time.UnixMilli(last))
}

// HasPendingUpdates reports whether any local mutation is queued.
func (od *OpenDir) HasPendingUpdates() bool {
	od.mu.Lock()
	defer od.mu.Unlock()
	return len(od.pending) > 0
}

// MarkDeleted is a deliberate no-op: spec.md documents that freeing
// an OpenDir's state on deletion destabilises reconciliation, and
// disables it until that subsystem is redesigned.
func (od *OpenDir) MarkDeleted() {}
