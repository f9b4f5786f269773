// Package dirreader implements the orchestrator component (spec
// component C7, DirDataReader): it owns the OpenDir cache, the batch
// queue draining the KVS, a pool of per-worker KVS sessions, and the
// get_open_dir state machine, grounded on DirDataReader.c's
// ddr_get_OpenDir/_ddr_get_OpenDir and ddr_process_dht_batch.
package dirreader

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/robertprovine/SilverKing/dirdata"
	"github.com/robertprovine/SilverKing/kvs"
	"github.com/robertprovine/SilverKing/lib/batchqueue"
	"github.com/robertprovine/SilverKing/lib/config"
	"github.com/robertprovine/SilverKing/lib/logging"
	"github.com/robertprovine/SilverKing/lib/metrics"
	"github.com/robertprovine/SilverKing/opendir"
	"github.com/robertprovine/SilverKing/opendircache"
	"github.com/robertprovine/SilverKing/reconciliation"
	"github.com/robertprovine/SilverKing/writeback"
)

// ErrNotFound is returned by GetOpenDir when CreateMode is MustExist
// and the KVS has no value for the requested path.
var ErrNotFound = errors.New("dirreader: path not found")

const component = "dirreader"

// CreateMode controls what GetOpenDir does when a path has no
// resident OpenDir and the KVS has nothing stored for it either.
type CreateMode int

const (
	// AutoCreate installs an empty OpenDir, matching spec.md's
	// auto-create-on-miss lifecycle for newly observed directories.
	AutoCreate CreateMode = iota
	// MustExist returns ErrNotFound instead of creating anything.
	MustExist
)

// invariantViolation panics, mirroring DirDataReader.c's fatalError
// calls on states the state machine considers unreachable.
func invariantViolation(format string, args ...interface{}) {
	panic(errors.Errorf("dirreader: invariant violation: "+format, args...))
}

type request struct {
	path string
	op   *opFuture

	dd   *dirdata.DirData
	meta *opendir.Metadata
	err  error
}

// Reader is the directory-metadata read pipeline's entry point.
type Reader struct {
	cfg     config.Config
	cache   *opendircache.Cache
	queue   *batchqueue.Processor
	write   *writeback.Writer
	recon   *reconciliation.Set
	ns      kvs.Namespace
	persp   []kvs.AsyncPerspective
	limiter *rate.Limiter
	self    string
}

// NewSelfID mints a fresh writer identity for a process that doesn't
// have a more meaningful one (hostname, node ID) to hand to New.
func NewSelfID() string {
	return uuid.New().String()
}

// newLimiter returns a rate.Limiter capping outgoing KVS multi-gets
// across all batch workers, or nil if qps is non-positive ("unlimited").
func newLimiter(qps float64) *rate.Limiter {
	if qps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(qps), 1)
}

// New builds a Reader against session, opening cfg.Namespace and one
// AsyncPerspective per batch-queue worker so workers never share one.
func New(session kvs.Session, cfg config.Config, recon *reconciliation.Set, selfID string) (*Reader, error) {
	if selfID == "" {
		selfID = NewSelfID()
	}
	ns, err := session.Namespace(cfg.Namespace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open namespace %q", cfg.Namespace)
	}

	r := &Reader{
		cfg:     cfg,
		cache:   opendircache.New(),
		recon:   recon,
		ns:      ns,
		self:    selfID,
		persp:   make([]kvs.AsyncPerspective, cfg.Threads),
		limiter: newLimiter(cfg.KVSQueriesPerSecond),
	}
	for i := 0; i < cfg.Threads; i++ {
		p, err := ns.OpenAsyncPerspective(kvs.PerspectiveOptions{RetrieveMetadata: true})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open perspective %d", i)
		}
		r.persp[i] = p
	}
	r.queue = batchqueue.New(cfg.QueueSize, cfg.Threads, cfg.MaxBatchSize, r.handleBatch)
	r.write = writeback.New(cfg.WriteQueueSize, cfg.WriteWorkers, r.writeBack,
		writeback.WithRetries(cfg.WriteRetries, cfg.WriteRetryGap.Duration()))
	return r, nil
}

// Close stops the batch queue and write-back workers, waiting for
// in-flight work to finish, then drains and closes each of this
// Reader's KVS perspectives (spec.md section 5).
func (r *Reader) Close() {
	r.queue.Shutdown()
	r.write.Close()
	for i, p := range r.persp {
		if p == nil {
			continue
		}
		if err := p.WaitForActiveOps(context.Background()); err != nil {
			logging.Warnf(component, "perspective %d: wait for active ops failed: %v", i, err)
		}
		if err := p.Close(); err != nil {
			logging.Warnf(component, "perspective %d: close failed: %v", i, err)
		}
	}
}

// opFuture is the per-request completion signal. It's a thin wrapper
// over a channel rather than activeop.Op because, unlike OpenDirCache
// entries, a fetch request is never shared between multiple distinct
// callers before it's enqueued, so there's no dedup/refcount to do.
type opFuture struct {
	done chan struct{}
}

func newOpFuture() *opFuture      { return &opFuture{done: make(chan struct{})} }
func (f *opFuture) complete()     { close(f.done) }
func (f *opFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetch enqueues a KVS lookup for path and blocks for its result. A
// full queue and a completed-but-erroring batch are both reported
// through the returned error.
func (r *Reader) fetch(ctx context.Context, path string) (*dirdata.DirData, *opendir.Metadata, error) {
	req := &request{path: path, op: newOpFuture()}
	if !r.queue.Add(req) {
		return nil, nil, errors.Errorf("dirreader: queue full, dropped fetch for %q", path)
	}
	if err := req.op.wait(ctx); err != nil {
		return nil, nil, err
	}
	return req.dd, req.meta, req.err
}

// handleBatch is the KVS batch handler (spec.md section 4.4.2),
// grounded on ddr_process_dht_batch: requests for the same path are
// deduplicated into a single multi-get key, then every request —
// including duplicates — is resolved from the shared result.
func (r *Reader) handleBatch(batch []interface{}, workerIndex int) {
	requests := make([]*request, 0, len(batch))
	for _, item := range batch {
		requests = append(requests, item.(*request))
	}

	keys := make([]string, 0, len(requests))
	seen := make(map[string]bool, len(requests))
	for _, req := range requests {
		if !seen[req.path] {
			seen[req.path] = true
			keys = append(keys, req.path)
		}
	}

	metrics.KVSBatchSize.Observe(float64(len(keys)))
	ctx := context.Background()
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			for _, req := range requests {
				req.err = errors.Wrapf(err, "rate limiter wait failed")
				req.op.complete()
			}
			return
		}
	}
	start := time.Now()
	persp := r.persp[workerIndex%len(r.persp)]
	ret, err := persp.Get(ctx, keys)
	metrics.KVSBatchLatency.Observe(time.Since(start).Seconds())

	for _, req := range requests {
		if err != nil {
			req.err = errors.Wrapf(err, "kvs multi-get failed")
			req.op.complete()
			continue
		}
		r.resolveOne(req, ret)
		req.op.complete()
	}
	if ret != nil {
		_ = ret.Close()
	}
}

func (r *Reader) resolveOne(req *request, ret kvs.Retrieval) {
	switch ret.State(req.path) {
	case kvs.Succeeded:
		val, ok := ret.Value(req.path)
		if !ok {
			invariantViolation("SUCCEEDED state for %q carried no value", req.path)
		}
		dd := dirdata.New()
		if err := dd.UnmarshalBinary(val.Value); err != nil {
			req.err = errors.Wrapf(err, "failed to decode stored DirData for %q", req.path)
			return
		}
		req.dd = dd
		req.meta = &opendir.Metadata{Version: val.Metadata.Version, CreatorID: val.Metadata.CreatorID}
	case kvs.Failed:
		switch ret.Cause(req.path) {
		case kvs.NoSuchValue:
			// No metadata and no dd: a nil remote is a hint, not a
			// version-0 record, so AddDirData stamps it with the
			// current time instead of letting it always lose the
			// staleness check against local novelty.
			req.dd = nil
			req.meta = nil
		case kvs.Multiple:
			// Ambiguous per spec.md's open question: log only. No
			// session-health signal, no update trigger, op still
			// completes as if nothing was found.
			logging.Warnf(component, "ambiguous MULTIPLE failure cause fetching %q", req.path)
			req.dd = nil
			req.meta = nil
		default:
			metrics.KVSFailures.WithLabelValues("error").Inc()
			req.err = errors.Errorf("kvs fetch failed for %q", req.path)
		}
	case kvs.Incomplete:
		metrics.KVSFailures.WithLabelValues("incomplete").Inc()
		req.err = errors.Errorf("kvs fetch incomplete for %q", req.path)
	default:
		invariantViolation("unexpected KVS state for %q", req.path)
	}
}

// writeBack is the writeback.WriteFunc this Reader installs: it reads
// the resident OpenDir's merged state and persists it.
func (r *Reader) writeBack(path string) error {
	res, od := r.cache.ReadNoOpCreation(path)
	if res != opendircache.Found {
		return nil // evicted since the write was queued; nothing to do
	}
	defer od.SetQueuedForWrite(false)

	dd := od.GetDirData(true)
	encoded, err := dd.MarshalBinary()
	if err != nil {
		return errors.Wrapf(err, "failed to encode DirData for %q", path)
	}
	version := uint64(time.Now().UnixMilli())
	if err := r.ns.Put(context.Background(), path, encoded, kvs.Metadata{Version: version, CreatorID: r.self}); err != nil {
		return errors.Wrapf(err, "failed to write back %q", path)
	}
	metrics.WriteBackAttempts.WithLabelValues("completed").Inc()
	return nil
}

func (r *Reader) queueWriteBack(od *opendir.OpenDir) {
	if !od.SetQueuedForWrite(true) {
		return // already queued
	}
	if !r.write.Enqueue(od.Path()) {
		od.SetQueuedForWrite(false)
		metrics.WriteBackAttempts.WithLabelValues("failed").Inc()
	}
}

// GetDirData fetches the current DirData for path directly from the
// KVS, bypassing the OpenDir cache entirely.
func (r *Reader) GetDirData(ctx context.Context, path string) (*dirdata.DirData, error) {
	dd, _, err := r.fetch(ctx, path)
	return dd, err
}

// GetOpenDir implements the get_open_dir state machine (spec.md
// section 4.4.1 / DirDataReader.c's _ddr_get_OpenDir): it resolves a
// cached OpenDir for path, creating one from the KVS on a cache miss
// and coalescing concurrent misses onto a single creation.
func (r *Reader) GetOpenDir(ctx context.Context, path string, mode CreateMode) (*opendir.OpenDir, error) {
	res, od, ref, err := r.cache.Read(path, func(path string) (*opendir.OpenDir, error) {
		return r.createOpenDir(ctx, path, mode)
	})

	switch res {
	case opendircache.Found:
		metrics.CacheHits.Inc()
		return od, nil
	case opendircache.ActiveOpCreated:
		metrics.CacheMisses.Inc()
		return od, nil
	case opendircache.ActiveOpExisting:
		metrics.CacheCoalesced.Inc()
		ref.WaitForCompletion()
		ref.Release()
		res2, od2 := r.cache.ReadNoOpCreation(path)
		if res2 == opendircache.Found {
			return od2, nil
		}
		// The creator failed and evicted the entry. In AutoCreate mode
		// _ddr_get_OpenDir's CRR_ACTIVE_OP_EXISTING/CRR_NOT_FOUND path
		// falls through to building a fresh empty OpenDir rather than
		// surfacing the creator's transient failure to every waiter.
		if mode == AutoCreate {
			return r.GetOpenDir(ctx, path, mode)
		}
		return nil, errors.Errorf("dirreader: creation for %q failed", path)
	case opendircache.ErrorCode:
		return nil, err
	default:
		invariantViolation("unreachable cache result %v for %q", res, path)
		return nil, nil
	}
}

func (r *Reader) createOpenDir(ctx context.Context, path string, mode CreateMode) (*opendir.OpenDir, error) {
	dd, meta, err := r.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	if meta == nil && mode == MustExist {
		return nil, ErrNotFound
	}
	return opendir.New(path, dd, opendir.WithReconciliationSet(r.recon), opendir.WithSelfID(r.self)), nil
}

// UpdateOpenDir re-fetches path from the KVS and folds the result
// into od, queuing a write-back if the merge leaves local data the
// remote doesn't have. Grounded on ddr_update_OpenDir's
// enqueue-and-wait pattern, simplified since fetch already blocks.
func (r *Reader) UpdateOpenDir(ctx context.Context, od *opendir.OpenDir) error {
	dd, meta, err := r.fetch(ctx, od.Path())
	if err != nil {
		return err
	}
	outcome := od.AddDirData(dd, meta)
	if outcome.NeedsWriteBack {
		r.queueWriteBack(od)
	}
	return nil
}

// CheckForUpdate re-fetches path only if it has gone unrefreshed for
// longer than cfg.UpdateInterval, matching ddr_check_for_update. It is
// not called by RunPeriodicChecks, which runs CheckForReconciliation.
func (r *Reader) CheckForUpdate(ctx context.Context, path string) error {
	res, od := r.cache.ReadNoOpCreation(path)
	if res != opendircache.Found {
		return nil
	}
	if od.ElapsedSinceLastUpdate() < r.cfg.UpdateInterval.Duration() {
		return nil
	}
	return r.UpdateOpenDir(ctx, od)
}

// CheckForReconciliation forces an update for every path the
// reconciliation registry currently holds, regardless of how recently
// each was last refreshed, matching ddr_check_for_reconciliation. Paths
// are updated concurrently, bounded to cfg.Threads at a time; one
// path's update failing doesn't stop the sweep over the rest.
func (r *Reader) CheckForReconciliation(ctx context.Context) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Threads)

	for _, path := range r.recon.Paths() {
		path := path
		g.Go(func() error {
			res, od := r.cache.ReadNoOpCreation(path)
			if res != opendircache.Found {
				r.recon.Remove(path)
				return nil
			}
			if err := r.UpdateOpenDir(gCtx, od); err != nil {
				logging.Warnf(component, "reconciliation update failed for %q: %v", path, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	metrics.ReconciliationQueueLength.Set(float64(r.recon.Len()))
}

// RunPeriodicChecks blocks, calling CheckForReconciliation on
// cfg.UpdateInterval until ctx is cancelled. Intended to be run in its
// own goroutine by the process embedding this package.
func (r *Reader) RunPeriodicChecks(ctx context.Context) {
	interval := r.cfg.UpdateInterval.Duration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckForReconciliation(ctx)
			runtime.Gosched()
		}
	}
}
