// Package batchqueue implements a fixed-worker, bounded multi-producer
// multi-consumer queue that delivers items to a handler in batches of
// up to MaxBatch (spec component C6, BatchQueueProcessor).
//
// Overflow policy is drop: once the queue is full, Add returns false
// immediately instead of blocking the producer.
package batchqueue

import (
	"sync"
	"sync/atomic"
)

// Handler processes one batch of items, pulled off the queue by
// worker workerIndex. The handler is responsible for fully resolving
// every item in the batch (e.g. calling activeop.Op.SetComplete on
// each), even on total failure, so that no waiter on an item can
// deadlock.
type Handler func(batch []interface{}, workerIndex int)

// Processor is a bounded MPMC queue with a fixed pool of worker
// goroutines, each draining up to maxBatch items before invoking the
// handler once.
type Processor struct {
	queue      chan interface{}
	maxBatch   int
	handler    Handler
	numWorkers int

	wg      sync.WaitGroup
	running int32
}

// New starts a Processor with the given queue capacity, worker count
// and maximum batch size. Workers start immediately.
func New(queueSize, numWorkers, maxBatch int, handler Handler) *Processor {
	if maxBatch < 1 {
		maxBatch = 1
	}
	p := &Processor{
		queue:      make(chan interface{}, queueSize),
		maxBatch:   maxBatch,
		handler:    handler,
		numWorkers: numWorkers,
		running:    1,
	}
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Add enqueues item for processing. It returns false, without
// blocking, if the queue is full; the caller owns releasing any
// resources (e.g. an activeop.Ref) associated with a dropped item.
func (p *Processor) Add(item interface{}) bool {
	if atomic.LoadInt32(&p.running) == 0 {
		return false
	}
	select {
	case p.queue <- item:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting the notion of further useful work, drains
// what's queued by sending one nil sentinel per worker, and blocks
// until every worker has exited.
func (p *Processor) Shutdown() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	for i := 0; i < p.numWorkers; i++ {
		p.queue <- nil
	}
	p.wg.Wait()
}

func (p *Processor) worker(index int) {
	defer p.wg.Done()
	batch := make([]interface{}, 0, p.maxBatch)
	for {
		item, ok := <-p.queue
		if !ok {
			return
		}
		if item == nil {
			// shutdown sentinel
			if len(batch) > 0 {
				p.handler(batch, index)
				batch = batch[:0]
			}
			return
		}
		batch = append(batch, item)
	drain:
		for len(batch) < p.maxBatch {
			select {
			case next := <-p.queue:
				if next == nil {
					// Sentinel arrived mid-drain: flush what we have and
					// exit. Since sentinels are one-per-worker, re-push
					// isn't needed: this worker is the one being told to
					// stop.
					p.handler(batch, index)
					return
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		p.handler(batch, index)
		batch = batch[:0]
	}
}
