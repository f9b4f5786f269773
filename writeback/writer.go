// Package writeback implements the background write-back path: when
// opendir.OpenDir.AddDirData reports NeedsWriteBack, the path is
// queued here instead of being written synchronously on the merge
// call path, grounded on rclone's cache backend background uploader
// (backend/cache/handle.go's backgroundWriter/initBackgroundUploader).
package writeback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WriteFunc persists the current state of path. It is the writer's
// only collaboration point with opendircache/opendir/kvs: this
// package knows nothing about directories, only about pacing and
// retrying calls to WriteFunc.
type WriteFunc func(path string) error

// State is reported on Notifications for each attempted write.
type State int

const (
	// Started is sent when a worker picks a path up off the queue.
	Started State = iota
	// Completed is sent after WriteFunc returns nil.
	Completed
	// Failed is sent after WriteFunc returns a non-nil error.
	Failed
)

// Notification reports one write attempt's outcome.
type Notification struct {
	Path  string
	State State
	Err   error
}

// Writer drains a bounded queue of paths with a fixed pool of worker
// goroutines, calling WriteFunc for each. Paths dropped because the
// queue is full are the caller's responsibility to re-queue later
// (e.g. via opendir.OpenDir.SetQueuedForWrite(false) so a later
// AddDirData call can re-trigger write-back).
type Writer struct {
	write    WriteFunc
	queue    chan string
	notify   chan Notification
	log      *logrus.Entry
	retry    int
	retryGap time.Duration

	mu      sync.Mutex
	running bool
	paused  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Writer.
type Option func(*Writer)

// WithRetries sets how many additional attempts a failed write gets
// before it is abandoned, waiting gap between each. Default is 0 (no
// retry).
func WithRetries(n int, gap time.Duration) Option {
	return func(w *Writer) {
		w.retry = n
		w.retryGap = gap
	}
}

// WithLogger overrides the logger used for per-write diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(w *Writer) { w.log = log }
}

// New creates a Writer with the given queue capacity and worker count,
// and starts its workers immediately.
func New(queueSize, numWorkers int, write WriteFunc, opts ...Option) *Writer {
	w := &Writer{
		write:  write,
		queue:  make(chan string, queueSize),
		notify: make(chan Notification, queueSize),
		log:    logrus.WithField("component", "writeback"),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go w.runWorker(i)
	}
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	return w
}

// Notifications returns the channel Notification values are delivered
// on. Delivery is best-effort: a full channel drops the notification
// rather than blocking a worker.
func (w *Writer) Notifications() <-chan Notification {
	return w.notify
}

// Enqueue queues path for write-back, returning false without
// blocking if the queue is full.
func (w *Writer) Enqueue(path string) bool {
	select {
	case w.queue <- path:
		return true
	default:
		return false
	}
}

// Pause stops workers from picking up new paths until Resume is
// called; in-flight writes still finish.
func (w *Writer) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume undoes Pause.
func (w *Writer) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// IsRunning reports whether workers are still accepting work.
func (w *Writer) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Close stops all workers once their current and already-queued work
// drains, and blocks until they exit. Workers of a paused Writer exit
// without draining the queue.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Writer) runWorker(index int) {
	defer w.wg.Done()
	for {
		if w.isPaused() {
			time.Sleep(50 * time.Millisecond)
			select {
			case <-w.stopCh:
				return
			default:
			}
			continue
		}
		select {
		case <-w.stopCh:
			for {
				select {
				case path := <-w.queue:
					w.handle(path)
				default:
					return
				}
			}
		case path := <-w.queue:
			w.handle(path)
		}
	}
}

func (w *Writer) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *Writer) handle(path string) {
	w.deliver(Notification{Path: path, State: Started})

	attempts := w.retry + 1
	var err error
	for i := 0; i < attempts; i++ {
		err = w.write(path)
		if err == nil {
			w.deliver(Notification{Path: path, State: Completed})
			return
		}
		if i < attempts-1 {
			w.log.WithError(err).WithField("path", path).Warn("write-back attempt failed, retrying")
			time.Sleep(w.retryGap)
		}
	}
	w.log.WithError(err).WithField("path", path).Error("write-back failed")
	w.deliver(Notification{Path: path, State: Failed, Err: err})
}

func (w *Writer) deliver(n Notification) {
	select {
	case w.notify <- n:
	default:
	}
}
