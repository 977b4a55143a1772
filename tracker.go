package opctx

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// ReportHandler is called when an operation reaches a terminal state.
type ReportHandler func(report Report)

type handlerEntry struct {
	handler ReportHandler
	id      uint64
	async   bool
}

// Tracker constructs operation contexts and fans out their completion
// reports. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracker struct {
	handlers     []handlerEntry
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	idPool       *IDPool
	idSource     func() string
	clock        clockz.Clock
	handlersLock sync.RWMutex
	idPoolOnce   sync.Once
	nextID       atomic.Uint64
	dropped      atomic.Uint64
}

// New creates a new tracker.
// Uses the real clock and uuid-based operation ids.
func New() *Tracker {
	return &Tracker{
		handlers: make([]handlerEntry, 0),
		clock:    clockz.RealClock,
	}
}

// WithClock returns a new tracker with the specified clock.
// Enables clock injection for deterministic testing.
func (t *Tracker) WithClock(clock clockz.Clock) *Tracker {
	return &Tracker{
		handlers: make([]handlerEntry, 0),
		clock:    clock,
		idSource: t.idSource,
	}
}

// WithIDSource returns a new tracker that draws operation ids from
// source instead of the uuid pool. Enables deterministic ids in tests.
func (t *Tracker) WithIDSource(source func() string) *Tracker {
	return &Tracker{
		handlers: make([]handlerEntry, 0),
		clock:    t.clock,
		idSource: source,
	}
}

// Start constructs a new running context: id assigned, startedAt
// stamped from the tracker's clock, gate locked.
func (t *Tracker) Start() *Context {
	return &Context{
		tracker:    t,
		clock:      t.clock,
		gate:       NewGate(),
		terminalCh: make(chan struct{}),
		id:         t.nextOperationID(),
		status:     StatusRunning,
		startedAt:  t.clock.Now(),
	}
}

// ensureIDPool initializes the id pool if not already created.
func (t *Tracker) ensureIDPool() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		t.idPool = NewIDPool(runtime.NumCPU()*100, func() string {
			return uuid.New().String()
		})
	})
}

func (t *Tracker) nextOperationID() string {
	if t.idSource != nil {
		return t.idSource()
	}
	t.ensureIDPool()
	return t.idPool.Get()
}

// OnComplete registers a synchronous handler called when operations
// complete.
func (t *Tracker) OnComplete(handler ReportHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnCompleteAsync registers an asynchronous handler called when
// operations complete.
func (t *Tracker) OnCompleteAsync(handler ReportHandler) uint64 {
	return t.registerHandler(handler, true)
}

func (t *Tracker) registerHandler(handler ReportHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracker) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// AddCollector registers collector as a synchronous completion handler
// and returns the handler id.
func (t *Tracker) AddCollector(collector *Collector) uint64 {
	return t.OnComplete(collector.Collect)
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracker) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.panicHook = hook
}

// complete calls all registered handlers with the completion report.
func (t *Tracker) complete(report Report) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if h.async {
			// Make a copy of h for closure
			entry := h
			if t.workers != nil {
				t.workers.submit(func() {
					t.safeCall(entry, report)
				})
			} else {
				go t.safeCall(entry, report)
			}
		} else {
			t.safeCall(h, report)
		}
	}
}

func (t *Tracker) safeCall(entry handlerEntry, report Report) {
	defer func() {
		if r := recover(); r != nil {
			if t.panicHook != nil {
				t.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(report)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracker) EnableWorkerPool(workers, queueSize int) error {
	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.dropped,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedReports returns the number of reports dropped due to a full
// worker queue.
func (t *Tracker) DroppedReports() uint64 {
	return t.dropped.Load()
}

// Close shuts down the tracker gracefully and cleans up resources.
// This should be called when the tracker is no longer needed.
func (t *Tracker) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if t.workers != nil {
		t.workers.shutdown()
		t.workers = nil
	}

	if t.idPool != nil {
		t.idPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
