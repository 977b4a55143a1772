package opctx

import (
	"sync"
	"sync/atomic"
	"time"
)

// Report is a value snapshot of a completed operation, handed to
// completion handlers and buffered by collectors.
type Report struct {
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     time.Time     `json:"endedAt"`
	Errors      []string      `json:"errors,omitempty"`
	Status      Status        `json:"status"`
	OperationID string        `json:"operationID"`
	Duration    time.Duration `json:"duration"`
}

// Failed reports whether the operation completed with at least one
// recorded error.
func (r Report) Failed() bool {
	return len(r.Errors) > 0
}

// Collector buffers completion reports for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	reports      []Report
	reportsCh    chan Report
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool // Track if collector is closed.
	syncMode     bool        // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:      name,
		reports:   make([]Report, 0, 8), // Start with small capacity.
		reportsCh: make(chan Report, bufferSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving reports from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining reports before shutdown.
			for {
				select {
				case report := <-c.reportsCh:
					c.buffer(report)
				default:
					return // Clean shutdown.
				}
			}
		case report := <-c.reportsCh:
			c.buffer(report)
		}
	}
}

// Close shuts down the collector gracefully.
func (c *Collector) Close() {
	c.closed.Store(true)
	close(c.stopCh)
	select {
	case <-c.done:
		// Clean shutdown completed.
	case <-time.After(100 * time.Millisecond):
		// Timeout - continue anyway.
	}
}

// Collect attempts to buffer a report with backpressure protection.
// If the internal channel is full, the report is dropped and the drop
// counter is incremented. In sync mode, reports are collected directly
// for deterministic testing.
func (c *Collector) Collect(report Report) {
	if c.syncMode {
		// Direct synchronous collection for tests.
		if c.closed.Load() {
			c.droppedCount.Add(1)
			return
		}
		c.buffer(report)
		return
	}

	select {
	case c.reportsCh <- report:
		// Successfully queued.
	default:
		// Channel full - drop report to prevent blocking.
		c.droppedCount.Add(1)
	}
}

// buffer adds a report to the internal buffer, growing it as needed.
func (c *Collector) buffer(report Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.reports) >= cap(c.reports) {
		currentCap := cap(c.reports)
		var newCap int
		if currentCap < 1024 {
			// Double capacity for small buffers.
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		newSlice := make([]Report, len(c.reports), newCap)
		copy(newSlice, c.reports)
		c.reports = newSlice
	}
	c.reports = append(c.reports, report)
}

// Export returns a copy of all buffered reports and clears the internal
// buffer. The returned slice is safe to modify without affecting the
// collector.
func (c *Collector) Export() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.reports) == 0 {
		return nil
	}

	result := make([]Report, len(c.reports))
	for i := range c.reports {
		result[i] = c.reports[i]
		// Deep copy the error list to prevent sharing.
		if c.reports[i].Errors != nil {
			result[i].Errors = make([]string, len(c.reports[i].Errors))
			copy(result[i].Errors, c.reports[i].Errors)
		}
	}

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.reports) > 256 && len(c.reports) < cap(c.reports)/8 {
		newCap := cap(c.reports) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.reports = make([]Report, 0, newCap)
	} else {
		c.reports = c.reports[:0] // Keep capacity, reset length.
	}

	return result
}

// Count returns the current number of buffered reports.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

// DroppedCount returns the total number of reports dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, reports are collected directly without using the channel.
// This makes tests deterministic by eliminating async behavior.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode = sync
}

// Reset clears all buffered reports and resets the drop counter.
// Does not affect the running goroutine - use Close for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reports = c.reports[:0]
	c.droppedCount.Store(0)
}

// Name returns the collector's name.
func (c *Collector) Name() string {
	return c.name
}
