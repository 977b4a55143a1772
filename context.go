package opctx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// process wraps one registered background task so its failure can be
// folded into the owning context instead of propagating to whoever
// spawned it.
type process struct {
	done chan struct{}
}

func (p *process) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Context tracks one logical operation: its status, causal trace,
// accumulated errors, background processes and optional deadline.
//
// A context is owned by the code path that created it. Background
// processes and the deadline timer report back into it; everything else
// should treat it as single-writer. Wait, Errors, ToJSON and
// ToShortJSON are safe for concurrent callers.
type Context struct {
	tracker *Tracker
	clock   clockz.Clock
	gate    *Gate
	id      string

	// terminalCh is closed at the first terminal transition. The gate
	// cannot serve that purpose: Wait force-releases it even when the
	// context is still running.
	terminalCh chan struct{}

	mu          sync.Mutex
	status      Status
	trace       []Entry
	errs        []*Error
	startedAt   time.Time
	endedAt     time.Time
	processes   []*process
	timeoutErr  *Error
	timeoutSet  bool
	timeoutSeen bool
}

// ID returns the operation's unique identifier.
func (c *Context) ID() string {
	return c.id
}

// Status returns the current lifecycle state.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsRunning reports whether the context has not yet reached a terminal
// state.
func (c *Context) IsRunning() bool {
	return c.Status() == StatusRunning
}

// StartedAt returns when the context was constructed.
func (c *Context) StartedAt() time.Time {
	return c.startedAt
}

// EndedAt returns when the context reached a terminal state, or the
// zero time while it is still running.
func (c *Context) EndedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// SetValues appends a trace entry capturing values and the caller's
// call site. Fails with the pending timeout error if the deadline has
// fired, or with a usage error if the context is no longer running.
func (c *Context) SetValues(values Values) error {
	return c.record(values, callSite(1))
}

// AddHTTPRequest records a request/response pair in the trace. Either
// argument may be nil and is recorded as null. Same preconditions as
// SetValues.
func (c *Context) AddHTTPRequest(req *http.Request, resp *http.Response) error {
	values := Values{
		"request":  requestValue(req),
		"response": responseValue(resp),
	}
	return c.record(values, callSite(1))
}

func (c *Context) record(values Values, site Site) error {
	c.mu.Lock()
	if c.timeoutErr != nil {
		e, rep := c.raisePoisonLocked()
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	if c.status.Terminal() {
		e, rep := c.recordErrorLocked(fmt.Sprintf("cannot set values: operation is %s", c.status))
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	c.trace = append(c.trace, Entry{
		Values: values,
		Site:   site,
		At:     c.clock.Now(),
	})
	c.mu.Unlock()
	return nil
}

// Cancel moves a running context to cancelled and releases the gate.
// Fails with a usage error if the context is no longer running.
func (c *Context) Cancel() error {
	c.mu.Lock()
	if c.status.Terminal() {
		e, rep := c.recordErrorLocked(fmt.Sprintf("cannot cancel: operation is %s", c.status))
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	c.status = StatusCancelled
	c.endedAt = c.clock.Now()
	close(c.terminalCh)
	c.gate.Unlock()
	rep := c.reportLocked()
	c.mu.Unlock()
	c.report(rep)
	return nil
}

// SetTimeout schedules the operation's deadline. At most one deadline
// may be set per context; a second call fails with a usage error.
//
// The timer firing does not itself end the operation: it materializes a
// poison error that the next mutating call (SetValues, End) raises
// instead of proceeding. A context that times out and is never touched
// again still reports IsRunning.
func (c *Context) SetTimeout(d time.Duration) error {
	c.mu.Lock()
	if c.timeoutSet {
		e, rep := c.recordErrorLocked("timeout already set")
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	c.timeoutSet = true
	c.mu.Unlock()

	// Arm the deadline before returning so the timer exists by the time
	// the caller resumes.
	fired := c.clock.After(d)

	go func() {
		select {
		case <-fired:
			c.mu.Lock()
			if c.status == StatusRunning && c.timeoutErr == nil {
				c.timeoutErr = newError(c.id, fmt.Sprintf("operation timed out after %v", d), c.clock.Now())
			}
			c.mu.Unlock()
		case <-c.terminalCh:
			// Terminal transition already happened; the deadline is moot.
			// Not the gate: Wait force-releases that while the context
			// may still be running, and the deadline must survive it.
		}
	}()
	return nil
}

// End moves a running context to ended, releases the gate and stands
// the deadline timer down. Fails with the pending timeout
// error if the deadline has fired, and with a usage error if the
// context is not running or background processes are still outstanding.
// In the latter case the owner must use Wait so that late process
// failures are never orphaned.
func (c *Context) End() error {
	c.mu.Lock()
	if c.timeoutErr != nil {
		e, rep := c.raisePoisonLocked()
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	if c.status.Terminal() {
		e, rep := c.recordErrorLocked(fmt.Sprintf("cannot end: operation is %s", c.status))
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	if n := c.outstandingLocked(); n > 0 {
		e, rep := c.recordErrorLocked(fmt.Sprintf("cannot end: %d background processes still pending, use Wait", n))
		c.mu.Unlock()
		c.report(rep)
		return e
	}
	c.status = StatusEnded
	c.endedAt = c.clock.Now()
	close(c.terminalCh)
	c.gate.Unlock()
	rep := c.reportLocked()
	c.mu.Unlock()
	c.report(rep)
	return nil
}

// CreateError records a failure on the context and returns it. It never
// fails: a running context moves to failed and the gate is released; a
// context already in a terminal state keeps its status and the error is
// purely additive.
func (c *Context) CreateError(message string) *Error {
	c.mu.Lock()
	e, rep := c.recordErrorLocked(message)
	c.mu.Unlock()
	c.report(rep)
	return e
}

// AddBackgroundProcess registers run as a supervised background task.
// It returns immediately; run executes on its own goroutine. A non-nil
// error (or a panic) is folded into the context via CreateError and is
// never raised at the registration site.
func (c *Context) AddBackgroundProcess(run func() error) {
	p := &process{done: make(chan struct{})}
	c.mu.Lock()
	c.processes = append(c.processes, p)
	c.mu.Unlock()

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				c.CreateError(fmt.Sprintf("background process panic: %v", r))
			}
		}()
		if err := run(); err != nil {
			c.CreateError(err.Error())
		}
	}()
}

// Wait blocks until every background process registered so far has
// settled or the gate has been released, whichever comes first. It then
// force-releases the gate and returns the first recorded error, if any.
//
// A terminal transition unblocks Wait even while processes are still
// pending; their eventual failures still land in Errors and are visible
// to a second Wait.
func (c *Context) Wait() error {
	c.mu.Lock()
	procs := make([]*process, len(c.processes))
	copy(procs, c.processes)
	c.mu.Unlock()

	settled := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.done
		}
		close(settled)
	}()

	select {
	case <-settled:
	case <-c.gate.Released():
	}
	c.gate.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		return c.errs[0]
	}
	return nil
}

// Errors returns the accumulated errors in creation order. The first
// element is the authoritative failure of the operation; the rest are
// diagnostic detail.
func (c *Context) Errors() []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Error, len(c.errs))
	copy(out, c.errs)
	return out
}

// snapshot is the serialized shape of a context.
type snapshot struct {
	Status      Status      `json:"status"`
	OperationID string      `json:"operationID"`
	Trace       []entryJSON `json:"trace"`
	StartedAt   int64       `json:"startedAt"`
	EndedAt     int64       `json:"endedAt,omitempty"`
}

// ToJSON serializes the context with the full rendering of every trace
// entry.
func (c *Context) ToJSON() ([]byte, error) {
	c.mu.Lock()
	s := snapshot{
		Status:      c.status,
		OperationID: c.id,
		Trace:       longEntries(c.trace),
		StartedAt:   c.startedAt.UnixMilli(),
	}
	if !c.endedAt.IsZero() {
		s.EndedAt = c.endedAt.UnixMilli()
	}
	c.mu.Unlock()
	return json.Marshal(s)
}

// ToShortJSON serializes the context with the reduced rendering of the
// trace: entries with an empty payload are filtered out and call sites
// are dropped.
func (c *Context) ToShortJSON() ([]byte, error) {
	c.mu.Lock()
	s := snapshot{
		Status:      c.status,
		OperationID: c.id,
		Trace:       shortEntries(c.trace),
		StartedAt:   c.startedAt.UnixMilli(),
	}
	if !c.endedAt.IsZero() {
		s.EndedAt = c.endedAt.UnixMilli()
	}
	c.mu.Unlock()
	return json.Marshal(s)
}

// recordErrorLocked creates an error stamped with the current clock and
// folds it into the context. Must be called with c.mu held.
func (c *Context) recordErrorLocked(message string) (*Error, *Report) {
	e := newError(c.id, message, c.clock.Now())
	return e, c.appendErrorLocked(e)
}

// appendErrorLocked folds e into the context: a running context moves
// to failed, endedAt is stamped if unset, the gate is released and e is
// appended. Returns a completion report when this call performed the
// terminal transition. Must be called with c.mu held.
func (c *Context) appendErrorLocked(e *Error) *Report {
	terminal := c.status == StatusRunning
	if terminal {
		c.status = StatusFailed
		close(c.terminalCh)
	}
	if c.endedAt.IsZero() {
		c.endedAt = e.Time()
	}
	c.errs = append(c.errs, e)
	c.gate.Unlock()
	if terminal {
		return c.reportLocked()
	}
	return nil
}

// raisePoisonLocked surfaces the pending timeout error. The first call
// records it on the context; later calls re-return the same value
// without duplicating it. Must be called with c.mu held.
func (c *Context) raisePoisonLocked() (*Error, *Report) {
	if c.timeoutSeen {
		return c.timeoutErr, nil
	}
	c.timeoutSeen = true
	return c.timeoutErr, c.appendErrorLocked(c.timeoutErr)
}

// outstandingLocked counts background processes that have not settled.
// Must be called with c.mu held.
func (c *Context) outstandingLocked() int {
	n := 0
	for _, p := range c.processes {
		if !p.settled() {
			n++
		}
	}
	return n
}

// reportLocked builds the completion report for the terminal transition
// that just happened. Must be called with c.mu held.
func (c *Context) reportLocked() *Report {
	msgs := make([]string, len(c.errs))
	for i, e := range c.errs {
		msgs[i] = e.Error()
	}
	return &Report{
		Status:      c.status,
		OperationID: c.id,
		StartedAt:   c.startedAt,
		EndedAt:     c.endedAt,
		Duration:    c.endedAt.Sub(c.startedAt),
		Errors:      msgs,
	}
}

// report hands a completion report to the tracker outside the context
// lock. rep is nil when no terminal transition happened.
func (c *Context) report(rep *Report) {
	if rep != nil {
		c.tracker.complete(*rep)
	}
}
