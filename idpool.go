package opctx

import (
	"sync"
)

// IDPool keeps a buffer of pre-generated operation ids so Start never
// waits on id generation.
type IDPool struct {
	factory  func() string
	ids      chan string
	stop     chan struct{}
	stopOnce sync.Once
}

// NewIDPool creates a pool holding up to capacity ids and starts
// refilling it in the background.
func NewIDPool(capacity int, factory func() string) *IDPool {
	p := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stop:    make(chan struct{}),
	}
	go p.refill()
	return p
}

// Get returns a pooled id, or generates one inline when the pool has
// been drained faster than the refill goroutine can keep up.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

// refill keeps the buffer topped up until the pool is closed. The send
// blocks while the buffer is full, so at most one id is generated ahead
// of demand.
func (p *IDPool) refill() {
	for {
		id := p.factory()
		select {
		case p.ids <- id:
		case <-p.stop:
			return
		}
	}
}

// Close stops the refill goroutine. Safe to call more than once.
func (p *IDPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}
