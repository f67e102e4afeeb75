package collab

import (
	"sync"
	"time"
)

// Coalescer is a collect-latest-then-flush-after-quiet-period queue.
// `Set` replaces any pending value and restarts the quiet window; the
// flush callback fires once with the newest value after `window` of
// inactivity. Intermediate values are intentionally dropped - the
// newest value always supersedes the previous one.
//
// Used for content-change (300ms) and cursor-change (100ms) broadcast
// rate limiting, and for editor analysis scheduling.
type Coalescer[T any] struct {
	window time.Duration
	flush  func(T)

	mutex   sync.Mutex
	gen     uint64
	timer   *time.Timer
	pending T
	closed  bool
}

func NewCoalescer[T any](window time.Duration, flush func(T)) *Coalescer[T] {
	return &Coalescer[T]{
		window: window,
		flush:  flush,
	}
}

func (self *Coalescer[T]) Set(value T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}

	self.pending = value
	self.gen += 1
	gen := self.gen
	if self.timer != nil {
		self.timer.Stop()
	}
	self.timer = time.AfterFunc(self.window, func() {
		self.fire(gen)
	})
}

func (self *Coalescer[T]) fire(gen uint64) {
	self.mutex.Lock()
	if self.closed || gen != self.gen {
		self.mutex.Unlock()
		return
	}
	value := self.pending
	var zero T
	self.pending = zero
	self.timer = nil
	self.mutex.Unlock()

	self.flush(value)
}

// Close cancels any pending flush. A closed coalescer drops all
// subsequent `Set` calls, so teardown cannot send to a closed channel.
func (self *Coalescer[T]) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.closed = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
