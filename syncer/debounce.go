package syncer

import (
	"sync"
	"time"
)

// Debouncer delays a keyed action until no newer action for the same key has
// been scheduled for the configured wait.
type Debouncer struct {
	wait time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	closed  bool
}

type debounced struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer returns a Debouncer. A non-positive wait runs actions
// immediately.
func NewDebouncer(wait time.Duration) *Debouncer {
	return &Debouncer{wait: wait, pending: map[string]*debounced{}}
}

// Schedule replaces any pending action for key with fn.
func (d *Debouncer) Schedule(key string, fn func()) {
	if d.wait <= 0 {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		go fn()
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	p := &debounced{fn: fn}
	p.timer = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		if d.pending[key] != p {
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
	})
	d.pending[key] = p
}

// Pending returns the number of scheduled actions.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush runs every pending action now and stops accepting delayed ones.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = map[string]*debounced{}
	d.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		p.fn()
	}
}
