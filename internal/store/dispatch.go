package store

import (
	"sync"
	"sync/atomic"
)

// Dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. Submit never blocks, so a store can hand off notifications
// while holding its own locks.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Submit queues fn. It reports false once the dispatcher is closed.
func (d *Dispatcher) Submit(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// Close stops accepting work. Already queued callbacks still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Watcher is one subscription.
type Watcher struct {
	Path   string
	fn     func(Snapshot)
	active atomic.Bool
}

// Deliver calls the subscriber unless it has unsubscribed in the meantime.
func (w *Watcher) Deliver(s Snapshot) {
	if w.active.Load() {
		w.fn(s)
	}
}

// Active reports whether the subscription is still live.
func (w *Watcher) Active() bool { return w.active.Load() }

// Watchers is the subscription table of a connection.
type Watchers struct {
	mu   sync.Mutex
	next uint64
	set  map[uint64]*Watcher
}

// Add registers fn for path and returns the watcher and its Unsubscribe.
func (ws *Watchers) Add(path string, fn func(Snapshot)) (*Watcher, Unsubscribe) {
	w := &Watcher{Path: path, fn: fn}
	w.active.Store(true)

	ws.mu.Lock()
	if ws.set == nil {
		ws.set = make(map[uint64]*Watcher)
	}
	ws.next++
	id := ws.next
	ws.set[id] = w
	ws.mu.Unlock()

	return w, func() {
		w.active.Store(false)
		ws.mu.Lock()
		delete(ws.set, id)
		ws.mu.Unlock()
	}
}

// Matching returns the live watchers a change at changed is visible to.
func (ws *Watchers) Matching(changed string) []*Watcher {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var out []*Watcher
	for _, w := range ws.set {
		if Affects(w.Path, changed) {
			out = append(out, w)
		}
	}
	return out
}

// All returns every live watcher.
func (ws *Watchers) All() []*Watcher {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Watcher, 0, len(ws.set))
	for _, w := range ws.set {
		out = append(out, w)
	}
	return out
}

// Len returns the number of live watchers.
func (ws *Watchers) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.set)
}

// Clear deactivates every watcher.
func (ws *Watchers) Clear() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, w := range ws.set {
		w.active.Store(false)
		delete(ws.set, id)
	}
}

// Hooks is a list of reconnect callbacks.
type Hooks struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

func (h *Hooks) Add(fn func()) Unsubscribe {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[uint64]func())
	}
	h.next++
	id := h.next
	h.fns[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

// Snapshot returns the registered callbacks.
func (h *Hooks) Snapshot() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(), 0, len(h.fns))
	for _, fn := range h.fns {
		out = append(out, fn)
	}
	return out
}
