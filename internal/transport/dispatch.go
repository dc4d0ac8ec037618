package transport

import "sync"

// Dispatcher runs queued callbacks one at a time on its own goroutine.
// Enqueue never blocks, so a callback may safely call back into the
// transport that queued it.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{stopped: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Enqueue schedules fn. It returns false once the dispatcher is closed.
func (d *Dispatcher) Enqueue(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// Close stops accepting callbacks and waits for queued ones to finish.
// Must not be called from inside a callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()

	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
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
