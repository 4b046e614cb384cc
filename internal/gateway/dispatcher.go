package gateway

import (
	"sync"

	"github.com/alfredjeanlab/changefeed/internal/registry"
)

// EventKind distinguishes connection lifecycle events.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Event is a connect or disconnect to apply to the registry.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Meta         registry.Meta
}

// Handler applies an Event to the registry. It must not block.
type Handler func(ev Event, reg *registry.Registry)

// HandleEvent is the default Handler: connect registers, disconnect
// unregisters.
func HandleEvent(ev Event, reg *registry.Registry) {
	switch ev.Kind {
	case EventConnect:
		reg.Register(ev.ConnectionID, ev.Meta)
	case EventDisconnect:
		reg.Unregister(ev.ConnectionID)
	}
}

type job struct {
	ev   Event
	done chan struct{}
}

// Dispatcher runs lifecycle handlers on a fixed pool of goroutines.
type Dispatcher struct {
	reg     *registry.Registry
	handler Handler

	jobs     chan job
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher starts workers goroutines applying handler to reg.
func NewDispatcher(reg *registry.Registry, workers int, handler Handler) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if handler == nil {
		handler = HandleEvent
	}
	d := &Dispatcher{
		reg:     reg,
		handler: handler,
		jobs:    make(chan job),
		stopped: make(chan struct{}),
	}
	d.wg.Add(workers)
	for range workers {
		go d.work()
	}
	return d
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.jobs:
			d.handler(j.ev, d.reg)
			close(j.done)
		case <-d.stopped:
			return
		}
	}
}

// Submit hands ev to the pool and returns a channel closed once it has been
// applied. After Stop, events are applied inline.
func (d *Dispatcher) Submit(ev Event) <-chan struct{} {
	j := job{ev: ev, done: make(chan struct{})}
	select {
	case d.jobs <- j:
	case <-d.stopped:
		d.handler(ev, d.reg)
		close(j.done)
	}
	return j.done
}

// Stop shuts the pool down and waits for in-flight handlers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	d.wg.Wait()
}
