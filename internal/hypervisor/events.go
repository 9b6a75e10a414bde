package hypervisor

import (
	"context"
	"sync"
)

// EventKind classifies hypervisor notifications.
type EventKind int

const (
	// EventMachineState reports a machine state transition.
	EventMachineState EventKind = iota + 1
	// EventAdapterChanged reports that settings of one adapter slot changed.
	EventAdapterChanged
)

// Event is an asynchronous notification from the hypervisor.
type Event struct {
	Kind      EventKind
	MachineID string
	// State is set for EventMachineState.
	State MachineState
	// Slot is set for EventAdapterChanged.
	Slot uint32
}

// Listener receives events for the machines it subscribed to.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev Event)

// HandleEvent calls f(ctx, ev).
func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Dispatcher fans events out to per-machine listeners. Backends embed it to
// implement Connection.Subscribe.
type Dispatcher struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]Listener
}

// Subscribe registers l for events of machineID.
func (d *Dispatcher) Subscribe(machineID string, l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listeners == nil {
		d.listeners = make(map[string]map[int]Listener)
	}
	if d.listeners[machineID] == nil {
		d.listeners[machineID] = make(map[int]Listener)
	}
	id := d.nextID
	d.nextID++
	d.listeners[machineID][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners[machineID], id)
			if len(d.listeners[machineID]) == 0 {
				delete(d.listeners, machineID)
			}
		})
	}
}

// Dispatch delivers ev to every listener of ev.MachineID. Listeners run on
// the caller's goroutine, outside the dispatcher lock.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.Lock()
	targets := make([]Listener, 0, len(d.listeners[ev.MachineID]))
	for _, l := range d.listeners[ev.MachineID] {
		targets = append(targets, l)
	}
	d.mu.Unlock()

	for _, l := range targets {
		l.HandleEvent(ctx, ev)
	}
}

// Listeners returns the number of listeners registered for machineID.
func (d *Dispatcher) Listeners(machineID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[machineID])
}
