// Package machines wires the per-machine components together: one session
// controller, mount manager and adapter engine per virtual machine, all
// operations on a machine serialized, and hypervisor events routed back to
// the machine they concern.
package machines

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/google/uuid"

	"github.com/jamesprial/vmnetsync/internal/adapters"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/mount"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/session"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

const defaultQueueSize = 64

// ErrQueueFull is reported when a hypervisor event arrives while the event
// queue is full. The event is dropped.
var ErrQueueFull = errors.New("event queue full")

// Config holds what the registry needs to build per-machine components.
type Config struct {
	Helper *mount.Helper
	// MountRoot is the directory below which each machine gets its own
	// mount tree, named by UUID.
	MountRoot string
	// Devices and Partitions are passed to the helper's load verb.
	Devices    int
	Partitions int
	Layout     adapters.Layout
	// Snapshots may be nil.
	Snapshots    adapters.Snapshots
	PollInterval time.Duration
	// QueueSize bounds the number of undelivered hypervisor events.
	QueueSize int
}

// SaveMode tells which kind of save a machine's state allowed.
type SaveMode string

const (
	SaveFull    SaveMode = "full"
	SaveRuntime SaveMode = "runtime"
)

// Info summarizes a machine.
type Info struct {
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	State   hypervisor.MachineState `json:"state"`
	Chipset string                  `json:"chipset"`
}

// Registry owns the components of every machine touched so far.
type Registry struct {
	conn   hypervisor.Connection
	gate   *hypervisor.Gate
	cfg    Config
	host   *mount.Manager
	// queue buffers hypervisor events for Run. stateSink and adapterSink
	// feed it, each passing one event kind.
	queue       *events.Channel
	stateSink   events.Sink
	adapterSink events.Sink

	mu       sync.Mutex
	machines map[string]*Machine
	prepared bool
}

// New returns a Registry on conn. gate is held around every mutation; it
// may be shared with a hypervisor.Keepalive.
func New(conn hypervisor.Connection, gate *hypervisor.Gate, cfg Config) *Registry {
	if gate == nil {
		gate = &hypervisor.Gate{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	host := mount.NewManager(cfg.Helper, "", cfg.MountRoot)
	host.Devices = cfg.Devices
	host.Partitions = cfg.Partitions
	queue := events.NewChannel(size)
	return &Registry{
		conn:        conn,
		gate:        gate,
		cfg:         cfg,
		host:        host,
		queue:       queue,
		stateSink:   events.NewFilter(dropSink{queue}, kindMatcher(hypervisor.EventMachineState)),
		adapterSink: events.NewFilter(dropSink{queue}, kindMatcher(hypervisor.EventAdapterChanged)),
		machines:    make(map[string]*Machine),
	}
}

// Prepare verifies the mount helper and loads the block device module.
func (r *Registry) Prepare(ctx context.Context) error {
	if err := r.host.Prepare(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.prepared = true
	r.mu.Unlock()
	return nil
}

// Run delivers queued hypervisor events until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-r.queue.C:
			if ev, ok := e.(hypervisor.Event); ok {
				r.handle(ctx, ev)
			}
		}
	}
}

// Close drops every subscription, unmounts whatever is still mounted and,
// after Prepare, unloads the block device module.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	ms := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		ms = append(ms, m)
	}
	prepared := r.prepared
	r.machines = make(map[string]*Machine)
	r.prepared = false
	r.mu.Unlock()

	var errs []error
	for _, m := range ms {
		if err := m.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if prepared {
		if err := r.host.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the machine with the given name or UUID, building its
// components on first use.
func (r *Registry) Get(ctx context.Context, nameOrID string) (*Machine, error) {
	hm, err := r.conn.FindMachine(ctx, nameOrID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if m, ok := r.machines[hm.ID()]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	disks, err := hm.HardDisks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list disks of %s: %w", hm.Name(), err)
	}
	image := ""
	if len(disks) > 0 {
		image = disks[0]
	}

	m := &Machine{reg: r, id: hm.ID(), name: hm.Name()}
	m.ctrl = session.New(r.conn, hm, hypervisor.ListenerFunc(func(ctx context.Context, ev hypervisor.Event) {
		r.enqueue(ctx, r.stateSink, ev)
	}))
	m.ctrl.PollInterval = r.cfg.PollInterval
	m.mounts = mount.NewManager(r.cfg.Helper, image, filepath.Join(r.cfg.MountRoot, hm.ID()))
	m.engine = adapters.New(r.conn, m.ctrl, m.mounts, r.cfg.Layout, r.cfg.Snapshots)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.machines[m.id]; ok {
		return existing, nil
	}
	m.cancel = r.conn.Subscribe(m.id, hypervisor.ListenerFunc(func(ctx context.Context, ev hypervisor.Event) {
		r.enqueue(ctx, r.adapterSink, ev)
	}))
	r.machines[m.id] = m
	log.G(ctx).WithField("machine", m.name).WithField("image", m.mounts.Image()).Debug("machine registered")
	return m, nil
}

// List summarizes every machine the hypervisor knows, sorted by name.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	hms, err := r.conn.Machines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(hms))
	for _, hm := range hms {
		info := Info{ID: hm.ID(), Name: hm.Name()}
		if info.State, err = hm.State(ctx); err != nil {
			return nil, fmt.Errorf("read state of %s: %w", hm.Name(), err)
		}
		chipset, err := hm.Chipset(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chipset of %s: %w", hm.Name(), err)
		}
		info.Chipset = chipset.String()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Start launches a machine.
func (r *Registry) Start(ctx context.Context, name string) error {
	return r.with(ctx, name, func(m *Machine) error { return m.Start(ctx) })
}

// Stop powers a machine down, see session.Controller.Stop.
func (r *Registry) Stop(ctx context.Context, name string, force bool) error {
	return r.with(ctx, name, func(m *Machine) error { return m.Stop(ctx, force) })
}

// Pause suspends (enable) or resumes a machine.
func (r *Registry) Pause(ctx context.Context, name string, enable bool) error {
	return r.with(ctx, name, func(m *Machine) error { return m.Pause(ctx, enable) })
}

// Reset hard resets a machine.
func (r *Registry) Reset(ctx context.Context, name string) error {
	return r.with(ctx, name, func(m *Machine) error { return m.Reset(ctx) })
}

// Adapters returns a machine's adapter records.
func (r *Registry) Adapters(ctx context.Context, name string, reload bool) ([]netcfg.Record, error) {
	var out []netcfg.Record
	err := r.with(ctx, name, func(m *Machine) (err error) {
		out, err = m.Adapters(ctx, reload)
		return err
	})
	return out, err
}

// UpdateAdapter edits one record in memory.
func (r *Registry) UpdateAdapter(ctx context.Context, name string, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error) {
	var out netcfg.Record
	err := r.with(ctx, name, func(m *Machine) (err error) {
		out, err = m.UpdateAdapter(ctx, slot, fn)
		return err
	})
	return out, err
}

// Save writes a machine's records back.
func (r *Registry) Save(ctx context.Context, name string) (SaveMode, error) {
	var mode SaveMode
	err := r.with(ctx, name, func(m *Machine) (err error) {
		mode, err = m.Save(ctx)
		return err
	})
	return mode, err
}

// Export returns the settings entries of the named machines, or of every
// machine when names is empty.
func (r *Registry) Export(ctx context.Context, names []string) ([]settings.Entry, error) {
	if len(names) == 0 {
		infos, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			names = append(names, info.Name)
		}
	}

	entries := make([]settings.Entry, 0, len(names))
	for _, name := range names {
		var e settings.Entry
		if err := r.with(ctx, name, func(m *Machine) (err error) {
			e, err = m.Entry(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Import applies each entry to the machine with the same UUID, or failing
// that the same name, and saves it. Entries matching no machine are
// reported; the others are imported regardless.
func (r *Registry) Import(ctx context.Context, entries []settings.Entry) error {
	var errs []error
	for _, e := range entries {
		hm, err := r.resolveEntry(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", e.Name, err))
			continue
		}
		if err := r.with(ctx, hm.ID(), func(m *Machine) error { return m.Import(ctx, e) }); err != nil {
			errs = append(errs, fmt.Errorf("import %s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve names the machine an imported entry would be applied to: the one
// with the entry's UUID, or failing that its name.
func (r *Registry) Resolve(ctx context.Context, e settings.Entry) (id, name string, err error) {
	hm, err := r.resolveEntry(ctx, e)
	if err != nil {
		return "", "", err
	}
	return hm.ID(), hm.Name(), nil
}

func (r *Registry) resolveEntry(ctx context.Context, e settings.Entry) (hypervisor.Machine, error) {
	if id, err := uuid.Parse(strings.TrimSpace(e.UUID)); err == nil {
		if hm, err := r.conn.FindMachine(ctx, id.String()); err == nil {
			return hm, nil
		}
	}
	return r.conn.FindMachine(ctx, e.Name)
}

func (r *Registry) with(ctx context.Context, name string, fn func(m *Machine) error) error {
	m, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}

func (r *Registry) lookup(id string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machines[id]
}

// enqueue hands an event to Run through sink. Backends may dispatch from
// inside a call made under the machine lock, so delivery never blocks.
func (r *Registry) enqueue(ctx context.Context, sink events.Sink, ev hypervisor.Event) {
	if err := sink.Write(ev); err != nil {
		log.G(ctx).WithError(err).WithField("machine", ev.MachineID).WithField("kind", ev.Kind).Warn("dropping event")
	}
}

func kindMatcher(kind hypervisor.EventKind) events.Matcher {
	return events.MatcherFunc(func(e events.Event) bool {
		ev, ok := e.(hypervisor.Event)
		return ok && ev.Kind == kind
	})
}

// dropSink writes to a buffered channel without blocking. An event that does
// not fit is refused with ErrQueueFull.
type dropSink struct {
	ch *events.Channel
}

func (s dropSink) Write(e events.Event) error {
	select {
	case s.ch.C <- e:
		return nil
	case <-s.ch.Done():
		return events.ErrSinkClosed
	default:
		return ErrQueueFull
	}
}

func (s dropSink) Close() error {
	return s.ch.Close()
}

func (r *Registry) handle(ctx context.Context, ev hypervisor.Event) {
	m := r.lookup(ev.MachineID)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case hypervisor.EventMachineState:
		if ev.State == hypervisor.MachineStatePoweredOff {
			r.gate.Lock()
			m.ctrl.Release(ctx)
			r.gate.Unlock()
		}
	case hypervisor.EventAdapterChanged:
		if !m.engine.Populated() {
			return
		}
		if err := m.engine.Refresh(ctx, ev.Slot); err != nil {
			log.G(ctx).WithError(err).WithField("machine", m.name).WithField("slot", ev.Slot).Warn("refreshing adapter failed")
		}
	}
}
