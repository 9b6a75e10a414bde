//go:build libvirt

package backend

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/containerd/log"
	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
)

// Conn is a hypervisor.Connection backed by a libvirtd RPC connection.
//
// libvirt has no notion of VirtualBox style session locks, so Conn keeps an
// in-process lock table: one session per domain at a time. A write lock
// edits the persistent (inactive) definition and commits it on
// SaveSettings; a shared lock applies adapter changes to the running domain.
type Conn struct {
	hypervisor.Dispatcher

	l      *libvirt.Libvirt
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	locks map[string]*session
}

var _ hypervisor.Connection = (*Conn)(nil)

// Dial connects to libvirtd and starts delivering domain lifecycle events to
// subscribers.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", opts.socket())
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %s: %w", opts.socket(), err)
	}

	l := libvirt.New(c)
	if opts.URI != "" {
		err = l.ConnectToURI(libvirt.ConnectURI(opts.URI))
	} else {
		err = l.Connect()
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to libvirt: %w", err)
	}

	evctx, cancel := context.WithCancel(context.Background())
	events, err := l.LifecycleEvents(evctx)
	if err != nil {
		cancel()
		_ = l.Disconnect()
		return nil, fmt.Errorf("subscribe to lifecycle events: %w", err)
	}

	conn := &Conn{
		l:      l,
		cancel: cancel,
		done:   make(chan struct{}),
		locks:  make(map[string]*session),
	}
	go conn.watch(log.WithLogger(evctx, log.G(ctx)), events)

	log.G(ctx).WithField("socket", opts.socket()).Info("connected to libvirt")
	return conn, nil
}

// Close stops event delivery and disconnects from libvirtd.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	if err := c.l.Disconnect(); err != nil {
		return fmt.Errorf("disconnect from libvirt: %w", err)
	}
	return nil
}

// Ping asks the daemon for its library version.
func (c *Conn) Ping(ctx context.Context) error {
	if _, err := c.l.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("ping libvirt: %w", err)
	}
	return nil
}

// Machines lists all persistent and transient domains.
func (c *Conn) Machines(ctx context.Context) ([]hypervisor.Machine, error) {
	flags := libvirt.ConnectListDomainsActive | libvirt.ConnectListDomainsInactive
	doms, _, err := c.l.ConnectListAllDomains(1, flags)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]hypervisor.Machine, 0, len(doms))
	for _, dom := range doms {
		out = append(out, c.handle(dom))
	}
	return out, nil
}

// FindMachine looks a domain up by UUID, falling back to its name.
func (c *Conn) FindMachine(ctx context.Context, nameOrID string) (hypervisor.Machine, error) {
	var (
		dom libvirt.Domain
		err error
	)
	if id, perr := uuid.Parse(nameOrID); perr == nil {
		dom, err = c.l.DomainLookupByUUID(libvirt.UUID(id))
	} else {
		dom, err = c.l.DomainLookupByName(nameOrID)
	}
	if err != nil {
		if libvirt.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", hypervisor.ErrMachineNotFound, nameOrID)
		}
		return nil, fmt.Errorf("lookup domain %s: %w", nameOrID, err)
	}
	return c.handle(dom), nil
}

// NewSession returns an unlocked session.
func (c *Conn) NewSession(ctx context.Context) (hypervisor.Session, error) {
	return &session{c: c, state: hypervisor.SessionStateUnlocked}, nil
}

// MaxNetworkAdapters reports the slot count of the chipset.
func (c *Conn) MaxNetworkAdapters(ctx context.Context, chipset hypervisor.Chipset) (uint32, error) {
	return maxSlots(chipset), nil
}

func (c *Conn) handle(dom libvirt.Domain) *machine {
	return &machine{c: c, dom: dom, id: uuid.UUID(dom.UUID).String()}
}

func (c *Conn) watch(ctx context.Context, events <-chan libvirt.DomainEventLifecycleMsg) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleLifecycle(ctx, ev)
		}
	}
}

func (c *Conn) handleLifecycle(ctx context.Context, ev libvirt.DomainEventLifecycleMsg) {
	state, ok := lifecycleState(libvirt.DomainEventType(ev.Event))
	if !ok {
		return
	}
	id := uuid.UUID(ev.Dom.UUID).String()
	log.G(ctx).WithField("machine", ev.Dom.Name).WithField("state", state).WithField("listeners", c.Listeners(id)).Debug("domain lifecycle event")

	if state == hypervisor.MachineStatePoweredOff || state == hypervisor.MachineStateAborted {
		c.releaseLive(id)
	}
	c.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventMachineState,
		MachineID: id,
		State:     state,
	})
}

// releaseLive drops a shared lock once its domain stops: the session that
// controlled the running machine no longer has anything to control.
func (c *Conn) releaseLive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.locks[id]
	if s == nil || s.mode != modeLive {
		return
	}
	delete(c.locks, id)
	s.mu.Lock()
	s.state = hypervisor.SessionStateUnlocked
	s.m = nil
	s.mu.Unlock()
}

func lifecycleState(ev libvirt.DomainEventType) (hypervisor.MachineState, bool) {
	switch ev {
	case libvirt.DomainEventStarted, libvirt.DomainEventResumed:
		return hypervisor.MachineStateRunning, true
	case libvirt.DomainEventSuspended:
		return hypervisor.MachineStatePaused, true
	case libvirt.DomainEventShutdown:
		return hypervisor.MachineStateStopping, true
	case libvirt.DomainEventStopped:
		return hypervisor.MachineStatePoweredOff, true
	case libvirt.DomainEventPmsuspended:
		return hypervisor.MachineStateSaved, true
	case libvirt.DomainEventCrashed:
		return hypervisor.MachineStateAborted, true
	default:
		return hypervisor.MachineStateNull, false
	}
}

func domainState(s libvirt.DomainState) hypervisor.MachineState {
	switch s {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return hypervisor.MachineStateRunning
	case libvirt.DomainPaused:
		return hypervisor.MachineStatePaused
	case libvirt.DomainShutdown:
		return hypervisor.MachineStateStopping
	case libvirt.DomainShutoff:
		return hypervisor.MachineStatePoweredOff
	case libvirt.DomainCrashed:
		return hypervisor.MachineStateAborted
	case libvirt.DomainPmsuspended:
		return hypervisor.MachineStateSaved
	default:
		return hypervisor.MachineStateNull
	}
}

type mode int

const (
	modeReadOnly mode = iota
	modeWrite
	modeLive
)

type machine struct {
	c    *Conn
	dom  libvirt.Domain
	id   string
	mode mode
	sess *session
}

func (m *machine) ID() string   { return m.id }
func (m *machine) Name() string { return m.dom.Name }

func (m *machine) State(ctx context.Context) (hypervisor.MachineState, error) {
	st, _, err := m.c.l.DomainGetState(m.dom, 0)
	if err != nil {
		return hypervisor.MachineStateNull, fmt.Errorf("get state of %s: %w", m.dom.Name, err)
	}
	return domainState(libvirt.DomainState(st)), nil
}

func (m *machine) SessionState(ctx context.Context) (hypervisor.SessionState, error) {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	if m.c.locks[m.id] != nil {
		return hypervisor.SessionStateLocked, nil
	}
	return hypervisor.SessionStateUnlocked, nil
}

// definition returns the domain XML this handle sees: the pending edit for
// write handles, the live definition for running domains and the persistent
// one otherwise.
func (m *machine) definition(ctx context.Context) (*libvirtxml.Domain, error) {
	if m.mode == modeWrite {
		m.sess.mu.Lock()
		defer m.sess.mu.Unlock()
		if m.sess.edit == nil {
			return nil, hypervisor.ErrSessionNotLocked
		}
		return m.sess.edit.dom, nil
	}
	doc, err := m.c.l.DomainGetXMLDesc(m.dom, 0)
	if err != nil {
		return nil, fmt.Errorf("get xml of %s: %w", m.dom.Name, err)
	}
	return parseDomain(doc)
}

func (m *machine) Chipset(ctx context.Context) (hypervisor.Chipset, error) {
	dom, err := m.definition(ctx)
	if err != nil {
		return hypervisor.ChipsetPIIX3, err
	}
	return chipsetOf(dom), nil
}

func (m *machine) HardDisks(ctx context.Context) ([]string, error) {
	dom, err := m.definition(ctx)
	if err != nil {
		return nil, err
	}
	return hardDisks(dom), nil
}

func (m *machine) NetworkAdapter(ctx context.Context, slot uint32) (hypervisor.Adapter, error) {
	chipset, err := m.Chipset(ctx)
	if err != nil {
		return nil, err
	}
	if slot >= maxSlots(chipset) {
		return nil, fmt.Errorf("%w: %d", hypervisor.ErrNoSuchSlot, slot)
	}
	return &adapter{m: m, slot: slot}, nil
}

func (m *machine) LockMachine(ctx context.Context, s hypervisor.Session, lock hypervisor.LockType) error {
	sess, ok := s.(*session)
	if !ok || sess.c != m.c {
		return fmt.Errorf("lock machine %s: foreign session type %T", m.dom.Name, s)
	}

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	md := modeWrite
	switch lock {
	case hypervisor.LockWrite:
		if state.IsActive() {
			return fmt.Errorf("lock machine %s for writing: state %s", m.dom.Name, state)
		}
	case hypervisor.LockShared:
		if !state.IsActive() {
			return fmt.Errorf("lock machine %s shared: %w", m.dom.Name, hypervisor.ErrNotRunning)
		}
		md = modeLive
	default:
		return fmt.Errorf("lock machine %s: unsupported lock type %s", m.dom.Name, lock)
	}

	if err := m.c.reserve(m.id, sess); err != nil {
		return err
	}

	var edit *domainEdit
	if md == modeWrite {
		doc, err := m.c.l.DomainGetXMLDesc(m.dom, libvirt.DomainXMLInactive)
		if err == nil {
			edit, err = newDomainEdit(doc)
		}
		if err != nil {
			m.c.release(m.id, sess)
			return fmt.Errorf("lock machine %s: %w", m.dom.Name, err)
		}
	}
	sess.bind(&machine{c: m.c, dom: m.dom, id: m.id, mode: md, sess: sess}, edit)
	return nil
}

// LaunchVMProcess starts the domain. libvirt creates domains synchronously,
// so the returned progress is already complete.
func (m *machine) LaunchVMProcess(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
	sess, ok := s.(*session)
	if !ok || sess.c != m.c {
		return nil, fmt.Errorf("launch %s: foreign session type %T", m.dom.Name, s)
	}
	if err := m.c.reserve(m.id, sess); err != nil {
		return nil, err
	}
	if err := m.c.l.DomainCreate(m.dom); err != nil {
		m.c.release(m.id, sess)
		return hypervisor.Done(fmt.Errorf("create domain %s: %w", m.dom.Name, err)), nil
	}
	sess.bind(&machine{c: m.c, dom: m.dom, id: m.id, mode: modeLive, sess: sess}, nil)
	return hypervisor.Done(nil), nil
}

func (m *machine) SaveSettings(ctx context.Context) error {
	if m.mode != modeWrite {
		return fmt.Errorf("save settings of %s: %w", m.dom.Name, hypervisor.ErrNotMutable)
	}
	m.sess.mu.Lock()
	defer m.sess.mu.Unlock()
	if m.sess.edit == nil {
		return fmt.Errorf("save settings of %s: %w", m.dom.Name, hypervisor.ErrSessionNotLocked)
	}
	if !m.sess.edit.dirty {
		return nil
	}
	doc, err := m.sess.edit.marshal()
	if err != nil {
		return err
	}
	if _, err := m.c.l.DomainDefineXML(doc); err != nil {
		return fmt.Errorf("define domain %s: %w", m.dom.Name, err)
	}
	m.sess.edit.dirty = false
	return nil
}

func (c *Conn) reserve(id string, s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if holder := c.locks[id]; holder != nil && holder != s {
		return hypervisor.ErrLocked
	}
	c.locks[id] = s
	return nil
}

func (c *Conn) release(id string, s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[id] == s {
		delete(c.locks, id)
	}
}

type session struct {
	c *Conn

	mu    sync.Mutex
	state hypervisor.SessionState
	mode  mode
	m     *machine
	edit  *domainEdit
}

func (s *session) bind(m *machine, edit *domainEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = hypervisor.SessionStateLocked
	s.mode = m.mode
	s.m = m
	s.edit = edit
}

func (s *session) State(ctx context.Context) (hypervisor.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *session) Machine() hypervisor.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return nil
	}
	return s.m
}

func (s *session) Console(ctx context.Context) (hypervisor.Console, error) {
	s.mu.Lock()
	m := s.m
	locked := s.state == hypervisor.SessionStateLocked
	s.mu.Unlock()
	if !locked || m == nil {
		return nil, hypervisor.ErrSessionNotLocked
	}

	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if !state.IsActive() && state != hypervisor.MachineStateStopping {
		return nil, hypervisor.ErrNotRunning
	}
	return &console{m: &machine{c: m.c, dom: m.dom, id: m.id, mode: modeLive, sess: s}}, nil
}

// UnlockMachine releases the lock. Edits not committed by SaveSettings are
// discarded.
func (s *session) UnlockMachine(ctx context.Context) error {
	s.mu.Lock()
	if s.state != hypervisor.SessionStateLocked || s.m == nil {
		s.mu.Unlock()
		return hypervisor.ErrSessionNotLocked
	}
	id := s.m.id
	if s.edit != nil && s.edit.dirty {
		log.G(ctx).WithField("machine", s.m.dom.Name).Warn("discarding unsaved settings")
	}
	s.state = hypervisor.SessionStateUnlocked
	s.m = nil
	s.edit = nil
	s.mu.Unlock()

	s.c.release(id, s)
	return nil
}

type console struct {
	m *machine
}

func (c *console) Machine() hypervisor.Machine { return c.m }

// PowerDown destroys the domain; libvirt's destroy is synchronous.
func (c *console) PowerDown(ctx context.Context) (hypervisor.Progress, error) {
	if err := c.m.c.l.DomainDestroy(c.m.dom); err != nil {
		return hypervisor.Done(fmt.Errorf("destroy domain %s: %w", c.m.dom.Name, err)), nil
	}
	return hypervisor.Done(nil), nil
}

func (c *console) PowerButton(ctx context.Context) error {
	if err := c.m.c.l.DomainShutdown(c.m.dom); err != nil {
		return fmt.Errorf("shutdown domain %s: %w", c.m.dom.Name, err)
	}
	return nil
}

func (c *console) Pause(ctx context.Context) error {
	if err := c.m.c.l.DomainSuspend(c.m.dom); err != nil {
		return fmt.Errorf("suspend domain %s: %w", c.m.dom.Name, err)
	}
	return nil
}

func (c *console) Resume(ctx context.Context) error {
	if err := c.m.c.l.DomainResume(c.m.dom); err != nil {
		return fmt.Errorf("resume domain %s: %w", c.m.dom.Name, err)
	}
	return nil
}

func (c *console) Reset(ctx context.Context) error {
	if err := c.m.c.l.DomainReset(c.m.dom, 0); err != nil {
		return fmt.Errorf("reset domain %s: %w", c.m.dom.Name, err)
	}
	return nil
}

type adapter struct {
	m    *machine
	slot uint32

	// pending is an attachment type set through a live handle that waits
	// for its data, so that both reach the running domain in one update.
	pending *hypervisor.AttachmentType
}

func (a *adapter) Slot() uint32 { return a.slot }

func (a *adapter) read(ctx context.Context) (nic, error) {
	if a.m.mode == modeWrite {
		a.m.sess.mu.Lock()
		defer a.m.sess.mu.Unlock()
		if a.m.sess.edit == nil {
			return nic{}, hypervisor.ErrSessionNotLocked
		}
		return a.m.sess.edit.get(a.slot), nil
	}
	dom, err := a.m.definition(ctx)
	if err != nil {
		return nic{}, err
	}
	if i, ok := interfaceSlots(dom)[a.slot]; ok {
		return readInterface(&dom.Devices.Interfaces[i]), nil
	}
	return disabledNIC(), nil
}

func (a *adapter) Enabled(ctx context.Context) (bool, error) {
	n, err := a.read(ctx)
	return n.Enabled, err
}

func (a *adapter) MACAddress(ctx context.Context) (string, error) {
	n, err := a.read(ctx)
	return n.MAC, err
}

func (a *adapter) CableConnected(ctx context.Context) (bool, error) {
	n, err := a.read(ctx)
	return n.Cable, err
}

func (a *adapter) AttachmentType(ctx context.Context) (hypervisor.AttachmentType, error) {
	n, err := a.read(ctx)
	return n.Type, err
}

func (a *adapter) AttachmentData(ctx context.Context, t hypervisor.AttachmentType) (string, error) {
	n, err := a.read(ctx)
	return n.Data[t], err
}

func (a *adapter) SetEnabled(ctx context.Context, enabled bool) error {
	return a.update(ctx, "enabled", false, func(n *nic) { n.Enabled = enabled })
}

func (a *adapter) SetMACAddress(ctx context.Context, mac string) error {
	return a.update(ctx, "mac", false, func(n *nic) { n.MAC = mac })
}

func (a *adapter) SetCableConnected(ctx context.Context, connected bool) error {
	return a.update(ctx, "cable", true, func(n *nic) { n.Cable = connected })
}

// SetAttachmentType changes the attachment type. On a live handle a type
// that carries data is held until the following SetAttachmentData.
func (a *adapter) SetAttachmentType(ctx context.Context, t hypervisor.AttachmentType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", hypervisor.ErrUnknownAttachment, uint8(t))
	}
	a.pending = nil
	if a.m.mode == modeLive && t.HasData() {
		a.pending = &t
		return nil
	}
	return a.update(ctx, "type", true, func(n *nic) { n.Type = t })
}

func (a *adapter) SetAttachmentData(ctx context.Context, t hypervisor.AttachmentType, data string) error {
	if a.pending != nil {
		pt := *a.pending
		a.pending = nil
		if pt != t {
			return fmt.Errorf("set data of adapter %d: %s data for pending type %s: %w", a.slot, t, pt, hypervisor.ErrNotRuntimeChangeable)
		}
		return a.update(ctx, "type", true, func(n *nic) {
			n.Type = t
			n.Data[t] = data
		})
	}
	return a.update(ctx, "data", true, func(n *nic) { n.Data[t] = data })
}

func (a *adapter) update(ctx context.Context, field string, runtime bool, fn func(n *nic)) error {
	switch a.m.mode {
	case modeWrite:
		a.m.sess.mu.Lock()
		defer a.m.sess.mu.Unlock()
		if a.m.sess.edit == nil {
			return hypervisor.ErrSessionNotLocked
		}
		n := a.m.sess.edit.get(a.slot)
		fn(&n)
		if err := a.m.sess.edit.set(a.slot, n); err != nil {
			return fmt.Errorf("set %s of adapter %d: %w", field, a.slot, err)
		}
		return nil
	case modeLive:
		if !runtime {
			return fmt.Errorf("set %s of adapter %d: %w", field, a.slot, hypervisor.ErrNotRuntimeChangeable)
		}
		return a.updateLive(ctx, field, fn)
	default:
		return fmt.Errorf("set %s of adapter %d: %w", field, a.slot, hypervisor.ErrNotMutable)
	}
}

// updateLive rewrites the running domain's interface for the slot. Unchanged
// values are not pushed.
func (a *adapter) updateLive(ctx context.Context, field string, fn func(n *nic)) error {
	dom, err := a.m.definition(ctx)
	if err != nil {
		return err
	}
	iface, err := liveInterface(dom, a.slot, fn)
	if err != nil {
		return fmt.Errorf("set %s of adapter %d: %w", field, a.slot, err)
	}
	if iface == nil {
		return nil
	}
	doc, err := iface.Marshal()
	if err != nil {
		return fmt.Errorf("marshal interface %d: %w", a.slot, err)
	}
	if err := a.m.c.l.DomainUpdateDeviceFlags(a.m.dom, doc, libvirt.DomainDeviceModifyLive); err != nil {
		return fmt.Errorf("update interface %d of %s: %w", a.slot, a.m.dom.Name, err)
	}

	a.m.c.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventAdapterChanged,
		MachineID: a.m.id,
		Slot:      a.slot,
	})
	return nil
}
