// Package hvtest provides an in-memory hypervisor.Connection for tests. It
// enforces the same contracts a real backend does: one lock per machine,
// read-only handles until locked, runtime-only changes through shared locks,
// and it records every mutating call so tests can assert on them.
package hvtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
)

// Adapter is the backing state of one NIC slot.
type Adapter struct {
	Enabled bool
	MAC     string
	Cable   bool
	Type    hypervisor.AttachmentType
	Data    map[hypervisor.AttachmentType]string

	// Fail maps a field name ("enabled", "mac", "cable", "type", "data") to
	// the error its setter returns.
	Fail map[string]error
}

// VM is the backing state of one machine.
type VM struct {
	ID       string
	Name     string
	State    hypervisor.MachineState
	Chipset  hypervisor.Chipset
	Disks    []string
	Adapters []*Adapter

	// ForeignLock simulates a session held by another process.
	ForeignLock bool
	// LockNoop makes LockMachine succeed without locking the session.
	LockNoop bool
	// LaunchErr makes LaunchVMProcess complete with a failure.
	LaunchErr error
	// UnlockErr is returned by UnlockMachine.
	UnlockErr error
	// SaveErr is returned by SaveSettings.
	SaveErr error

	SavedCount int
	lockedBy   *Session
}

// Conn is an in-memory hypervisor.Connection.
type Conn struct {
	hypervisor.Dispatcher

	mu       sync.Mutex
	vms      []*VM
	calls    []string
	pings    int
	PingErr  error
	maxSlots map[hypervisor.Chipset]uint32
}

var _ hypervisor.Connection = (*Conn)(nil)

// New returns an empty Conn with VirtualBox's slot limits (8 for PIIX3, 36
// for ICH9).
func New() *Conn {
	return &Conn{
		maxSlots: map[hypervisor.Chipset]uint32{
			hypervisor.ChipsetPIIX3: 8,
			hypervisor.ChipsetICH9:  36,
		},
	}
}

// SetMaxAdapters overrides the slot limit for a chipset.
func (c *Conn) SetMaxAdapters(chipset hypervisor.Chipset, n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSlots[chipset] = n
}

// AddMachine registers a powered-off machine with disabled adapters in every
// slot of its chipset and returns its backing state for further setup.
func (c *Conn) AddMachine(id, name string, chipset hypervisor.Chipset) *VM {
	c.mu.Lock()
	defer c.mu.Unlock()

	vm := &VM{
		ID:      id,
		Name:    name,
		State:   hypervisor.MachineStatePoweredOff,
		Chipset: chipset,
	}
	for i := uint32(0); i < c.maxSlots[chipset]; i++ {
		vm.Adapters = append(vm.Adapters, &Adapter{
			Cable: true,
			Type:  hypervisor.AttachmentNAT,
			Data:  map[hypervisor.AttachmentType]string{},
		})
	}
	c.vms = append(c.vms, vm)
	return vm
}

// Calls returns the mutating calls made so far, e.g. "LockMachine vm1".
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// ResetCalls clears the call log.
func (c *Conn) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Pings returns the number of Ping calls.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Update runs fn on the backing state of a machine under the connection
// lock.
func (c *Conn) Update(id string, fn func(vm *VM)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vm := c.lookup(id); vm != nil {
		fn(vm)
	}
}

// PowerOff completes a pending soft shutdown: the machine becomes powered
// off, any session on it is released, and a state event is dispatched.
func (c *Conn) PowerOff(ctx context.Context, id string) {
	c.mu.Lock()
	vm := c.lookup(id)
	if vm == nil {
		c.mu.Unlock()
		return
	}
	vm.State = hypervisor.MachineStatePoweredOff
	c.releaseLocked(vm)
	c.mu.Unlock()

	c.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventMachineState,
		MachineID: id,
		State:     hypervisor.MachineStatePoweredOff,
	})
}

// ChangeAdapter mutates one slot and dispatches an adapter-changed event,
// as the hypervisor does when another client edits the machine.
func (c *Conn) ChangeAdapter(ctx context.Context, id string, slot uint32, fn func(a *Adapter)) {
	c.mu.Lock()
	vm := c.lookup(id)
	if vm == nil || int(slot) >= len(vm.Adapters) {
		c.mu.Unlock()
		return
	}
	fn(vm.Adapters[slot])
	c.mu.Unlock()

	c.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventAdapterChanged,
		MachineID: id,
		Slot:      slot,
	})
}

func (c *Conn) Machines(ctx context.Context) ([]hypervisor.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]hypervisor.Machine, 0, len(c.vms))
	for _, vm := range c.vms {
		out = append(out, &machine{conn: c, vm: vm})
	}
	return out, nil
}

func (c *Conn) FindMachine(ctx context.Context, nameOrID string) (hypervisor.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("find machine: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	vm := c.lookup(nameOrID)
	if vm == nil {
		return nil, fmt.Errorf("machine %q: %w", nameOrID, hypervisor.ErrMachineNotFound)
	}
	return &machine{conn: c, vm: vm}, nil
}

func (c *Conn) NewSession(ctx context.Context) (hypervisor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return &Session{conn: c, state: hypervisor.SessionStateUnlocked}, nil
}

func (c *Conn) MaxNetworkAdapters(ctx context.Context, chipset hypervisor.Chipset) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSlots[chipset], nil
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.PingErr
}

func (c *Conn) Close() error { return nil }

func (c *Conn) lookup(nameOrID string) *VM {
	for _, vm := range c.vms {
		if vm.ID == nameOrID || vm.Name == nameOrID {
			return vm
		}
	}
	return nil
}

func (c *Conn) record(format string, args ...any) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

// releaseLocked drops the session holding vm. The caller holds c.mu.
func (c *Conn) releaseLocked(vm *VM) {
	if s := vm.lockedBy; s != nil {
		s.state = hypervisor.SessionStateUnlocked
		s.machine = nil
		vm.lockedBy = nil
	}
}

// handleMode describes what a machine handle may change.
type handleMode int

const (
	modeReadOnly handleMode = iota
	modeWrite
	modeLive
)

type machine struct {
	conn *Conn
	vm   *VM
	mode handleMode
}

func (m *machine) ID() string   { return m.vm.ID }
func (m *machine) Name() string { return m.vm.Name }

func (m *machine) State(ctx context.Context) (hypervisor.MachineState, error) {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	return m.vm.State, nil
}

func (m *machine) SessionState(ctx context.Context) (hypervisor.SessionState, error) {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	if m.vm.lockedBy != nil || m.vm.ForeignLock {
		return hypervisor.SessionStateLocked, nil
	}
	return hypervisor.SessionStateUnlocked, nil
}

func (m *machine) Chipset(ctx context.Context) (hypervisor.Chipset, error) {
	return m.vm.Chipset, nil
}

func (m *machine) HardDisks(ctx context.Context) ([]string, error) {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	return append([]string(nil), m.vm.Disks...), nil
}

func (m *machine) NetworkAdapter(ctx context.Context, slot uint32) (hypervisor.Adapter, error) {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	if int(slot) >= len(m.vm.Adapters) {
		return nil, fmt.Errorf("slot %d: %w", slot, hypervisor.ErrNoSuchSlot)
	}
	return &adapter{m: m, slot: slot}, nil
}

func (m *machine) LockMachine(ctx context.Context, s hypervisor.Session, lock hypervisor.LockType) error {
	sess, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("lock machine: foreign session type %T", s)
	}

	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	m.conn.record("LockMachine %s %s", m.vm.Name, lock)

	if m.vm.ForeignLock || (m.vm.lockedBy != nil && m.vm.lockedBy != sess) {
		return hypervisor.ErrLocked
	}
	switch lock {
	case hypervisor.LockWrite:
		if m.vm.State.IsActive() {
			return fmt.Errorf("lock machine %s for writing: state %s", m.vm.Name, m.vm.State)
		}
	case hypervisor.LockShared:
		if !m.vm.State.IsActive() {
			return fmt.Errorf("lock machine %s shared: %w", m.vm.Name, hypervisor.ErrNotRunning)
		}
	}
	if m.vm.LockNoop {
		return nil
	}

	mode := modeWrite
	if lock == hypervisor.LockShared {
		mode = modeLive
	}
	sess.state = hypervisor.SessionStateLocked
	sess.vm = m.vm
	sess.machine = &machine{conn: m.conn, vm: m.vm, mode: mode}
	m.vm.lockedBy = sess
	return nil
}

func (m *machine) LaunchVMProcess(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
	sess, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("launch: foreign session type %T", s)
	}

	m.conn.mu.Lock()
	m.conn.record("LaunchVMProcess %s", m.vm.Name)
	if m.vm.State.IsActive() {
		m.conn.mu.Unlock()
		return nil, fmt.Errorf("launch %s: already %s", m.vm.Name, m.vm.State)
	}
	if m.vm.ForeignLock || m.vm.lockedBy != nil {
		m.conn.mu.Unlock()
		return nil, hypervisor.ErrLocked
	}
	if m.vm.LaunchErr != nil {
		err := m.vm.LaunchErr
		m.conn.mu.Unlock()
		return hypervisor.Done(err), nil
	}
	m.vm.State = hypervisor.MachineStateRunning
	sess.state = hypervisor.SessionStateLocked
	sess.vm = m.vm
	sess.machine = &machine{conn: m.conn, vm: m.vm, mode: modeLive}
	m.vm.lockedBy = sess
	m.conn.mu.Unlock()

	m.conn.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventMachineState,
		MachineID: m.vm.ID,
		State:     hypervisor.MachineStateRunning,
	})
	return &steppedProgress{remaining: 3}, nil
}

func (m *machine) SaveSettings(ctx context.Context) error {
	m.conn.mu.Lock()
	defer m.conn.mu.Unlock()
	m.conn.record("SaveSettings %s", m.vm.Name)
	if m.mode != modeWrite {
		return hypervisor.ErrNotMutable
	}
	if m.vm.SaveErr != nil {
		return m.vm.SaveErr
	}
	m.vm.SavedCount++
	return nil
}

// Session is the fake session object.
type Session struct {
	conn    *Conn
	vm      *VM
	state   hypervisor.SessionState
	machine *machine
}

func (s *Session) State(ctx context.Context) (hypervisor.SessionState, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state, nil
}

func (s *Session) Machine() hypervisor.Machine {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.machine == nil {
		return nil
	}
	return s.machine
}

func (s *Session) Console(ctx context.Context) (hypervisor.Console, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.state != hypervisor.SessionStateLocked || s.vm == nil {
		return nil, hypervisor.ErrSessionNotLocked
	}
	if !s.vm.State.IsActive() && s.vm.State != hypervisor.MachineStateStopping {
		return nil, hypervisor.ErrNotRunning
	}
	return &console{conn: s.conn, vm: s.vm}, nil
}

func (s *Session) UnlockMachine(ctx context.Context) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	name := ""
	if s.vm != nil {
		name = s.vm.Name
	}
	s.conn.record("UnlockMachine %s", name)

	if s.vm != nil && s.vm.UnlockErr != nil {
		return s.vm.UnlockErr
	}
	if s.state != hypervisor.SessionStateLocked {
		return hypervisor.ErrSessionNotLocked
	}
	if s.vm.lockedBy == s {
		s.vm.lockedBy = nil
	}
	s.state = hypervisor.SessionStateUnlocked
	s.machine = nil
	return nil
}

type console struct {
	conn *Conn
	vm   *VM
}

func (c *console) Machine() hypervisor.Machine {
	return &machine{conn: c.conn, vm: c.vm, mode: modeLive}
}

func (c *console) PowerDown(ctx context.Context) (hypervisor.Progress, error) {
	c.conn.mu.Lock()
	c.conn.record("PowerDown %s", c.vm.Name)
	c.vm.State = hypervisor.MachineStatePoweredOff
	c.conn.releaseLocked(c.vm)
	c.conn.mu.Unlock()

	c.conn.Dispatch(ctx, hypervisor.Event{
		Kind:      hypervisor.EventMachineState,
		MachineID: c.vm.ID,
		State:     hypervisor.MachineStatePoweredOff,
	})
	return &steppedProgress{remaining: 2}, nil
}

func (c *console) PowerButton(ctx context.Context) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	c.conn.record("PowerButton %s", c.vm.Name)
	c.vm.State = hypervisor.MachineStateStopping
	return nil
}

func (c *console) Pause(ctx context.Context) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	c.conn.record("Pause %s", c.vm.Name)
	if c.vm.State != hypervisor.MachineStateRunning {
		return hypervisor.ErrNotRunning
	}
	c.vm.State = hypervisor.MachineStatePaused
	return nil
}

func (c *console) Resume(ctx context.Context) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	c.conn.record("Resume %s", c.vm.Name)
	if c.vm.State != hypervisor.MachineStatePaused {
		return fmt.Errorf("resume %s: state %s", c.vm.Name, c.vm.State)
	}
	c.vm.State = hypervisor.MachineStateRunning
	return nil
}

func (c *console) Reset(ctx context.Context) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	c.conn.record("Reset %s", c.vm.Name)
	if !c.vm.State.IsActive() {
		return hypervisor.ErrNotRunning
	}
	return nil
}

type adapter struct {
	m    *machine
	slot uint32
}

func (a *adapter) Slot() uint32 { return a.slot }

func (a *adapter) state() *Adapter {
	return a.m.vm.Adapters[a.slot]
}

func (a *adapter) Enabled(ctx context.Context) (bool, error) {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	return a.state().Enabled, nil
}

func (a *adapter) MACAddress(ctx context.Context) (string, error) {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	return a.state().MAC, nil
}

func (a *adapter) CableConnected(ctx context.Context) (bool, error) {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	return a.state().Cable, nil
}

func (a *adapter) AttachmentType(ctx context.Context) (hypervisor.AttachmentType, error) {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	return a.state().Type, nil
}

func (a *adapter) AttachmentData(ctx context.Context, t hypervisor.AttachmentType) (string, error) {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	return a.state().Data[t], nil
}

func (a *adapter) SetEnabled(ctx context.Context, enabled bool) error {
	return a.set("enabled", false, func(s *Adapter) { s.Enabled = enabled })
}

func (a *adapter) SetMACAddress(ctx context.Context, mac string) error {
	return a.set("mac", false, func(s *Adapter) { s.MAC = mac })
}

func (a *adapter) SetCableConnected(ctx context.Context, connected bool) error {
	return a.set("cable", false, func(s *Adapter) { s.Cable = connected })
}

func (a *adapter) SetAttachmentType(ctx context.Context, t hypervisor.AttachmentType) error {
	if !t.Valid() {
		return hypervisor.ErrUnknownAttachment
	}
	return a.set("type", true, func(s *Adapter) { s.Type = t })
}

func (a *adapter) SetAttachmentData(ctx context.Context, t hypervisor.AttachmentType, data string) error {
	return a.set("data", true, func(s *Adapter) {
		if t.HasData() {
			s.Data[t] = data
		}
	})
}

// set applies fn after the mutability checks. runtime marks settings that
// may be changed through a live handle.
func (a *adapter) set(field string, runtime bool, fn func(s *Adapter)) error {
	a.m.conn.mu.Lock()
	defer a.m.conn.mu.Unlock()
	a.m.conn.record("Set%s %s/%d", field, a.m.vm.Name, a.slot)

	switch a.m.mode {
	case modeReadOnly:
		return hypervisor.ErrNotMutable
	case modeLive:
		if !runtime {
			return hypervisor.ErrNotRuntimeChangeable
		}
	}
	if err := a.state().Fail[field]; err != nil {
		return err
	}
	fn(a.state())
	return nil
}

// steppedProgress completes after a fixed number of polls.
type steppedProgress struct {
	mu        sync.Mutex
	remaining int
}

func (p *steppedProgress) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining > 0 {
		p.remaining--
		return false
	}
	return true
}

func (p *steppedProgress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining == 0 {
		return 100
	}
	return 100 / (p.remaining + 1)
}

func (p *steppedProgress) ResultCode() int32 { return 0 }
func (p *steppedProgress) Err() error        { return nil }
