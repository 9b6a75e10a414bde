package machines

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/adapters"
	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/mount"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/session"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

// Machine bundles the components of one virtual machine. Its methods are
// not safe for concurrent use; go through the Registry, which serializes
// them.
type Machine struct {
	reg  *Registry
	id   string
	name string

	mu     sync.Mutex
	ctrl   *session.Controller
	mounts *mount.Manager
	engine *adapters.Engine
	cancel func()
}

// ID returns the machine UUID.
func (m *Machine) ID() string { return m.id }

// Name returns the machine name.
func (m *Machine) Name() string { return m.name }

// Start launches the machine.
func (m *Machine) Start(ctx context.Context) error {
	m.reg.gate.Lock()
	defer m.reg.gate.Unlock()
	return m.ctrl.Start(ctx)
}

// Stop powers the machine down. A machine started by someone else is
// attached to with a shared lock first.
func (m *Machine) Stop(ctx context.Context, force bool) error {
	m.reg.gate.Lock()
	defer m.reg.gate.Unlock()
	if err := m.attach(ctx); err != nil {
		return err
	}
	return m.ctrl.Stop(ctx, force)
}

// Pause suspends the machine when enable is true and resumes it otherwise.
func (m *Machine) Pause(ctx context.Context, enable bool) error {
	m.reg.gate.Lock()
	defer m.reg.gate.Unlock()
	if err := m.attach(ctx); err != nil {
		return err
	}
	return m.ctrl.Pause(ctx, enable)
}

// Reset hard resets the machine.
func (m *Machine) Reset(ctx context.Context) error {
	m.reg.gate.Lock()
	defer m.reg.gate.Unlock()
	if err := m.attach(ctx); err != nil {
		return err
	}
	return m.ctrl.Reset(ctx)
}

// attach takes a shared lock on an active machine when no session is held.
// Inactive machines are left alone so the controller reports the conflict.
func (m *Machine) attach(ctx context.Context) error {
	if m.ctrl.HasSession() {
		return nil
	}
	st, err := m.ctrl.State(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive() {
		return nil
	}
	return m.ctrl.Lock(ctx, hypervisor.LockShared)
}

// Adapters returns the adapter records, reading them on first use or when
// reload is set.
func (m *Machine) Adapters(ctx context.Context, reload bool) ([]netcfg.Record, error) {
	if reload || !m.engine.Populated() {
		return m.engine.Populate(ctx)
	}
	return m.engine.Records(), nil
}

// UpdateAdapter edits one record in memory and returns the result. Nothing
// is written until Save.
func (m *Machine) UpdateAdapter(ctx context.Context, slot uint32, fn func(rec *netcfg.Record) error) (netcfg.Record, error) {
	if _, err := m.Adapters(ctx, false); err != nil {
		return netcfg.Record{}, err
	}
	if err := m.engine.Update(slot, fn); err != nil {
		return netcfg.Record{}, err
	}
	return m.engine.Records()[slot], nil
}

// Save writes the records back: everything when the machine is off, the
// attachment only while it runs or is paused.
func (m *Machine) Save(ctx context.Context) (SaveMode, error) {
	if !m.engine.Populated() {
		return "", fmt.Errorf("save %s: %w", m.name, adapters.ErrNotPopulated)
	}

	m.reg.gate.Lock()
	defer m.reg.gate.Unlock()

	st, err := m.ctrl.State(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case st.IsActive():
		return SaveRuntime, m.engine.SaveRunTime(ctx)
	case st == hypervisor.MachineStateStopping || st == hypervisor.MachineStateStuck:
		return "", fmt.Errorf("%w: save adapters of %s machine %s", session.ErrStateConflict, st, m.name)
	default:
		return SaveFull, m.engine.Save(ctx)
	}
}

// Entry returns the machine's records as a settings entry.
func (m *Machine) Entry(ctx context.Context) (settings.Entry, error) {
	if _, err := m.Adapters(ctx, false); err != nil {
		return settings.Entry{}, err
	}
	e := m.engine.Entry()
	e.Name, e.UUID = m.name, m.id
	return e, nil
}

// Import applies an imported entry and saves it. Rejected fields do not
// stop the save of the accepted ones; both sets of failures are returned.
func (m *Machine) Import(ctx context.Context, e settings.Entry) error {
	if _, err := m.Adapters(ctx, true); err != nil {
		return err
	}
	applyErr := m.engine.Apply(e.Adapters)
	if applyErr != nil {
		log.G(ctx).WithError(applyErr).WithField("machine", m.name).Warn("some imported fields were rejected")
	}
	_, saveErr := m.Save(ctx)
	return errors.Join(applyErr, saveErr)
}

func (m *Machine) close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.ctrl.Close()

	var errs []error
	for _, p := range m.mounts.Active() {
		if err := m.mounts.UnmountPartition(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("unmount partition %d of %s: %w", p, m.name, err))
		}
	}
	return errors.Join(errs...)
}
