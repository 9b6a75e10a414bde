// Package session drives the lock and lifecycle state machine of one
// machine: acquiring and releasing session locks, starting, stopping,
// pausing and resetting it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/metrics"
)

// Controller owns the session of one machine. It is not safe for
// concurrent use; callers serialize access per machine.
type Controller struct {
	conn     hypervisor.Connection
	id       string
	name     string
	machine  hypervisor.Machine
	session  hypervisor.Session
	console  hypervisor.Console
	listener hypervisor.Listener
	cancel   func()

	// PollInterval is used while waiting for launch and power down.
	PollInterval time.Duration
}

// New returns a Controller for m. listener, if not nil, is subscribed to
// the machine's events once a session is established and stays subscribed
// until Close.
func New(conn hypervisor.Connection, m hypervisor.Machine, listener hypervisor.Listener) *Controller {
	return &Controller{
		conn:     conn,
		id:       m.ID(),
		name:     m.Name(),
		machine:  m,
		listener: listener,
	}
}

// ID returns the machine UUID.
func (c *Controller) ID() string { return c.id }

// Name returns the machine name.
func (c *Controller) Name() string { return c.name }

// Machine returns the cached machine handle. After a write lock it is the
// mutable proxy of the session.
func (c *Controller) Machine() hypervisor.Machine { return c.machine }

// HasSession reports whether a session is believed held.
func (c *Controller) HasSession() bool { return c.session != nil }

// State returns the current machine state.
func (c *Controller) State(ctx context.Context) (hypervisor.MachineState, error) {
	st, err := c.machine.State(ctx)
	if err != nil {
		return hypervisor.MachineStateNull, fmt.Errorf("read state of %s: %w", c.name, err)
	}
	return st, nil
}

// Lock acquires a session lock. A write lock needs a machine that is not
// starting, running or paused; a shared lock needs one that is. Any session
// held before is released first, and the machine must then report itself
// unlocked.
func (c *Controller) Lock(ctx context.Context, mode hypervisor.LockType) (err error) {
	defer func() {
		metrics.SessionLocks.WithLabelValues(mode.String(), metrics.Result(err)).Inc()
	}()

	state, err := c.State(ctx)
	if err != nil {
		return err
	}
	if state.IsActive() != (mode == hypervisor.LockShared) {
		return fmt.Errorf("%w: %s lock on %s machine %s", ErrStateConflict, mode, state, c.name)
	}

	if c.session != nil {
		if err := c.Unlock(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("machine", c.name).Warn("releasing previous session failed")
		}
	}

	ss, err := c.machine.SessionState(ctx)
	if err != nil {
		return fmt.Errorf("read session state of %s: %w", c.name, err)
	}
	if ss != hypervisor.SessionStateUnlocked {
		return fmt.Errorf("%w: machine %s session is %s", ErrStateConflict, c.name, ss)
	}

	s, err := c.conn.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("create session for %s: %w", c.name, err)
	}
	if err := c.machine.LockMachine(ctx, s, mode); err != nil {
		return fmt.Errorf("lock %s: %w", c.name, err)
	}
	if st, err := s.State(ctx); err != nil || st != hypervisor.SessionStateLocked {
		if err == nil {
			err = fmt.Errorf("session is %s", st)
		}
		return fmt.Errorf("%w: %s: %w", ErrNotLocked, c.name, err)
	}

	c.session = s
	c.console = nil
	if m := s.Machine(); m != nil {
		c.machine = m
	}
	c.subscribe()
	log.G(ctx).WithField("machine", c.name).WithField("mode", mode).Debug("session locked")
	return nil
}

// Unlock releases the held session and re-resolves the machine handle. The
// session is dropped even when unlocking fails.
func (c *Controller) Unlock(ctx context.Context) error {
	if c.session == nil {
		return fmt.Errorf("unlock %s: %w", c.name, ErrNoSession)
	}

	var errs []error
	if err := c.session.UnlockMachine(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unlock %s: %w", c.name, err))
	}
	c.session = nil
	c.console = nil
	if err := c.resolve(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Start launches the machine and waits until the launch completes.
func (c *Controller) Start(ctx context.Context) error {
	state, err := c.State(ctx)
	if err != nil {
		return err
	}
	if state.IsActive() {
		return fmt.Errorf("%w: start %s machine %s", ErrStateConflict, state, c.name)
	}
	if c.session != nil {
		if err := c.Unlock(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("machine", c.name).Warn("releasing previous session failed")
		}
	}

	s, err := c.conn.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("create session for %s: %w", c.name, err)
	}
	p, err := c.machine.LaunchVMProcess(ctx, s)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, c.name, err)
	}
	if err := hypervisor.WaitForCompletion(p, c.PollInterval); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, c.name, err)
	}

	c.session = s
	c.console = nil
	c.subscribe()
	log.G(ctx).WithField("machine", c.name).Info("machine started")
	return nil
}

// Stop powers the machine down. force cuts power and waits for completion;
// otherwise the ACPI power button is pressed and Stop returns at once.
func (c *Controller) Stop(ctx context.Context, force bool) error {
	con, err := c.consoleFor(ctx)
	if err != nil {
		return err
	}

	if force {
		p, err := con.PowerDown(ctx)
		if err != nil {
			return fmt.Errorf("power down %s: %w", c.name, err)
		}
		if err := hypervisor.WaitForCompletion(p, c.PollInterval); err != nil {
			return fmt.Errorf("power down %s: %w", c.name, err)
		}
	} else if err := con.PowerButton(ctx); err != nil {
		return fmt.Errorf("press power button of %s: %w", c.name, err)
	}

	c.session = nil
	c.console = nil
	if err := c.resolve(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("machine", c.name).Warn("re-resolving machine failed")
	}
	log.G(ctx).WithField("machine", c.name).WithField("force", force).Info("machine stopping")
	return nil
}

// Pause suspends the machine when enable is true and resumes it otherwise.
func (c *Controller) Pause(ctx context.Context, enable bool) error {
	con, err := c.consoleFor(ctx)
	if err != nil {
		return err
	}
	if enable {
		if err := con.Pause(ctx); err != nil {
			return fmt.Errorf("pause %s: %w", c.name, err)
		}
		return nil
	}
	if err := con.Resume(ctx); err != nil {
		return fmt.Errorf("resume %s: %w", c.name, err)
	}
	return nil
}

// Reset hard resets the machine.
func (c *Controller) Reset(ctx context.Context) error {
	con, err := c.consoleFor(ctx)
	if err != nil {
		return err
	}
	if err := con.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", c.name, err)
	}
	return nil
}

// Release drops the session after the machine powered off. The hypervisor
// normally releases the lock itself; a session still reporting locked is
// unlocked explicitly.
func (c *Controller) Release(ctx context.Context) {
	if c.session == nil {
		return
	}
	if st, err := c.session.State(ctx); err == nil && st == hypervisor.SessionStateLocked {
		if err := c.session.UnlockMachine(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("machine", c.name).Debug("unlock after power off failed")
		}
	}
	c.session = nil
	c.console = nil
	if err := c.resolve(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("machine", c.name).Warn("re-resolving machine failed")
	}
	log.G(ctx).WithField("machine", c.name).Debug("session released after power off")
}

// LiveMachine returns the machine handle that accepts runtime changes. When
// no session is held, a shared lock is taken for the caller and the
// returned release function drops it again.
func (c *Controller) LiveMachine(ctx context.Context) (hypervisor.Machine, func(), error) {
	attached := false
	if c.session == nil {
		if err := c.Lock(ctx, hypervisor.LockShared); err != nil {
			return nil, nil, err
		}
		attached = true
	}

	con, err := c.consoleFor(ctx)
	if err != nil {
		if attached {
			_ = c.Unlock(ctx)
		}
		return nil, nil, err
	}

	release := func() {}
	if attached {
		release = func() {
			if err := c.Unlock(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("machine", c.name).Warn("releasing shared lock failed")
			}
		}
	}
	return con.Machine(), release, nil
}

// Close drops the event subscription.
func (c *Controller) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) consoleFor(ctx context.Context) (hypervisor.Console, error) {
	if c.session == nil {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNoSession)
	}
	if c.console == nil {
		con, err := c.session.Console(ctx)
		if err != nil {
			return nil, fmt.Errorf("console of %s: %w", c.name, err)
		}
		c.console = con
	}
	return c.console, nil
}

func (c *Controller) resolve(ctx context.Context) error {
	m, err := c.conn.FindMachine(ctx, c.id)
	if err != nil {
		return fmt.Errorf("resolve machine %s: %w", c.id, err)
	}
	c.machine = m
	return nil
}

func (c *Controller) subscribe() {
	if c.listener == nil || c.cancel != nil {
		return
	}
	c.cancel = c.conn.Subscribe(c.id, c.listener)
}
