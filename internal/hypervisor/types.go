// Package hypervisor defines the control surface vmnetsync needs from a
// virtualization engine: machines, sessions, consoles, network adapters,
// progress objects and asynchronous state notifications.
//
// Backends (see internal/backend) implement these interfaces; the session,
// adapters and machines packages only ever talk to them through this package.
package hypervisor

import (
	"context"
	"fmt"
	"strings"
)

// MachineState is the execution state of a virtual machine.
type MachineState int

const (
	MachineStateNull MachineState = iota
	MachineStatePoweredOff
	MachineStateSaved
	MachineStateAborted
	MachineStateStarting
	MachineStateRunning
	MachineStatePaused
	MachineStateStopping
	MachineStateStuck
)

func (s MachineState) String() string {
	switch s {
	case MachineStatePoweredOff:
		return "powered-off"
	case MachineStateSaved:
		return "saved"
	case MachineStateAborted:
		return "aborted"
	case MachineStateStarting:
		return "starting"
	case MachineStateRunning:
		return "running"
	case MachineStatePaused:
		return "paused"
	case MachineStateStopping:
		return "stopping"
	case MachineStateStuck:
		return "stuck"
	default:
		return "null"
	}
}

// MarshalText renders the state as its string form.
func (s MachineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive reports whether another process owns the machine because it is
// being launched, is running or is paused.
func (s MachineState) IsActive() bool {
	switch s {
	case MachineStateStarting, MachineStateRunning, MachineStatePaused:
		return true
	default:
		return false
	}
}

// SessionState is the lock state of a machine or of a session object.
type SessionState int

const (
	SessionStateNull SessionState = iota
	SessionStateUnlocked
	SessionStateLocked
	SessionStateSpawning
	SessionStateUnlocking
)

func (s SessionState) String() string {
	switch s {
	case SessionStateUnlocked:
		return "unlocked"
	case SessionStateLocked:
		return "locked"
	case SessionStateSpawning:
		return "spawning"
	case SessionStateUnlocking:
		return "unlocking"
	default:
		return "null"
	}
}

// LockType selects the kind of machine lock a session requests.
type LockType int

const (
	// LockShared attaches to a machine that is already running; only
	// runtime-changeable settings can be modified.
	LockShared LockType = iota + 1
	// LockWrite grants exclusive rights to change persistent settings of a
	// powered-off machine.
	LockWrite
)

func (l LockType) String() string {
	switch l {
	case LockShared:
		return "shared"
	case LockWrite:
		return "write"
	default:
		return "none"
	}
}

// Chipset is the emulated chipset of a machine. It bounds the number of
// network adapter slots.
type Chipset int

const (
	ChipsetPIIX3 Chipset = iota
	ChipsetICH9
)

func (c Chipset) String() string {
	if c == ChipsetICH9 {
		return "ICH9"
	}
	return "PIIX3"
}

// AttachmentType is the network backend a virtual NIC is wired to. The
// numeric values are part of the settings file format.
type AttachmentType uint8

const (
	AttachmentNull AttachmentType = iota
	AttachmentNAT
	AttachmentBridged
	AttachmentInternal
	AttachmentHostOnly
	AttachmentGeneric
	AttachmentNATNetwork
)

var attachmentNames = [...]string{
	AttachmentNull:       "null",
	AttachmentNAT:        "nat",
	AttachmentBridged:    "bridged",
	AttachmentInternal:   "internal",
	AttachmentHostOnly:   "hostonly",
	AttachmentGeneric:    "generic",
	AttachmentNATNetwork: "natnetwork",
}

func (t AttachmentType) String() string {
	if int(t) < len(attachmentNames) {
		return attachmentNames[t]
	}
	return fmt.Sprintf("attachment(%d)", uint8(t))
}

// Valid reports whether t is a known attachment type.
func (t AttachmentType) Valid() bool {
	return int(t) < len(attachmentNames)
}

// HasData reports whether the attachment type carries a target name
// (bridge device, internal network, host-only device, generic driver or NAT
// network).
func (t AttachmentType) HasData() bool {
	return t.Valid() && t != AttachmentNull && t != AttachmentNAT
}

// MarshalText renders the attachment type by name.
func (t AttachmentType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAttachment, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses an attachment type name, see ParseAttachmentType.
func (t *AttachmentType) UnmarshalText(text []byte) error {
	parsed, err := ParseAttachmentType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseAttachmentType parses a case-insensitive attachment type name. The
// VirtualBox spellings "none", "intnet" and "host-only" are accepted too.
func ParseAttachmentType(s string) (AttachmentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null", "none", "":
		return AttachmentNull, nil
	case "nat":
		return AttachmentNAT, nil
	case "bridged", "bridge":
		return AttachmentBridged, nil
	case "internal", "intnet":
		return AttachmentInternal, nil
	case "hostonly", "host-only":
		return AttachmentHostOnly, nil
	case "generic":
		return AttachmentGeneric, nil
	case "natnetwork", "nat-network":
		return AttachmentNATNetwork, nil
	}
	return AttachmentNull, fmt.Errorf("%w: %q", ErrUnknownAttachment, s)
}

// Connection is a process-scoped handle to the hypervisor. It is created once,
// passed explicitly to every component that needs it, and closed on
// shutdown.
type Connection interface {
	// Machines lists every registered machine.
	Machines(ctx context.Context) ([]Machine, error)
	// FindMachine resolves a machine by UUID or name. The returned handle is
	// read-only until a session locks it.
	FindMachine(ctx context.Context, nameOrID string) (Machine, error)
	// NewSession creates an unlocked session object.
	NewSession(ctx context.Context) (Session, error)
	// MaxNetworkAdapters reports the adapter slot count for a chipset.
	MaxNetworkAdapters(ctx context.Context, chipset Chipset) (uint32, error)
	// Subscribe registers l for events of the machine with the given UUID.
	// The returned function removes the registration.
	Subscribe(machineID string, l Listener) (cancel func())
	// Ping performs a cheap round trip to keep the connection responsive.
	Ping(ctx context.Context) error
	// Close tears the connection down.
	Close() error
}

// Machine is a handle to one virtual machine. Handles obtained from
// Connection are read-only; the handle returned by a locked Session (or by
// a Console) accepts mutations.
type Machine interface {
	ID() string
	Name() string
	State(ctx context.Context) (MachineState, error)
	SessionState(ctx context.Context) (SessionState, error)
	Chipset(ctx context.Context) (Chipset, error)
	// HardDisks returns the image locations of attached hard disks in
	// controller order.
	HardDisks(ctx context.Context) ([]string, error)
	// NetworkAdapter looks up the adapter in the given slot.
	NetworkAdapter(ctx context.Context, slot uint32) (Adapter, error)
	LockMachine(ctx context.Context, s Session, lock LockType) error
	LaunchVMProcess(ctx context.Context, s Session) (Progress, error)
	// SaveSettings persists pending changes made through a write lock.
	SaveSettings(ctx context.Context) error
}

// Session is a lock token granting mutation rights over one machine.
type Session interface {
	State(ctx context.Context) (SessionState, error)
	// Machine returns the mutable machine proxy, or nil when unlocked.
	Machine() Machine
	// Console returns the console of a running machine bound to the session.
	Console(ctx context.Context) (Console, error)
	UnlockMachine(ctx context.Context) error
}

// Console controls a running machine.
type Console interface {
	// Machine returns the live machine whose adapters accept runtime
	// changes.
	Machine() Machine
	PowerDown(ctx context.Context) (Progress, error)
	PowerButton(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Adapter is one virtual NIC slot. MAC addresses cross this interface as 12
// uppercase hex digits without separators.
type Adapter interface {
	Slot() uint32
	Enabled(ctx context.Context) (bool, error)
	SetEnabled(ctx context.Context, enabled bool) error
	MACAddress(ctx context.Context) (string, error)
	SetMACAddress(ctx context.Context, mac string) error
	CableConnected(ctx context.Context) (bool, error)
	SetCableConnected(ctx context.Context, connected bool) error
	AttachmentType(ctx context.Context) (AttachmentType, error)
	SetAttachmentType(ctx context.Context, t AttachmentType) error
	// AttachmentData returns the target name stored for attachment type t.
	AttachmentData(ctx context.Context, t AttachmentType) (string, error)
	SetAttachmentData(ctx context.Context, t AttachmentType, data string) error
}
