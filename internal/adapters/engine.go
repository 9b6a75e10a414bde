// Package adapters keeps the network adapters of one machine in sync across
// the hypervisor's NIC settings and the guest's udev rules and ifcfg
// scripts.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/metrics"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
	"github.com/jamesprial/vmnetsync/internal/settings"
)

// Session is the part of session.Controller the engine drives.
type Session interface {
	Machine() hypervisor.Machine
	Lock(ctx context.Context, mode hypervisor.LockType) error
	Unlock(ctx context.Context) error
	LiveMachine(ctx context.Context) (hypervisor.Machine, func(), error)
}

// Mounter is the part of mount.Manager the engine needs.
type Mounter interface {
	MountPartition(ctx context.Context, partition int, readonly bool) error
	UnmountPartition(ctx context.Context, partition int) error
	PartitionPath(partition int) string
}

// Snapshots stores the configuration written by the last successful save.
type Snapshots interface {
	Load(ctx context.Context, machineID string) (settings.Entry, bool, error)
	Save(ctx context.Context, entry settings.Entry) error
}

// Layout locates the guest network files.
type Layout struct {
	// SystemPartition is the disk partition holding the guest root.
	SystemPartition int
	// UdevRules and NetworkScripts are relative to the guest root.
	UdevRules      string
	NetworkScripts string
}

// DefaultLayout is the layout of Red Hat style guests.
var DefaultLayout = Layout{
	SystemPartition: 1,
	UdevRules:       netcfg.UdevRulesFile,
	NetworkScripts:  netcfg.NetworkScriptsDir,
}

// Engine holds the adapter records of one machine.
type Engine struct {
	conn   hypervisor.Connection
	sess   Session
	mounts Mounter
	layout Layout
	snaps  Snapshots

	records   []netcfg.Record
	populated bool
}

// New returns an Engine. snaps may be nil.
func New(conn hypervisor.Connection, sess Session, mounts Mounter, layout Layout, snaps Snapshots) *Engine {
	return &Engine{
		conn:   conn,
		sess:   sess,
		mounts: mounts,
		layout: layout,
		snaps:  snaps,
	}
}

// Populated reports whether Populate has succeeded at least once.
func (e *Engine) Populated() bool { return e.populated }

// Records returns a copy of the current records.
func (e *Engine) Records() []netcfg.Record {
	return append([]netcfg.Record(nil), e.records...)
}

// Entry returns the records as a settings entry of the machine.
func (e *Engine) Entry() settings.Entry {
	m := e.sess.Machine()
	return settings.Entry{Name: m.Name(), UUID: m.ID(), Adapters: e.Records()}
}

// Populate reads every adapter slot from the hypervisor and the guest files
// and replaces the stored records. The guest partition is mounted read-only
// once for the whole call. When it cannot be mounted, guest fields come
// from the last saved snapshot, or default to placeholders.
func (e *Engine) Populate(ctx context.Context) ([]netcfg.Record, error) {
	m := e.sess.Machine()
	chipset, err := m.Chipset(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chipset of %s: %w", m.Name(), err)
	}
	n, err := e.conn.MaxNetworkAdapters(ctx, chipset)
	if err != nil {
		return nil, fmt.Errorf("max adapters for %s: %w", chipset, err)
	}

	records := make([]netcfg.Record, n)
	for slot := uint32(0); slot < n; slot++ {
		if err := readAdapter(ctx, m, slot, &records[slot]); err != nil {
			return nil, err
		}
	}

	if err := e.withGuest(ctx, true, func(g *guest) error {
		for i := range records {
			g.apply(ctx, &records[i])
		}
		return nil
	}); err != nil {
		log.G(ctx).WithError(err).WithField("machine", m.Name()).Warn("guest files unavailable, using last saved configuration")
		e.fromSnapshot(ctx, m.ID(), records)
	}

	e.records = records
	e.populated = true
	return e.Records(), nil
}

// Refresh re-reads one slot, hypervisor and guest side, in place.
func (e *Engine) Refresh(ctx context.Context, slot uint32) error {
	if !e.populated {
		return ErrNotPopulated
	}
	if int(slot) >= len(e.records) {
		return fmt.Errorf("refresh slot %d: %w", slot, hypervisor.ErrNoSuchSlot)
	}

	m := e.sess.Machine()
	var rec netcfg.Record
	if err := readAdapter(ctx, m, slot, &rec); err != nil {
		return err
	}

	if err := e.withGuest(ctx, true, func(g *guest) error {
		g.apply(ctx, &rec)
		return nil
	}); err != nil {
		log.G(ctx).WithError(err).WithField("slot", slot).Debug("guest files unavailable, keeping guest fields")
		old := e.records[slot]
		rec.Name = old.Name
		rec.LastValidName = old.LastValidName
		if old.MAC == rec.MAC {
			rec.IP, rec.SubnetMask = old.IP, old.SubnetMask
		}
	}

	e.records[slot] = rec
	return nil
}

// Update applies fn to a copy of the record in slot and stores it when it
// still validates.
func (e *Engine) Update(slot uint32, fn func(r *netcfg.Record) error) error {
	if !e.populated {
		return ErrNotPopulated
	}
	if int(slot) >= len(e.records) {
		return fmt.Errorf("update slot %d: %w", slot, hypervisor.ErrNoSuchSlot)
	}
	rec := e.records[slot]
	if err := fn(&rec); err != nil {
		return err
	}
	rec.Slot = slot
	if err := rec.Validate(); err != nil {
		return err
	}
	e.records[slot] = rec
	return nil
}

// Apply copies imported records onto the current ones through the
// validating setters. The local LastValidName is kept so the next save
// cleans up the files the guest actually has. Every rejected field is
// reported; accepted fields are applied regardless.
func (e *Engine) Apply(records []netcfg.Record) error {
	if !e.populated {
		return ErrNotPopulated
	}

	var errs []error
	for _, in := range records {
		if int(in.Slot) >= len(e.records) {
			errs = append(errs, &FieldError{Slot: in.Slot, Field: "slot", Err: hypervisor.ErrNoSuchSlot})
			continue
		}
		cur := &e.records[in.Slot]
		cur.Enabled = in.Enabled
		cur.CableConnected = in.CableConnected

		fail := func(field string, err error) {
			if err != nil {
				errs = append(errs, &FieldError{Slot: in.Slot, Field: field, Err: err})
			}
		}
		fail("mac", cur.SetMAC(in.MAC))
		fail("attachment", cur.SetAttachment(in.AttachmentType, in.AttachmentData))
		fail("name", cur.SetName(in.Name))
		fail("ip", cur.SetIP(in.IP))
		fail("subnet mask", cur.SetSubnetMask(in.SubnetMask))
	}
	return errors.Join(errs...)
}

// Save writes every record to the powered-off machine and its guest files.
// Field failures do not stop the remaining writes; all of them are
// returned joined. Hypervisor and guest changes are not rolled back when
// the other half fails.
func (e *Engine) Save(ctx context.Context) (err error) {
	if !e.populated {
		return ErrNotPopulated
	}
	defer func() {
		metrics.AdapterSaves.WithLabelValues("full", metrics.Result(err)).Inc()
	}()

	if err := e.sess.Lock(ctx, hypervisor.LockWrite); err != nil {
		return fmt.Errorf("save adapters: %w", err)
	}
	m := e.sess.Machine()

	var errs []error
	for i := range e.records {
		errs = append(errs, pushAdapter(ctx, m, &e.records[i])...)
	}

	if err := e.withGuest(ctx, false, func(g *guest) error {
		return g.write(ctx, e.records)
	}); err != nil {
		errs = append(errs, fmt.Errorf("guest files: %w", err))
	}

	if err := m.SaveSettings(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save settings of %s: %w", m.Name(), err))
	}
	if err := e.sess.Unlock(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		log.G(ctx).WithError(err).WithField("machine", m.Name()).Warn("adapter save incomplete")
		return err
	}

	if e.snaps != nil {
		if err := e.snaps.Save(ctx, e.Entry()); err != nil {
			log.G(ctx).WithError(err).Warn("storing saved configuration failed")
		}
	}
	log.G(ctx).WithField("machine", m.Name()).Info("adapters saved")
	return nil
}

// SaveRunTime applies attachment type and target to the running machine.
// Other fields cannot change while it runs and are left alone.
func (e *Engine) SaveRunTime(ctx context.Context) (err error) {
	if !e.populated {
		return ErrNotPopulated
	}
	defer func() {
		metrics.AdapterSaves.WithLabelValues("runtime", metrics.Result(err)).Inc()
	}()

	m, release, err := e.sess.LiveMachine(ctx)
	if err != nil {
		return fmt.Errorf("save runtime adapters: %w", err)
	}
	defer release()

	var errs []error
	for i := range e.records {
		rec := &e.records[i]
		a, err := m.NetworkAdapter(ctx, rec.Slot)
		if err != nil {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "adapter", Err: err})
			continue
		}
		if err := a.SetAttachmentType(ctx, rec.AttachmentType); err != nil {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "attachment type", Err: err})
		}
		if rec.AttachmentType.HasData() {
			if err := a.SetAttachmentData(ctx, rec.AttachmentType, rec.AttachmentData); err != nil {
				errs = append(errs, &FieldError{Slot: rec.Slot, Field: "attachment data", Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

// withGuest mounts the system partition, runs fn against it and unmounts
// it again. Mount and unmount failures are returned together with fn's.
func (e *Engine) withGuest(ctx context.Context, readonly bool, fn func(g *guest) error) error {
	part := e.layout.SystemPartition
	if err := e.mounts.MountPartition(ctx, part, readonly); err != nil {
		return err
	}

	root := e.mounts.PartitionPath(part)
	g := &guest{
		rulesPath:  filepath.Join(root, e.layout.UdevRules),
		scriptsDir: filepath.Join(root, e.layout.NetworkScripts),
	}
	var errs []error
	if readonly {
		if err := g.load(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		if err := fn(g); err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.mounts.UnmountPartition(ctx, part); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) fromSnapshot(ctx context.Context, machineID string, records []netcfg.Record) {
	var saved []netcfg.Record
	if e.snaps != nil {
		entry, ok, err := e.snaps.Load(ctx, machineID)
		if err != nil {
			log.G(ctx).WithError(err).Warn("loading saved configuration failed")
		} else if ok {
			saved = entry.Adapters
		}
	}

	for i := range records {
		rec := &records[i]
		rec.Name = netcfg.DefaultName(rec.Slot)
		rec.LastValidName = rec.Name
		for _, s := range saved {
			if s.Slot != rec.Slot {
				continue
			}
			rec.Name, rec.LastValidName = s.Name, s.LastValidName
			if s.MAC == rec.MAC {
				rec.IP, rec.SubnetMask = s.IP, s.SubnetMask
			}
		}
	}
}

func readAdapter(ctx context.Context, m hypervisor.Machine, slot uint32, rec *netcfg.Record) error {
	a, err := m.NetworkAdapter(ctx, slot)
	if err != nil {
		return fmt.Errorf("adapter %d of %s: %w", slot, m.Name(), err)
	}

	*rec = netcfg.Record{Slot: slot}
	if rec.Enabled, err = a.Enabled(ctx); err != nil {
		return fmt.Errorf("read adapter %d enabled: %w", slot, err)
	}
	if rec.CableConnected, err = a.CableConnected(ctx); err != nil {
		return fmt.Errorf("read adapter %d cable: %w", slot, err)
	}
	mac, err := a.MACAddress(ctx)
	if err != nil {
		return fmt.Errorf("read adapter %d MAC: %w", slot, err)
	}
	if err := rec.SetMAC(mac); err != nil {
		log.G(ctx).WithError(err).WithField("slot", slot).Warn("hypervisor reported unusable MAC")
	}
	t, err := a.AttachmentType(ctx)
	if err != nil {
		return fmt.Errorf("read adapter %d attachment: %w", slot, err)
	}
	var data string
	if t.HasData() {
		if data, err = a.AttachmentData(ctx, t); err != nil {
			return fmt.Errorf("read adapter %d attachment data: %w", slot, err)
		}
	}
	if err := rec.SetAttachment(t, data); err != nil {
		return fmt.Errorf("adapter %d: %w", slot, err)
	}
	return nil
}

func pushAdapter(ctx context.Context, m hypervisor.Machine, rec *netcfg.Record) []error {
	a, err := m.NetworkAdapter(ctx, rec.Slot)
	if err != nil {
		return []error{&FieldError{Slot: rec.Slot, Field: "adapter", Err: err}}
	}

	var errs []error
	try := func(field string, err error) {
		if err != nil {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: field, Err: err})
		}
	}
	try("enabled", a.SetEnabled(ctx, rec.Enabled))
	if rec.MAC != "" {
		try("mac", a.SetMACAddress(ctx, netcfg.BareMAC(rec.MAC)))
	}
	try("cable", a.SetCableConnected(ctx, rec.CableConnected))
	try("attachment type", a.SetAttachmentType(ctx, rec.AttachmentType))
	if rec.AttachmentType.HasData() {
		try("attachment data", a.SetAttachmentData(ctx, rec.AttachmentType, rec.AttachmentData))
	}
	return errs
}

// removeIfExists removes path, treating a missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
