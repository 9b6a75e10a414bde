package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/netcfg"
)

// guest is the view of the mounted guest network files.
type guest struct {
	rulesPath  string
	scriptsDir string
	rules      []netcfg.UdevRule
}

// load reads the udev rules. A guest without a rules file has no bindings.
func (g *guest) load() error {
	f, err := os.Open(g.rulesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open udev rules: %w", err)
	}
	defer f.Close()

	g.rules, err = netcfg.ParseUdevRules(f)
	return err
}

// apply derives the guest name, address and mask of rec. The name comes
// from the udev rule of rec's MAC. The ifcfg address is trusted unless the
// script names a different hardware address.
func (g *guest) apply(ctx context.Context, rec *netcfg.Record) {
	logger := log.G(ctx).WithField("slot", rec.Slot)

	name, ok := netcfg.LookupName(g.rules, rec.MAC)
	if !ok {
		name = netcfg.DefaultName(rec.Slot)
	} else if err := rec.SetName(name); err != nil {
		logger.WithError(err).Warn("udev rule names interface with unsupported characters")
		name = netcfg.DefaultName(rec.Slot)
	}
	rec.Name = name
	rec.LastValidName = name
	rec.IP, rec.SubnetMask = "", ""

	f, err := os.Open(netcfg.IfcfgPath(g.scriptsDir, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Warn("cannot read ifcfg script")
		}
		return
	}
	defer f.Close()

	cfg, err := netcfg.ParseIfcfg(f)
	if err != nil {
		logger.WithError(err).Warn("cannot parse ifcfg script")
		return
	}
	if cfg.Device != "" && cfg.Device != name {
		logger.WithField("device", cfg.Device).WithField("name", name).Warn("ifcfg DEVICE does not match interface name")
	}
	if cfg.HWAddr != "" {
		hw, err := netcfg.FormatMAC(cfg.HWAddr)
		if err != nil || hw != rec.MAC {
			logger.WithField("hwaddr", cfg.HWAddr).WithField("mac", rec.MAC).Warn("ifcfg HWADDR does not match adapter, ignoring its address")
			return
		}
	}

	ip, mask := cfg.Address()
	if err := rec.SetIP(ip); err != nil {
		logger.WithError(err).Warn("ignoring ifcfg address")
		return
	}
	if err := rec.SetSubnetMask(mask); err != nil {
		logger.WithError(err).Warn("ignoring ifcfg netmask")
	}
}

// write rewrites the udev rules and the ifcfg script of every enabled
// record. A record is only renamed on disk, LastValidName following Name,
// once its new script is written.
func (g *guest) write(ctx context.Context, records []netcfg.Record) error {
	var errs []error

	// owner maps each wanted interface name to the record writing it; later
	// records asking for a taken name fail.
	owner := make(map[string]int)
	var writable []int
	for i := range records {
		rec := &records[i]
		if !rec.Enabled {
			continue
		}
		if rec.Name == "" {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "name", Err: netcfg.ErrInvalidName})
			continue
		}
		if j, taken := owner[rec.Name]; taken {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "name",
				Err: fmt.Errorf("%w: %s (slot %d)", ErrDuplicateName, rec.Name, records[j].Slot)})
			continue
		}
		owner[rec.Name] = i
		writable = append(writable, i)
	}

	var rules []netcfg.UdevRule
	for _, i := range writable {
		if records[i].MAC != "" {
			rules = append(rules, netcfg.UdevRule{MAC: records[i].MAC, Name: records[i].Name})
		}
	}
	if err := netcfg.WriteFileAtomic(g.rulesPath, netcfg.RenderUdevRules(rules), 0o644); err != nil {
		errs = append(errs, fmt.Errorf("udev rules: %w", err))
	}

	// Stale scripts go first, so a rename onto a name another record just
	// gave up never deletes a fresh script.
	failed := make(map[int]bool)
	for _, i := range writable {
		rec := &records[i]
		stale := rec.LastValidName
		if stale == "" || stale == rec.Name {
			continue
		}
		if _, reused := owner[stale]; reused {
			continue
		}
		if err := removeIfExists(netcfg.IfcfgPath(g.scriptsDir, stale)); err != nil {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "ifcfg", Err: err})
			failed[i] = true
		}
	}

	for _, i := range writable {
		if failed[i] {
			continue
		}
		rec := &records[i]
		if err := netcfg.WriteFileAtomic(netcfg.IfcfgPath(g.scriptsDir, rec.Name), netcfg.IfcfgFor(rec).Render(), 0o644); err != nil {
			errs = append(errs, &FieldError{Slot: rec.Slot, Field: "ifcfg", Err: err})
			continue
		}
		rec.LastValidName = rec.Name
		log.G(ctx).WithField("slot", rec.Slot).WithField("name", rec.Name).Debug("ifcfg written")
	}
	return errors.Join(errs...)
}
