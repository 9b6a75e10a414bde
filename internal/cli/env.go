package cli

import (
	"context"
	"errors"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/machines"
	"github.com/jamesprial/vmnetsync/internal/mount"
	"github.com/jamesprial/vmnetsync/internal/store"
)

// env holds the long-lived components a command works with.
type env struct {
	conn  hypervisor.Connection
	gate  *hypervisor.Gate
	reg   *machines.Registry
	store *store.Store
}

// open connects to the hypervisor, opens the snapshot store and prepares
// the machine registry. The caller must Close the result.
func (a *app) open(ctx context.Context) (*env, error) {
	cfg := a.cfg

	conn, err := a.opts.Dial(ctx, cfg.Hypervisor)
	if err != nil {
		return nil, err
	}
	e := &env{conn: conn, gate: &hypervisor.Gate{}}

	rc := machines.Config{
		Helper: &mount.Helper{
			Path:       cfg.Helper.Path,
			SearchPath: cfg.Helper.SearchPath,
			Runner:     a.opts.Runner,
		},
		MountRoot:  cfg.Mount.Root,
		Devices:    cfg.Mount.NBDDevices,
		Partitions: cfg.Mount.NBDPartitions,
		Layout:     cfg.Layout(),
	}
	if cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		e.store = s
		rc.Snapshots = s
	}

	e.reg = machines.New(conn, e.gate, rc)
	if err := e.reg.Prepare(ctx); err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	return e, nil
}

// Close releases the registry, the store and the connection, in that order.
func (e *env) Close(ctx context.Context) error {
	var errs []error
	if err := e.reg.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		log.G(ctx).WithError(err).Warn("shutdown incomplete")
	}
	return err
}
