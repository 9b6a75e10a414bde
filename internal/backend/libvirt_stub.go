//go:build !libvirt

package backend

import (
	"context"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
)

// Conn is the libvirt connection. This stub is compiled when the "libvirt"
// build tag is absent; every operation fails with ErrLibvirtNotCompiled.
type Conn struct {
	hypervisor.Dispatcher
}

// Dial always returns ErrLibvirtNotCompiled in stub mode.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	return nil, ErrLibvirtNotCompiled
}

// Close is a no-op in stub mode.
func (c *Conn) Close() error { return nil }

func (c *Conn) Ping(ctx context.Context) error { return ErrLibvirtNotCompiled }

func (c *Conn) Machines(ctx context.Context) ([]hypervisor.Machine, error) {
	return nil, ErrLibvirtNotCompiled
}

func (c *Conn) FindMachine(ctx context.Context, nameOrID string) (hypervisor.Machine, error) {
	return nil, ErrLibvirtNotCompiled
}

func (c *Conn) NewSession(ctx context.Context) (hypervisor.Session, error) {
	return nil, ErrLibvirtNotCompiled
}

func (c *Conn) MaxNetworkAdapters(ctx context.Context, chipset hypervisor.Chipset) (uint32, error) {
	return maxSlots(chipset), nil
}
