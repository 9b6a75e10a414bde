// Package backend implements hypervisor.Connection on top of libvirt.
//
// The real implementation talks to libvirtd over its RPC socket and is
// compiled only with the "libvirt" build tag:
//
//	go build -tags libvirt ./...
//
// Without the tag, Dial returns ErrLibvirtNotCompiled.
package backend

import "errors"

// DefaultSocket is the libvirtd RPC socket on most distributions.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// ErrLibvirtNotCompiled is returned by every operation of the stub backend.
var ErrLibvirtNotCompiled = errors.New("libvirt support not compiled: rebuild with -tags libvirt")

// Options configures Dial.
type Options struct {
	// Socket is the path of the libvirtd unix socket.
	Socket string
	// URI selects the hypervisor driver, e.g. "qemu:///system". Empty uses
	// the daemon default.
	URI string
}

func (o Options) socket() string {
	if o.Socket == "" {
		return DefaultSocket
	}
	return o.Socket
}
