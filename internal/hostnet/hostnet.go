// Package hostnet lists host network interfaces that bridged and host-only
// adapters can attach to.
package hostnet

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
)

// Kind classifies a host interface.
type Kind string

const (
	KindBridge   Kind = "bridge"
	KindHostOnly Kind = "hostonly"
	KindDevice   Kind = "device"
	KindLoopback Kind = "loopback"
	KindOther    Kind = "other"
)

// hostOnlyPrefix names the host side of host-only networks.
const hostOnlyPrefix = "vboxnet"

// Interface is one host network interface.
type Interface struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Kind  Kind   `json:"kind"`
	Type  string `json:"type"`
	MAC   string `json:"mac,omitempty"`
	Up    bool   `json:"up"`
	MTU   int    `json:"mtu"`
}

// Lister returns the host links. netlink.LinkList is the production lister.
type Lister func() ([]netlink.Link, error)

// List returns every host interface sorted by name.
func List() ([]Interface, error) {
	return ListWith(netlink.LinkList)
}

// ListWith is List with an explicit link source.
func ListWith(list Lister) ([]Interface, error) {
	links, err := list()
	if err != nil {
		return nil, fmt.Errorf("list host links: %w", err)
	}

	out := make([]Interface, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil {
			continue
		}
		iface := Interface{
			Name:  attrs.Name,
			Index: attrs.Index,
			Kind:  classify(l),
			Type:  l.Type(),
			Up:    attrs.Flags&net.FlagUp != 0,
			MTU:   attrs.MTU,
		}
		if len(attrs.HardwareAddr) > 0 {
			iface.MAC = strings.ToUpper(attrs.HardwareAddr.String())
		}
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func classify(l netlink.Link) Kind {
	attrs := l.Attrs()
	switch {
	case strings.HasPrefix(attrs.Name, hostOnlyPrefix):
		return KindHostOnly
	case attrs.Flags&net.FlagLoopback != 0:
		return KindLoopback
	case l.Type() == "bridge":
		return KindBridge
	case l.Type() == "device":
		return KindDevice
	default:
		return KindOther
	}
}

// Candidates filters ifaces down to valid targets for attachment type t.
// Bridged adapters attach to bridges and physical devices, host-only ones to
// host-only interfaces. Other types have no host interface target.
func Candidates(ifaces []Interface, t hypervisor.AttachmentType) []Interface {
	var out []Interface
	for _, iface := range ifaces {
		switch t {
		case hypervisor.AttachmentBridged:
			if iface.Kind == KindBridge || iface.Kind == KindDevice {
				out = append(out, iface)
			}
		case hypervisor.AttachmentHostOnly:
			if iface.Kind == KindHostOnly {
				out = append(out, iface)
			}
		}
	}
	return out
}
