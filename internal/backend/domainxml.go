package backend

import (
	"fmt"
	"strconv"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
)

const (
	// slotAliasPrefix marks interfaces with the adapter slot they belong to.
	// libvirt requires user aliases to start with "ua-".
	slotAliasPrefix = "ua-nic"

	piix3Slots = 8
	ich9Slots  = 36

	linkDown = "down"
	linkUp   = "up"
)

// maxSlots returns the number of adapter slots of a chipset.
func maxSlots(c hypervisor.Chipset) uint32 {
	if c == hypervisor.ChipsetICH9 {
		return ich9Slots
	}
	return piix3Slots
}

// chipsetOf derives the chipset from the domain's machine type. q35 machines
// emulate an ICH9, everything else is treated as i440FX/PIIX3.
func chipsetOf(dom *libvirtxml.Domain) hypervisor.Chipset {
	if dom.OS != nil && dom.OS.Type != nil && strings.Contains(dom.OS.Type.Machine, "q35") {
		return hypervisor.ChipsetICH9
	}
	return hypervisor.ChipsetPIIX3
}

func slotAlias(slot uint32) string {
	return slotAliasPrefix + strconv.FormatUint(uint64(slot), 10)
}

func parseSlotAlias(a *libvirtxml.DomainAlias) (uint32, bool) {
	if a == nil || !strings.HasPrefix(a.Name, slotAliasPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(a.Name, slotAliasPrefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// interfaceSlots maps adapter slots to indexes of dom's interface list.
// Interfaces carrying a slot alias keep their slot; the others fill the
// lowest free slots in document order.
func interfaceSlots(dom *libvirtxml.Domain) map[uint32]int {
	slots := make(map[uint32]int)
	if dom.Devices == nil {
		return slots
	}

	var unaliased []int
	for i := range dom.Devices.Interfaces {
		slot, ok := parseSlotAlias(dom.Devices.Interfaces[i].Alias)
		if !ok {
			unaliased = append(unaliased, i)
			continue
		}
		if _, taken := slots[slot]; taken {
			unaliased = append(unaliased, i)
			continue
		}
		slots[slot] = i
	}

	var next uint32
	for _, i := range unaliased {
		for {
			if _, taken := slots[next]; !taken {
				break
			}
			next++
		}
		slots[next] = i
		next++
	}
	return slots
}

// hardDisks lists the image paths of dom's disk devices in document order.
// CD-ROM and floppy devices are skipped.
func hardDisks(dom *libvirtxml.Domain) []string {
	if dom.Devices == nil {
		return nil
	}
	var out []string
	for _, d := range dom.Devices.Disks {
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.Source == nil {
			continue
		}
		switch {
		case d.Source.File != nil && d.Source.File.File != "":
			out = append(out, d.Source.File.File)
		case d.Source.Block != nil && d.Source.Block.Dev != "":
			out = append(out, d.Source.Block.Dev)
		}
	}
	return out
}

// nic is the hypervisor-neutral state of one adapter slot.
type nic struct {
	Enabled bool
	MAC     string
	Cable   bool
	Type    hypervisor.AttachmentType
	Data    map[hypervisor.AttachmentType]string
}

// disabledNIC is the state reported for a slot without an interface.
func disabledNIC() nic {
	return nic{
		Cable: true,
		Type:  hypervisor.AttachmentNAT,
		Data:  make(map[hypervisor.AttachmentType]string),
	}
}

func (n nic) clone() nic {
	data := make(map[hypervisor.AttachmentType]string, len(n.Data))
	for k, v := range n.Data {
		data[k] = v
	}
	n.Data = data
	return n
}

// readInterface converts a libvirt interface definition into slot state.
//
//	user     -> NAT
//	bridge   -> bridged (bridge name)
//	internal -> internal network (network name)
//	direct   -> host-only (host device)
//	network  -> NAT network (libvirt network name)
//	ethernet -> generic (target device)
//	null     -> not attached
func readInterface(iface *libvirtxml.DomainInterface) nic {
	n := nic{
		Enabled: true,
		Cable:   true,
		Type:    hypervisor.AttachmentNull,
		Data:    make(map[hypervisor.AttachmentType]string),
	}
	if iface.MAC != nil {
		n.MAC = netcfg.BareMAC(iface.MAC.Address)
	}
	if iface.Link != nil && iface.Link.State == linkDown {
		n.Cable = false
	}

	src := iface.Source
	if src == nil {
		return n
	}
	switch {
	case src.User != nil:
		n.Type = hypervisor.AttachmentNAT
	case src.Bridge != nil:
		n.Type = hypervisor.AttachmentBridged
		n.Data[n.Type] = src.Bridge.Bridge
	case src.Internal != nil:
		n.Type = hypervisor.AttachmentInternal
		n.Data[n.Type] = src.Internal.Name
	case src.Direct != nil:
		n.Type = hypervisor.AttachmentHostOnly
		n.Data[n.Type] = src.Direct.Dev
	case src.Network != nil:
		n.Type = hypervisor.AttachmentNATNetwork
		n.Data[n.Type] = src.Network.Network
	case src.Ethernet != nil:
		n.Type = hypervisor.AttachmentGeneric
		if iface.Target != nil {
			n.Data[n.Type] = iface.Target.Dev
		}
	}
	return n
}

// writeInterface stores slot state into iface. Alias, model, driver and
// address elements are left untouched.
func writeInterface(iface *libvirtxml.DomainInterface, n nic) error {
	if n.MAC == "" {
		iface.MAC = nil
	} else {
		mac, err := netcfg.FormatMAC(n.MAC)
		if err != nil {
			return err
		}
		if iface.MAC == nil {
			iface.MAC = &libvirtxml.DomainInterfaceMAC{}
		}
		iface.MAC.Address = strings.ToLower(mac)
	}

	state := linkUp
	if !n.Cable {
		state = linkDown
	}
	iface.Link = &libvirtxml.DomainInterfaceLink{State: state}

	data := n.Data[n.Type]
	src := &libvirtxml.DomainInterfaceSource{}
	switch n.Type {
	case hypervisor.AttachmentNull:
		src.Null = &libvirtxml.DomainInterfaceSourceNull{}
	case hypervisor.AttachmentNAT:
		src.User = &libvirtxml.DomainInterfaceSourceUser{}
	case hypervisor.AttachmentBridged:
		src.Bridge = &libvirtxml.DomainInterfaceSourceBridge{Bridge: data}
	case hypervisor.AttachmentInternal:
		src.Internal = &libvirtxml.DomainInterfaceSourceInternal{Name: data}
	case hypervisor.AttachmentHostOnly:
		src.Direct = &libvirtxml.DomainInterfaceSourceDirect{Dev: data, Mode: "bridge"}
	case hypervisor.AttachmentNATNetwork:
		src.Network = &libvirtxml.DomainInterfaceSourceNetwork{Network: data}
	case hypervisor.AttachmentGeneric:
		src.Ethernet = &libvirtxml.DomainInterfaceSourceEthernet{}
		if data != "" {
			iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: data}
		}
	default:
		return fmt.Errorf("%w: %d", hypervisor.ErrUnknownAttachment, uint8(n.Type))
	}
	iface.Source = src
	return nil
}

// liveInterface applies fn to the running interface of slot and returns the
// device to hot-plug, or nil when the link state and attachment are
// unchanged. A slot without an interface accepts only unchanged values.
func liveInterface(dom *libvirtxml.Domain, slot uint32, fn func(n *nic)) (*libvirtxml.DomainInterface, error) {
	before := disabledNIC()
	i, ok := interfaceSlots(dom)[slot]
	if ok {
		before = readInterface(&dom.Devices.Interfaces[i])
	}
	after := before.clone()
	fn(&after)
	if sameLink(before, after) {
		return nil, nil
	}
	if !ok {
		return nil, hypervisor.ErrNotRuntimeChangeable
	}
	iface := &dom.Devices.Interfaces[i]
	if err := writeInterface(iface, after); err != nil {
		return nil, err
	}
	return iface, nil
}

// sameLink compares the parts of two slots a running domain exposes: the
// cable, the attachment type and that type's data.
func sameLink(a, b nic) bool {
	return a.Cable == b.Cable && a.Type == b.Type && a.Data[b.Type] == b.Data[b.Type]
}

// domainEdit is an in-memory copy of a persistent domain definition being
// changed under a write lock. Slots that are disabled keep their last state
// in pending so that re-enabling them restores it.
type domainEdit struct {
	dom     *libvirtxml.Domain
	pending map[uint32]nic
	dirty   bool
}

func parseDomain(doc string) (*libvirtxml.Domain, error) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	return dom, nil
}

func newDomainEdit(doc string) (*domainEdit, error) {
	dom, err := parseDomain(doc)
	if err != nil {
		return nil, err
	}
	if dom.Devices == nil {
		dom.Devices = &libvirtxml.DomainDeviceList{}
	}
	return &domainEdit{dom: dom, pending: make(map[uint32]nic)}, nil
}

// get returns the state of slot.
func (e *domainEdit) get(slot uint32) nic {
	if i, ok := interfaceSlots(e.dom)[slot]; ok {
		return readInterface(&e.dom.Devices.Interfaces[i])
	}
	if n, ok := e.pending[slot]; ok {
		return n.clone()
	}
	return disabledNIC()
}

// set stores the state of slot, adding or removing its interface when the
// enabled flag changes.
func (e *domainEdit) set(slot uint32, n nic) error {
	slots := interfaceSlots(e.dom)
	i, present := slots[slot]

	if !n.Enabled {
		if present {
			// Pin the remaining interfaces to their slots before the list
			// shifts.
			for s, j := range slots {
				e.dom.Devices.Interfaces[j].Alias = &libvirtxml.DomainAlias{Name: slotAlias(s)}
			}
			ifaces := e.dom.Devices.Interfaces
			e.dom.Devices.Interfaces = append(ifaces[:i:i], ifaces[i+1:]...)
		}
		e.pending[slot] = n.clone()
		e.dirty = true
		return nil
	}

	if !present {
		for s, j := range slots {
			e.dom.Devices.Interfaces[j].Alias = &libvirtxml.DomainAlias{Name: slotAlias(s)}
		}
		e.dom.Devices.Interfaces = append(e.dom.Devices.Interfaces, libvirtxml.DomainInterface{
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
		i = len(e.dom.Devices.Interfaces) - 1
	}
	iface := &e.dom.Devices.Interfaces[i]
	iface.Alias = &libvirtxml.DomainAlias{Name: slotAlias(slot)}
	if err := writeInterface(iface, n); err != nil {
		return err
	}
	delete(e.pending, slot)
	e.dirty = true
	return nil
}

func (e *domainEdit) marshal() (string, error) {
	doc, err := e.dom.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return doc, nil
}
