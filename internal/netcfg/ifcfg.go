package netcfg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// NetworkScriptsDir is the ifcfg directory relative to the guest root.
const NetworkScriptsDir = "etc/sysconfig/network-scripts"

// IfcfgPath returns the ifcfg script of interface name below dir.
func IfcfgPath(dir, name string) string {
	return filepath.Join(dir, "ifcfg-"+name)
}

// Ifcfg holds the keys of an ifcfg script vmnetsync reads or writes.
type Ifcfg struct {
	Device    string
	HWAddr    string
	BootProto string
	IPAddr    string
	Netmask   string
	Prefix    string
	IPv6Init  bool
	IPv6Addr  string
}

// ParseIfcfg reads KEY=VALUE lines, ignoring comments, unknown keys and
// surrounding quotes.
func ParseIfcfg(r io.Reader) (*Ifcfg, error) {
	c := &Ifcfg{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "DEVICE":
			c.Device = value
		case "HWADDR":
			c.HWAddr = value
		case "BOOTPROTO":
			c.BootProto = value
		case "IPADDR":
			c.IPAddr = value
		case "NETMASK":
			c.Netmask = value
		case "PREFIX":
			c.Prefix = value
		case "IPV6INIT":
			c.IPv6Init = strings.EqualFold(value, "yes")
		case "IPV6ADDR":
			c.IPv6Addr = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ifcfg: %w", err)
	}
	return c, nil
}

// Address returns the configured address and mask. IPv4 wins over IPv6;
// PREFIX is used when NETMASK is absent. An IPv6 mask is a prefix length.
func (c *Ifcfg) Address() (ip, mask string) {
	if c.IPAddr != "" {
		mask = c.Netmask
		if mask == "" && c.Prefix != "" {
			if n, err := strconv.Atoi(c.Prefix); err == nil {
				mask, _ = MaskFromSize(n)
			}
		}
		return c.IPAddr, mask
	}
	if c.IPv6Addr != "" {
		ip, mask, _ = strings.Cut(c.IPv6Addr, "/")
		return ip, mask
	}
	return "", ""
}

// IfcfgFor builds the script for a record.
func IfcfgFor(r *Record) *Ifcfg {
	c := &Ifcfg{
		Device:    r.Name,
		HWAddr:    r.MAC,
		BootProto: "none",
	}
	if !r.HasAddress() {
		return c
	}
	c.BootProto = "static"
	if IsIPv6(r.IP) {
		c.IPv6Init = true
		c.IPv6Addr = r.IP + "/" + r.SubnetMask
	} else {
		c.IPAddr = r.IP
		c.Netmask = r.SubnetMask
	}
	return c
}

// Render returns the script text.
func (c *Ifcfg) Render() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "DEVICE=%s\n", c.Device)
	if c.HWAddr != "" {
		fmt.Fprintf(&b, "HWADDR=%s\n", c.HWAddr)
	}
	fmt.Fprintf(&b, "BOOTPROTO=%s\n", c.BootProto)
	if c.IPAddr != "" {
		fmt.Fprintf(&b, "IPADDR=%s\n", c.IPAddr)
		if c.Netmask != "" {
			fmt.Fprintf(&b, "NETMASK=%s\n", c.Netmask)
		}
	}
	if c.IPv6Init {
		b.WriteString("IPV6INIT=yes\n")
		fmt.Fprintf(&b, "IPV6ADDR=%s\n", c.IPv6Addr)
	}
	b.WriteString("ONBOOT=yes\n")
	b.WriteString("NM_CONTROLLED=no\n")
	return b.Bytes()
}
