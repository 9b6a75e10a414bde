package netcfg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// UdevRulesFile is the persistent-net rules path relative to the guest root.
const UdevRulesFile = "etc/udev/rules.d/70-persistent-net.rules"

const udevHeader = `# This file was automatically generated by the /lib/udev/write_net_rules
# program, run by the persistent-net-generator.rules rules file.
#
# You can modify it, as long as you keep each rule on a single
# line, and change only the value of the NAME= key.
`

var (
	udevAddress = regexp.MustCompile(`ATTR\{address\}=="([^"]*)"`)
	udevName    = regexp.MustCompile(`(?:^|[\s,])NAME="([^"]*)"`)
)

// UdevRule binds a MAC address to a guest interface name.
type UdevRule struct {
	MAC  string
	Name string
}

// ParseUdevRules extracts the MAC to name bindings of a persistent-net rules
// file. Rules without both keys or with an unparsable address are skipped.
// MACs are returned in FormatMAC form.
func ParseUdevRules(r io.Reader) ([]UdevRule, error) {
	var rules []UdevRule
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr := udevAddress.FindStringSubmatch(line)
		name := udevName.FindStringSubmatch(line)
		if addr == nil || name == nil {
			continue
		}
		mac, err := FormatMAC(addr[1])
		if err != nil {
			continue
		}
		rules = append(rules, UdevRule{MAC: mac, Name: name[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read udev rules: %w", err)
	}
	return rules, nil
}

// LookupName returns the name bound to mac, compared case-insensitively.
func LookupName(rules []UdevRule, mac string) (string, bool) {
	want := BareMAC(mac)
	if want == "" {
		return "", false
	}
	for _, r := range rules {
		if BareMAC(r.MAC) == want {
			return r.Name, true
		}
	}
	return "", false
}

// RenderUdevRules returns a complete rules file: the generator header and
// one rule per binding.
func RenderUdevRules(rules []UdevRule) []byte {
	var b bytes.Buffer
	b.WriteString(udevHeader)
	for _, r := range rules {
		fmt.Fprintf(&b, "\n# net device %s\n", r.Name)
		fmt.Fprintf(&b,
			"SUBSYSTEM==\"net\", ACTION==\"add\", DRIVERS==\"?*\", ATTR{address}==\"%s\", ATTR{type}==\"1\", KERNEL==\"eth*\", NAME=\"%s\"\n",
			strings.ToLower(r.MAC), r.Name)
	}
	return b.Bytes()
}
