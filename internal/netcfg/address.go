package netcfg

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// FormatMAC normalizes a MAC address written with colons, hyphens, Cisco
// dots or no separators at all to six uppercase colon-separated octets.
func FormatMAC(s string) (string, error) {
	s = strings.TrimSpace(s)

	var hw []byte
	if len(s) == 12 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, s)
		}
		hw = b
	} else {
		parsed, err := net.ParseMAC(s)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, s)
		}
		hw = parsed
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%w: %q is not 6 octets", ErrInvalidMAC, s)
	}
	return strings.ToUpper(net.HardwareAddr(hw).String()), nil
}

// BareMAC strips separators from a formatted MAC, giving the 12 hex digit
// form the hypervisor uses. An empty mac stays empty.
func BareMAC(mac string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(mac))
}

// MaskFromSize returns the dotted-quad IPv4 mask with n leading one bits.
func MaskFromSize(n int) (string, error) {
	if n < 0 || n > 32 {
		return "", fmt.Errorf("%w: prefix length %d", ErrInvalidMask, n)
	}
	var m uint32
	if n > 0 {
		m = ^uint32(0) << (32 - n)
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m)
	return netip.AddrFrom4(b).String(), nil
}

// SubnetSizeFromMask returns the prefix length of a dotted-quad mask. The
// mask must be a contiguous run of one bits followed by zero bits.
func SubnetSizeFromMask(mask string) (int, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(mask))
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMask, mask)
	}
	b := addr.As4()
	m := binary.BigEndian.Uint32(b[:])
	ones := bits.LeadingZeros32(^m)
	if bits.TrailingZeros32(m) != 32-ones {
		return 0, fmt.Errorf("%w: %q is not contiguous", ErrInvalidMask, mask)
	}
	return ones, nil
}

// NormalizeIP validates ip and returns its canonical text form.
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || addr.Zone() != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap().String(), nil
}

// NormalizeSubnetMask checks mask against the family of ip. IPv4 masks may
// be given as a dotted quad or as a prefix length ("24" or "/24") and are
// returned as a dotted quad. IPv6 masks are prefix lengths 0..128 and are
// returned as a bare integer. An empty ip is treated as IPv4.
func NormalizeSubnetMask(ip, mask string) (string, error) {
	mask = strings.TrimPrefix(strings.TrimSpace(mask), "/")
	if mask == "" {
		return "", nil
	}

	v6 := false
	if ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
		}
		v6 = addr.Unmap().Is6()
	}

	if n, err := strconv.Atoi(mask); err == nil {
		if v6 {
			if n < 0 || n > 128 {
				return "", fmt.Errorf("%w: prefix length %d", ErrInvalidMask, n)
			}
			return strconv.Itoa(n), nil
		}
		return MaskFromSize(n)
	}

	if v6 {
		return "", fmt.Errorf("%w: IPv6 mask must be a prefix length, got %q", ErrInvalidMask, mask)
	}
	n, err := SubnetSizeFromMask(mask)
	if err != nil {
		return "", err
	}
	return MaskFromSize(n)
}

// IsIPv6 reports whether ip is an IPv6 address.
func IsIPv6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Unmap().Is6()
}
