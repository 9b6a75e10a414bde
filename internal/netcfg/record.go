// Package netcfg models the combined hypervisor and guest configuration of
// one network adapter and reads and writes the guest files that carry the
// guest half: the udev persistent-net rules and the ifcfg scripts.
package netcfg

import (
	"errors"
	"fmt"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
)

// Record is one adapter slot. The setters keep it valid; direct field
// writes should be followed by Validate. LastValidName is the name the guest
// files were last written under.
type Record struct {
	Slot           uint32                    `json:"slot"`
	Enabled        bool                      `json:"enabled"`
	CableConnected bool                      `json:"cable_connected"`
	MAC            string                    `json:"mac"`
	AttachmentType hypervisor.AttachmentType `json:"attachment_type"`
	AttachmentData string                    `json:"attachment_data,omitempty"`
	Name           string                    `json:"name"`
	LastValidName  string                    `json:"last_valid_name,omitempty"`
	IP             string                    `json:"ip,omitempty"`
	SubnetMask     string                    `json:"subnet_mask,omitempty"`
}

// DefaultName is the guest interface name used for a slot without a udev
// rule.
func DefaultName(slot uint32) string {
	return fmt.Sprintf("noname%d", slot)
}

// SetMAC sets the MAC from any notation FormatMAC accepts. An empty string
// clears it.
func (r *Record) SetMAC(mac string) error {
	if mac == "" {
		r.MAC = ""
		return nil
	}
	formatted, err := FormatMAC(mac)
	if err != nil {
		return err
	}
	r.MAC = formatted
	return nil
}

// SetName sets the guest interface name. Only ASCII letters and digits are
// allowed.
func (r *Record) SetName(name string) error {
	if !isAlnum(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	r.Name = name
	return nil
}

// SetIP sets the guest address. An existing mask is re-normalized for the
// new address family and cleared when it does not fit.
func (r *Record) SetIP(ip string) error {
	if ip == "" {
		r.IP = ""
		return nil
	}
	normalized, err := NormalizeIP(ip)
	if err != nil {
		return err
	}
	r.IP = normalized
	if r.SubnetMask != "" {
		mask, err := NormalizeSubnetMask(r.IP, r.SubnetMask)
		if err != nil {
			mask = ""
		}
		r.SubnetMask = mask
	}
	return nil
}

// SetSubnetMask sets the mask relative to the current IP, see
// NormalizeSubnetMask. An empty string clears it.
func (r *Record) SetSubnetMask(mask string) error {
	normalized, err := NormalizeSubnetMask(r.IP, mask)
	if err != nil {
		return err
	}
	r.SubnetMask = normalized
	return nil
}

// SetAttachment sets the attachment type and its target. The target is
// dropped for types that carry none.
func (r *Record) SetAttachment(t hypervisor.AttachmentType, data string) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", hypervisor.ErrUnknownAttachment, uint8(t))
	}
	r.AttachmentType = t
	if t.HasData() {
		r.AttachmentData = data
	} else {
		r.AttachmentData = ""
	}
	return nil
}

// Validate checks every invariant of r and reports all violations.
func (r *Record) Validate() error {
	var errs []error
	if r.MAC != "" {
		if formatted, err := FormatMAC(r.MAC); err != nil {
			errs = append(errs, err)
		} else if formatted != r.MAC {
			errs = append(errs, fmt.Errorf("%w: %q is not in canonical form", ErrInvalidMAC, r.MAC))
		}
	}
	if !isAlnum(r.Name) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidName, r.Name))
	}
	if !r.AttachmentType.Valid() {
		errs = append(errs, fmt.Errorf("%w: %d", hypervisor.ErrUnknownAttachment, uint8(r.AttachmentType)))
	} else if !r.AttachmentType.HasData() && r.AttachmentData != "" {
		errs = append(errs, fmt.Errorf("attachment %s takes no target, got %q", r.AttachmentType, r.AttachmentData))
	}
	if r.IP != "" {
		if _, err := NormalizeIP(r.IP); err != nil {
			errs = append(errs, err)
		}
	}
	if r.SubnetMask != "" {
		if mask, err := NormalizeSubnetMask(r.IP, r.SubnetMask); err != nil {
			errs = append(errs, err)
		} else if mask != r.SubnetMask {
			errs = append(errs, fmt.Errorf("%w: %q is not in canonical form", ErrInvalidMask, r.SubnetMask))
		}
	}
	return errors.Join(errs...)
}

// HasAddress reports whether both IP and mask are set.
func (r *Record) HasAddress() bool {
	return r.IP != "" && r.SubnetMask != ""
}

func isAlnum(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
