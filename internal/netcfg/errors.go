package netcfg

import "errors"

var (
	ErrInvalidMAC  = errors.New("invalid MAC address")
	ErrInvalidName = errors.New("interface name must be alphanumeric")
	ErrInvalidIP   = errors.New("invalid IP address")
	ErrInvalidMask = errors.New("invalid subnet mask")
)
