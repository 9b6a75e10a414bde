// Package settings encodes and decodes the binary settings blob used to
// export adapter configurations of several machines and import them
// elsewhere.
//
// A blob starts with a fixed header
//
//	'S' | variant | machine count u8 | payload length u32 LE | "VMNETSYNC-SETTINGS 1\n"
//
// followed by the payload, raw DEFLATE compressed for variant 'Z'. The
// payload holds one length-prefixed record per machine: a 184 byte machine
// header followed by one 344 byte record per adapter. Strings are stored in
// fixed, NUL padded fields; integers are little endian.
package settings

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/jamesprial/vmnetsync/internal/hypervisor"
	"github.com/jamesprial/vmnetsync/internal/metrics"
	"github.com/jamesprial/vmnetsync/internal/netcfg"
)

// Variant selects the payload encoding.
type Variant byte

const (
	VariantPlain   Variant = 'P'
	VariantDeflate Variant = 'Z'
	// VariantExam is the exam-mode marker. It is recognized but this build
	// can neither write nor read it.
	VariantExam Variant = 'E'
)

const (
	magic       = "VMNETSYNC-SETTINGS 1\n"
	headerSize  = 7 + len(magic)
	machineSize = 184
	adapterSize = 344
	maxMachines = 255
	maxPayload  = 64 << 20
	flagEnabled = 1 << 0
	flagCable   = 1 << 1
)

// Entry is the exported configuration of one machine.
type Entry struct {
	Name     string          `json:"name"`
	UUID     string          `json:"uuid"`
	Adapters []netcfg.Record `json:"adapters"`
}

// Encode serializes entries using the given variant.
func Encode(entries []Entry, variant Variant) ([]byte, error) {
	data, err := encode(entries, variant)
	metrics.SettingsFiles.WithLabelValues("encode", metrics.Result(err)).Inc()
	return data, err
}

func encode(entries []Entry, variant Variant) ([]byte, error) {
	switch variant {
	case VariantPlain, VariantDeflate:
	case VariantExam:
		return nil, fmt.Errorf("encode variant %q: %w", byte(variant), ErrUnimplementedVariant)
	default:
		return nil, fmt.Errorf("encode variant %q: %w", byte(variant), ErrUnknownHeader)
	}
	if len(entries) > maxMachines {
		return nil, fmt.Errorf("%w: %d", ErrTooManyMachines, len(entries))
	}

	var payload bytes.Buffer
	for i := range entries {
		if err := writeMachine(&payload, &entries[i]); err != nil {
			return nil, fmt.Errorf("encode machine %q: %w", entries[i].Name, err)
		}
	}

	body := payload.Bytes()
	if variant == VariantDeflate {
		var compressed bytes.Buffer
		zw, err := flate.NewWriter(&compressed, flate.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("create deflate writer: %w", err)
		}
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("deflate payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("deflate payload: %w", err)
		}
		body = compressed.Bytes()
	}

	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = 'S'
	out[1] = byte(variant)
	out[2] = byte(len(entries))
	binary.LittleEndian.PutUint32(out[3:7], uint32(len(body)))
	copy(out[7:], magic)
	return append(out, body...), nil
}

func writeMachine(w *bytes.Buffer, e *Entry) error {
	adapters := make([]byte, 0, len(e.Adapters)*adapterSize)
	enabled := 0
	for i := range e.Adapters {
		rec, err := packAdapter(&e.Adapters[i])
		if err != nil {
			return fmt.Errorf("slot %d: %w", e.Adapters[i].Slot, err)
		}
		adapters = append(adapters, rec...)
		if e.Adapters[i].Enabled {
			enabled++
		}
	}

	hdr := make([]byte, machineSize)
	if err := putString(hdr[0:128], "name", e.Name); err != nil {
		return err
	}
	if err := putString(hdr[128:168], "uuid", e.UUID); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[168:172], uint32(len(e.Adapters)))
	binary.LittleEndian.PutUint32(hdr[172:176], uint32(enabled))
	binary.LittleEndian.PutUint32(hdr[176:180], crc32.ChecksumIEEE(adapters))

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(machineSize+len(adapters)))
	w.Write(length[:])
	w.Write(hdr)
	w.Write(adapters)
	return nil
}

func packAdapter(r *netcfg.Record) ([]byte, error) {
	b := make([]byte, adapterSize)
	fields := []struct {
		name  string
		value string
		dst   []byte
	}{
		{"name", r.Name, b[0:32]},
		{"last valid name", r.LastValidName, b[32:64]},
		{"mac", r.MAC, b[64:88]},
		{"attachment data", r.AttachmentData, b[88:216]},
		{"ip", r.IP, b[216:280]},
		{"subnet mask", r.SubnetMask, b[280:336]},
	}
	for _, f := range fields {
		if err := putString(f.dst, f.name, f.value); err != nil {
			return nil, err
		}
	}

	b[336] = byte(r.AttachmentType)
	var flags byte
	if r.Enabled {
		flags |= flagEnabled
	}
	if r.CableConnected {
		flags |= flagCable
	}
	b[337] = flags
	binary.LittleEndian.PutUint16(b[338:340], uint16(r.Slot))
	return b, nil
}

func putString(dst []byte, field, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFieldTooLong, field, len(s), len(dst))
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("%w: %s has a NUL byte at offset %d", ErrInvalidField, field, i)
	}
	copy(dst, s)
	return nil
}

// Decode parses a blob produced by Encode. Field contents are returned as
// stored without validation.
func Decode(data []byte) ([]Entry, error) {
	entries, err := decode(data)
	metrics.SettingsFiles.WithLabelValues("decode", metrics.Result(err)).Inc()
	return entries, err
}

func decode(data []byte) ([]Entry, error) {
	if len(data) < headerSize || data[0] != 'S' {
		return nil, ErrUnknownHeader
	}
	if string(data[7:headerSize]) != magic {
		return nil, fmt.Errorf("bad magic: %w", ErrUnknownHeader)
	}
	variant := Variant(data[1])
	switch variant {
	case VariantPlain, VariantDeflate:
	case VariantExam:
		return nil, fmt.Errorf("variant %q: %w", byte(variant), ErrUnimplementedVariant)
	default:
		return nil, fmt.Errorf("variant %q: %w", byte(variant), ErrUnknownHeader)
	}

	count := int(data[2])
	length := binary.LittleEndian.Uint32(data[3:7])
	body := data[headerSize:]
	if uint64(len(body)) != uint64(length) {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes", ErrCorrupt, length, len(body))
	}

	if variant == VariantDeflate {
		inflated, err := inflate(body)
		if err != nil {
			return nil, err
		}
		body = inflated
	}

	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		e, rest, err := readMachine(body)
		if err != nil {
			return nil, fmt.Errorf("machine %d: %w", i, err)
		}
		entries = append(entries, e)
		body = rest
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body))
	}
	return entries, nil
}

func inflate(body []byte) ([]byte, error) {
	zr := flate.NewReader(bytes.NewReader(body))
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrCorrupt, err)
	}
	if len(out) > maxPayload {
		return nil, fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrCorrupt, maxPayload)
	}
	return out, nil
}

func readMachine(b []byte) (Entry, []byte, error) {
	if len(b) < 4 {
		return Entry{}, nil, fmt.Errorf("%w: truncated record length", ErrCorrupt)
	}
	size := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(size) > uint64(len(b)) || size < machineSize {
		return Entry{}, nil, fmt.Errorf("%w: record length %d overruns payload", ErrCorrupt, size)
	}
	rec, rest := b[:size], b[size:]

	n := binary.LittleEndian.Uint32(rec[168:172])
	if uint64(size) != machineSize+uint64(n)*adapterSize {
		return Entry{}, nil, fmt.Errorf("%w: record length %d does not hold %d adapters", ErrCorrupt, size, n)
	}
	adapters := rec[machineSize:]
	if crc := binary.LittleEndian.Uint32(rec[176:180]); crc != crc32.ChecksumIEEE(adapters) {
		return Entry{}, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	e := Entry{
		Name: getString(rec[0:128]),
		UUID: getString(rec[128:168]),
	}
	if n > 0 {
		e.Adapters = make([]netcfg.Record, 0, n)
	}
	for i := uint32(0); i < n; i++ {
		e.Adapters = append(e.Adapters, unpackAdapter(adapters[i*adapterSize:(i+1)*adapterSize]))
	}
	return e, rest, nil
}

func unpackAdapter(b []byte) netcfg.Record {
	flags := b[337]
	return netcfg.Record{
		Slot:           uint32(binary.LittleEndian.Uint16(b[338:340])),
		Enabled:        flags&flagEnabled != 0,
		CableConnected: flags&flagCable != 0,
		MAC:            getString(b[64:88]),
		AttachmentType: hypervisor.AttachmentType(b[336]),
		AttachmentData: getString(b[88:216]),
		Name:           getString(b[0:32]),
		LastValidName:  getString(b[32:64]),
		IP:             getString(b[216:280]),
		SubnetMask:     getString(b[280:336]),
	}
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// IsFormatError reports whether err means the blob itself is unusable, as
// opposed to an I/O failure.
func IsFormatError(err error) bool {
	return errors.Is(err, ErrUnknownHeader) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrUnimplementedVariant)
}
