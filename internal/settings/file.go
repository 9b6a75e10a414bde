package settings

import (
	"fmt"
	"os"

	"github.com/jamesprial/vmnetsync/internal/netcfg"
)

// WriteFile encodes entries and writes them to path, replacing any existing
// file atomically.
func WriteFile(path string, entries []Entry, variant Variant) error {
	data, err := Encode(entries, variant)
	if err != nil {
		return err
	}
	if err := netcfg.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// ReadFile reads and decodes the blob at path.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	entries, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return entries, nil
}
