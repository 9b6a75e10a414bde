// Package store keeps the last saved adapter configuration of every machine
// in a bbolt database, encoded as single-machine settings blobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jamesprial/vmnetsync/internal/settings"
)

var bucketSnapshots = []byte("snapshots")

// ErrEmptyID is returned when saving an entry without a machine UUID.
var ErrEmptyID = errors.New("entry has no machine UUID")

// Store is a bbolt backed snapshot store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the snapshot of entry.UUID.
func (s *Store) Save(ctx context.Context, entry settings.Entry) error {
	if entry.UUID == "" {
		return ErrEmptyID
	}
	data, err := settings.Encode([]settings.Entry{entry}, settings.VariantDeflate)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", entry.Name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(entry.UUID), data)
	})
}

// Load returns the snapshot of machineID. ok is false when none exists.
func (s *Store) Load(ctx context.Context, machineID string) (entry settings.Entry, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(machineID))
		if data == nil {
			return nil
		}
		entries, err := settings.Decode(data)
		if err != nil {
			return fmt.Errorf("decode snapshot of %s: %w", machineID, err)
		}
		if len(entries) != 1 {
			return fmt.Errorf("snapshot of %s holds %d machines: %w", machineID, len(entries), settings.ErrCorrupt)
		}
		entry, ok = entries[0], true
		return nil
	})
	return entry, ok, err
}

// Delete removes the snapshot of machineID if present.
func (s *Store) Delete(ctx context.Context, machineID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(machineID))
	})
}

// IDs returns the machine UUIDs with a snapshot, sorted.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}
