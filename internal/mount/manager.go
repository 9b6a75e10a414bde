// Package mount makes partitions of a virtual disk image available as
// directories through the privileged mount helper.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/containerd/log"
)

// Manager tracks the mounts of one machine's disk image. All partitions
// share a single disk attachment, which is released when the last active
// partition is unmounted. A partition is either active or not; mounting an
// active partition again is a no-op.
type Manager struct {
	helper *Helper
	image  string
	root   string

	// Devices and Partitions are passed to the helper's load verb by
	// Prepare.
	Devices    int
	Partitions int

	mu          sync.Mutex
	diskMounted bool
	active      map[int]bool
}

// NewManager returns a Manager for the disk image at image, keeping its
// mount points below root.
func NewManager(helper *Helper, image, root string) *Manager {
	return &Manager{
		helper: helper,
		image:  image,
		root:   root,
		active: make(map[int]bool),
	}
}

// Image returns the disk image path.
func (m *Manager) Image() string { return m.image }

// DiskPath is the directory the disk image is attached below.
func (m *Manager) DiskPath() string {
	return filepath.Join(m.root, "disk")
}

// PartitionPath is the user-accessible directory of a mounted partition.
func (m *Manager) PartitionPath(partition int) string {
	return filepath.Join(m.root, "user", "part"+strconv.Itoa(partition))
}

func (m *Manager) partitionTarget(partition int) string {
	return filepath.Join(m.root, "part"+strconv.Itoa(partition))
}

func (m *Manager) partitionSource(partition int) string {
	return filepath.Join(m.DiskPath(), "part"+strconv.Itoa(partition))
}

// Active returns the sorted indexes of mounted partitions.
func (m *Manager) Active() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]int, 0, len(m.active))
	for p := range m.active {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// DiskMounted reports whether the disk image is attached.
func (m *Manager) DiskMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diskMounted
}

// Prepare checks that the helper can work and loads the block device
// module.
func (m *Manager) Prepare(ctx context.Context) error {
	if err := m.helper.Check(ctx); err != nil {
		return fmt.Errorf("check mount support: %w", err)
	}
	if err := m.helper.Load(ctx, m.Devices, m.Partitions); err != nil {
		return fmt.Errorf("load block device module: %w", err)
	}
	return nil
}

// MountPartition attaches the disk if needed and mounts partition. When the
// partition is already active it returns nil without calling the helper,
// whatever readonly says. If this call attached the disk and the partition
// mount then fails, the disk is detached again.
func (m *Manager) MountPartition(ctx context.Context, partition int, readonly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attached := false
	if !m.diskMounted {
		if err := mkdirs(m.DiskPath()); err != nil {
			return err
		}
		if err := m.helper.MountVHD(ctx, m.image, m.DiskPath()); err != nil {
			return fmt.Errorf("attach disk %s: %w", m.image, err)
		}
		m.diskMounted = true
		attached = true
	}

	if m.active[partition] {
		return nil
	}

	target, userTarget := m.partitionTarget(partition), m.PartitionPath(partition)
	err := mkdirs(target, userTarget)
	if err == nil {
		err = m.helper.Mount(ctx, m.partitionSource(partition), target, userTarget, readonly)
		if err != nil {
			err = fmt.Errorf("mount partition %d: %w", partition, err)
		}
	}
	if err != nil {
		if attached {
			err = errors.Join(err, m.detachLocked(ctx))
		}
		return err
	}

	m.active[partition] = true
	log.G(ctx).WithField("partition", partition).WithField("readonly", readonly).Debug("partition mounted")
	return nil
}

// UnmountPartition unmounts partition and detaches the disk once no
// partition is active. On failure the partition stays active so the caller
// can retry.
func (m *Manager) UnmountPartition(ctx context.Context, partition int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmountLocked(ctx, partition)
}

func (m *Manager) unmountLocked(ctx context.Context, partition int) error {
	if !m.active[partition] {
		return fmt.Errorf("partition %d: %w", partition, ErrNotMounted)
	}

	target := m.partitionTarget(partition)
	if err := m.helper.Umount(ctx, target); err != nil {
		return fmt.Errorf("unmount partition %d: %w", partition, err)
	}
	delete(m.active, partition)
	removeDirs(ctx, m.PartitionPath(partition), target)

	if len(m.active) == 0 && m.diskMounted {
		return m.detachLocked(ctx)
	}
	return nil
}

func (m *Manager) detachLocked(ctx context.Context) error {
	if err := m.helper.UmountVHD(ctx, m.DiskPath()); err != nil {
		return fmt.Errorf("detach disk %s: %w", m.image, err)
	}
	m.diskMounted = false
	removeDirs(ctx, m.DiskPath())
	return nil
}

// Release unmounts every active partition, detaches the disk and unloads
// the block device module. It keeps going after failures and reports all of
// them.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for p := range m.active {
		if err := m.unmountLocked(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if m.diskMounted && len(m.active) == 0 {
		if err := m.detachLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.helper.Unload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unload block device module: %w", err))
	}
	return errors.Join(errs...)
}

func mkdirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create mount point: %w", err)
		}
	}
	return nil
}

// removeDirs removes empty mount point directories. Failures only matter
// for tidiness and are logged.
func removeDirs(ctx context.Context, dirs ...string) {
	for _, d := range dirs {
		if err := os.Remove(d); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.G(ctx).WithError(err).WithField("dir", d).Debug("could not remove mount point")
		}
	}
}
