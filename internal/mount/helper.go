package mount

import (
	"context"
	"strconv"

	"github.com/containerd/log"

	"github.com/jamesprial/vmnetsync/internal/metrics"
	"github.com/jamesprial/vmnetsync/internal/procrun"
)

// Helper invokes the privileged mount helper. The helper's contract is exit
// status only: zero is success, anything else fails the whole verb.
type Helper struct {
	// Path is the helper program.
	Path string
	// SearchPath resolves Path through PATH.
	SearchPath bool
	// Runner spawns the helper. Nil means procrun.Exec.
	Runner procrun.Runner
}

// Check reports whether the kernel support the helper needs is available.
func (h *Helper) Check(ctx context.Context) error {
	return h.run(ctx, "check")
}

// Load loads the network block device module with the given device and
// per-device partition counts. A zero partitions count is omitted.
func (h *Helper) Load(ctx context.Context, devices, partitions int) error {
	args := []string{strconv.Itoa(devices)}
	if partitions > 0 {
		args = append(args, strconv.Itoa(partitions))
	}
	return h.run(ctx, "load", args...)
}

// Unload removes the network block device module.
func (h *Helper) Unload(ctx context.Context) error {
	return h.run(ctx, "unload")
}

// MountVHD attaches the disk image source and exposes its partitions below
// target.
func (h *Helper) MountVHD(ctx context.Context, source, target string) error {
	return h.run(ctx, "mountVHD", source, target)
}

// UmountVHD detaches the disk mounted at target.
func (h *Helper) UmountVHD(ctx context.Context, target string) error {
	return h.run(ctx, "umountVHD", target)
}

// Mount mounts the partition source on target and makes it reachable by the
// invoking user at userTarget.
func (h *Helper) Mount(ctx context.Context, source, target, userTarget string, readonly bool) error {
	mode := "rw"
	if readonly {
		mode = "ro"
	}
	return h.run(ctx, "mount", source, target, userTarget, mode)
}

// Umount unmounts the partition mounted at target.
func (h *Helper) Umount(ctx context.Context, target string) error {
	return h.run(ctx, "umount", target)
}

func (h *Helper) run(ctx context.Context, verb string, args ...string) error {
	runner := h.Runner
	if runner == nil {
		runner = procrun.Exec{}
	}

	argv := append([]string{h.Path, verb}, args...)
	code := runner.Run(argv, h.SearchPath)

	var err error
	if code != 0 {
		err = &HelperError{Verb: verb, Code: code}
	}
	metrics.HelperInvocations.WithLabelValues(verb, metrics.Result(err)).Inc()

	entry := log.G(ctx).WithField("verb", verb).WithField("args", args)
	if err != nil {
		entry.WithField("code", code).Warn("mount helper failed")
		return err
	}
	entry.Debug("mount helper succeeded")
	return nil
}
