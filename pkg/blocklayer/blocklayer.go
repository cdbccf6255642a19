// Package blocklayer is the Block Layer Adapter of spec §4.1: a uniform
// interface over partition-table mutation, filesystem creation and
// resize, mount/unmount, and device probing. It hides the specific tool
// invocations (parted, ntfsresize, mkfs.*, resize2fs, mount) behind one
// vocabulary so pkg/engine never branches on filesystem kind or runs a
// command itself.
package blocklayer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"

	"github.com/LewisTansley/ntfsconv/pkg/errs"
	"github.com/LewisTansley/ntfsconv/pkg/fskind"
	"github.com/LewisTansley/ntfsconv/pkg/log"
	"github.com/LewisTansley/ntfsconv/pkg/metrics"
	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

// kernelConvergenceTimeout bounds how long the Adapter waits for the
// kernel's partition-table view to settle after a mutation.
const kernelConvergenceTimeout = 30 * time.Second

// unmountRetries is the number of attempts spec §4.1 mandates before an
// unmount is reported stuck.
const unmountRetries = 3

// MountHandle is a scoped mount acquired by Mount. Callers must pass it
// to Unmount on every exit path, including error paths.
type MountHandle struct {
	Partition types.Partition
	Path      string
}

// Adapter is the Block Layer Adapter. All its operations funnel through a
// sysexec.Runner, so a test can substitute pkg/dummy's Runner and drive
// the full state machine without touching a real block device.
type Adapter struct {
	runner sysexec.Runner
}

// New returns a Block Layer Adapter backed by runner.
func New(runner sysexec.Runner) *Adapter {
	return &Adapter{runner: runner}
}

// ShrinkNTFS shrinks the NTFS volume at p to newSizeKB, then shrinks the
// partition-table entry to match. Preconditions (caller's responsibility
// to have checked): p is unmounted and currently NTFS.
func (a *Adapter) ShrinkNTFS(ctx context.Context, p types.Partition, newSizeKB uint64) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockOpDuration, "shrink_ntfs")

	logger := log.WithDevice(string(p.Device))
	devNode := partitionNode(p)

	// Validation pass: ntfsresize --no-action never writes. A failure here
	// means the real resize would also fail, so stop before any mutation.
	if _, err := a.runner.Run(ctx, "ntfsresize", "--no-action", "--size", kbArg(newSizeKB), devNode); err != nil {
		return errs.WithStep(types.OpShrinkNTFS, &errs.BlockOpError{Op: "shrink_ntfs:validate", Err: err})
	}

	logger.Info().Uint64("new_size_kb", newSizeKB).Msg("shrinking NTFS volume")
	if _, err := a.runner.Run(ctx, "ntfsresize", "--force", "--size", kbArg(newSizeKB), devNode); err != nil {
		return errs.WithStep(types.OpShrinkNTFS, &errs.BlockOpError{Op: "shrink_ntfs", Err: err})
	}

	if _, err := a.runner.Run(ctx, "parted", "-s", string(p.Device), "resizepart", strconv.Itoa(p.Index), kbArg(p.StartKB+newSizeKB)); err != nil {
		// partition-table resize after a successful filesystem shrink is
		// best-effort per spec §7; log and continue rather than fail the
		// whole conversion.
		logger.Warn().Err(err).Msg("partition table resize after shrink_ntfs reported failure")
	}

	return a.awaitConvergence(ctx, p.Device)
}

// CreatePartition appends a new partition on d spanning [startKB, endKB)
// and returns its identifier, determined by diffing the device's child
// partitions before and after rather than assuming a contiguous index
// (spec §9 open question: the original assumed arithmetic indices, which
// is unsound across mixed naming conventions).
func (a *Adapter) CreatePartition(ctx context.Context, d types.Device, startKB, endKB uint64) (types.Partition, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockOpDuration, "create_partition")

	before, err := a.listPartitionNodes(ctx, d)
	if err != nil {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget, err)
	}

	if _, err := a.runner.Run(ctx, "parted", "-s", string(d), "unit", "KiB",
		"mkpart", "primary", kbArg(startKB), kbArg(endKB)); err != nil {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget, &errs.BlockOpError{Op: "create_partition", Err: err})
	}

	if err := a.awaitConvergence(ctx, d); err != nil {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget, err)
	}

	after, err := a.listPartitionNodes(ctx, d)
	if err != nil {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget, err)
	}

	added := diffNodes(before, after)
	if len(added) != 1 {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget,
			&errs.BlockOpError{Op: "create_partition", Err: fmt.Errorf("expected exactly one new partition node, observed %v", added)})
	}

	index, err := partitionIndexFromNode(d, added[0])
	if err != nil {
		return types.Partition{}, errs.WithStep(types.OpCreateTarget, err)
	}

	return types.Partition{Device: d, Index: index, StartKB: startKB, EndKB: endKB}, nil
}

// Format writes a fresh filesystem of kind k onto p. Precondition: p is
// unmounted.
func (a *Adapter) Format(ctx context.Context, p types.Partition, k fskind.Kind) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockOpDuration, "format")

	prog, args := fskind.MkfsCommand(k)
	fullArgs := append(append([]string{}, args...), partitionNode(p))

	log.WithDevice(string(p.Device)).Info().Str("kind", k.String()).Msg("formatting target volume")
	if _, err := a.runner.Run(ctx, prog, fullArgs...); err != nil {
		return errs.WithStep(types.OpFormatTarget, &errs.BlockOpError{Op: "format", Err: err})
	}
	return nil
}

// Grow resizes p's partition-table entry to the disk's current end, then
// grows the filesystem to fill it. If resizing k requires a live mount
// and mountPath is empty, Grow mounts and unmounts p itself for the
// duration of the resize.
func (a *Adapter) Grow(ctx context.Context, p types.Partition, mountPath string, k fskind.Kind) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockOpDuration, "grow")

	if _, err := a.runner.Run(ctx, "parted", "-s", string(p.Device), "resizepart", strconv.Itoa(p.Index), "100%"); err != nil {
		log.WithDevice(string(p.Device)).Warn().Err(err).Msg("partition table resize during grow reported failure")
	}
	if err := a.awaitConvergence(ctx, p.Device); err != nil {
		return errs.WithStep(types.OpExpandPartitionTbl, err)
	}

	target := mountPath
	var ownMount *MountHandle
	if fskind.ResizeRequiresMount(k) && target == "" {
		h, err := a.Mount(ctx, p)
		if err != nil {
			return errs.WithStep(types.OpExpandPartitionTbl, err)
		}
		ownMount = h
		target = h.Path
	}
	if ownMount != nil {
		defer func() { _ = a.Unmount(ctx, ownMount) }()
	}

	resizeProg := fskind.ResizeCommand(k)
	if resizeProg == "" {
		// e.g. JFS: no dedicated grow tool. Only the partition-table entry
		// was resized above; the filesystem itself is left at its size.
		return nil
	}

	var resizeArgs []string
	if fskind.ResizeRequiresMount(k) {
		resizeArgs = []string{target}
	} else {
		resizeArgs = []string{partitionNode(p)}
	}
	if _, err := a.runner.Run(ctx, resizeProg, resizeArgs...); err != nil {
		return errs.WithStep(types.OpExpandPartitionTbl, &errs.BlockOpError{Op: "grow", Err: err})
	}
	return nil
}

// DeletePartition removes index's entry from d's partition table.
func (a *Adapter) DeletePartition(ctx context.Context, d types.Device, index int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BlockOpDuration, "delete_partition")

	if _, err := a.runner.Run(ctx, "parted", "-s", string(d), "rm", strconv.Itoa(index)); err != nil {
		return errs.WithStep(types.OpDeleteSource, &errs.BlockOpError{Op: "delete_partition", Err: err})
	}
	return a.awaitConvergence(ctx, d)
}

// Mount mounts p at a freshly created, uniquely named mount point and
// returns a handle. On any failure after the directory is created, the
// directory is removed before returning.
func (a *Adapter) Mount(ctx context.Context, p types.Partition) (*MountHandle, error) {
	path := filepath.Join(os.TempDir(), "ntfsconv-"+uuid.NewString())
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, errs.WithStep(types.OpMigrateFiles, &errs.MountError{MountPoint: path, Err: err})
	}

	if _, err := a.runner.Run(ctx, "mount", partitionNode(p), path); err != nil {
		_ = os.Remove(path)
		return nil, &errs.MountError{MountPoint: path, Err: err}
	}

	return &MountHandle{Partition: p, Path: path}, nil
}

// Unmount releases h, retrying up to unmountRetries times with a delay if
// the mount point is still reported active, per spec §4.1. The mount
// directory is always removed once release is confirmed.
func (a *Adapter) Unmount(ctx context.Context, h *MountHandle) error {
	if h == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < unmountRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		if _, err := a.runner.Run(ctx, "umount", h.Path); err != nil {
			lastErr = err
			continue
		}

		mounted, err := isMounted(h.Path)
		if err != nil {
			lastErr = err
			continue
		}
		if !mounted {
			_ = os.Remove(h.Path)
			return nil
		}
		lastErr = fmt.Errorf("mount point %s still active after umount", h.Path)
	}

	return &errs.MountError{MountPoint: h.Path, Unmounting: true, Err: lastErr}
}

// awaitConvergence runs partprobe on d, then polls lsblk with exponential
// backoff until it lists d's partitions without error, returning
// KernelViewStaleError if that does not happen within
// kernelConvergenceTimeout. /dev events seen by an fsnotify watcher only
// cut short the wait between polls. It does not check that the listed
// nodes reflect the mutation just made (a node added or removed).
func (a *Adapter) awaitConvergence(ctx context.Context, d types.Device) error {
	_, _ = a.runner.Run(ctx, "partprobe", string(d))

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add("/dev")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = kernelConvergenceTimeout

	deadline := time.Now().Add(kernelConvergenceTimeout)
	for {
		if _, err := a.listPartitionNodes(ctx, d); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return &errs.KernelViewStaleError{Device: d}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return &errs.KernelViewStaleError{Device: d}
		}

		if watcher != nil {
			select {
			case <-watcher.Events:
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// listPartitionNodes returns the device nodes of d's current child
// partitions via lsblk, robust to naming conventions with or without a
// "p" infix (e.g. /dev/sda1 vs /dev/nvme0n1p1).
func (a *Adapter) listPartitionNodes(ctx context.Context, d types.Device) ([]string, error) {
	res, err := a.runner.Run(ctx, "lsblk", "-ln", "-o", "NAME", string(d))
	if err != nil {
		return nil, &errs.BlockOpError{Op: "list_partitions", Err: err}
	}

	var nodes []string
	base := filepath.Base(string(d))
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == base {
			continue
		}
		nodes = append(nodes, "/dev/"+name)
	}
	return nodes, nil
}

func diffNodes(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, n := range before {
		seen[n] = true
	}
	var added []string
	for _, n := range after {
		if !seen[n] {
			added = append(added, n)
		}
	}
	return added
}

// partitionIndexFromNode extracts the trailing numeric index from a
// partition node, tolerating both /dev/sda3 and /dev/nvme0n1p3 shapes.
func partitionIndexFromNode(d types.Device, node string) (int, error) {
	trimmed := strings.TrimPrefix(node, "/dev/")
	base := strings.TrimPrefix(trimmed, strings.TrimPrefix(string(d), "/dev/"))
	base = strings.TrimPrefix(base, "p")

	idx, err := strconv.Atoi(base)
	if err != nil {
		return 0, fmt.Errorf("cannot parse partition index from node %q: %w", node, err)
	}
	return idx, nil
}

func partitionNode(p types.Partition) string {
	base := string(p.Device)
	if len(base) > 0 && base[len(base)-1] >= '0' && base[len(base)-1] <= '9' {
		return fmt.Sprintf("%sp%d", base, p.Index)
	}
	return fmt.Sprintf("%s%d", base, p.Index)
}

func kbArg(kb uint64) string {
	return strconv.FormatUint(kb, 10) + "KiB"
}

func isMounted(path string) (bool, error) {
	return mountinfo.Mounted(path)
}
