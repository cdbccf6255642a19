// Package inspector is the Volume Inspector of spec §4.2: pure queries
// over partition geometry, used space, disk size, mount state, and
// device rotation. Its only side effect is a temporary, scoped mount
// when a used_kb query is requested on a volume that isn't already
// mounted.
package inspector

import (
	"context"
	"strconv"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/LewisTansley/ntfsconv/pkg/blocklayer"
	"github.com/LewisTansley/ntfsconv/pkg/log"
	"github.com/LewisTansley/ntfsconv/pkg/sysexec"
	"github.com/LewisTansley/ntfsconv/pkg/types"
)

// usedKBFallbackRatio is the conservative estimate of used space applied
// when a mount-based query fails. Spec §9's open question flags this as
// a guess; this implementation surfaces a loud warning alongside it
// rather than proceeding silently.
const usedKBFallbackRatio = 0.8

// Inspector answers read-only questions about devices, partitions, and
// volumes. All questions funnel through sysexec.Runner except the
// diskfs-based geometry cross-check, which reads the partition table
// directly.
type Inspector struct {
	runner sysexec.Runner
	blk    *blocklayer.Adapter
}

// New returns an Inspector. blk is used only to scope the temporary
// mount a used_kb query may need.
func New(runner sysexec.Runner, blk *blocklayer.Adapter) *Inspector {
	return &Inspector{runner: runner, blk: blk}
}

// DiskTotalKB returns d's total addressable size in kilobytes.
func (i *Inspector) DiskTotalKB(ctx context.Context, d types.Device) (uint64, error) {
	res, err := i.runner.Run(ctx, "lsblk", "-bno", "SIZE", string(d))
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
	bytes, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, err
	}
	return bytes / 1024, nil
}

// Geometry reports the current [start_kb, end_kb) extent of a partition,
// as known to the kernel via lsblk, cross-checked against a direct read
// of the on-disk partition table where that succeeds.
func (i *Inspector) Geometry(ctx context.Context, p types.Partition) (startKB, endKB uint64, err error) {
	res, err := i.runner.Run(ctx, "lsblk", "-bno", "START,SIZE", partitionNode(p))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 {
		return 0, 0, errGeometryUnavailable(p)
	}
	startBytes, errS := strconv.ParseUint(fields[0], 10, 64)
	sizeBytes, errZ := strconv.ParseUint(fields[1], 10, 64)
	if errS != nil || errZ != nil {
		return 0, 0, errGeometryUnavailable(p)
	}
	startKB = startBytes / 1024
	endKB = startKB + sizeBytes/1024

	if crossStart, crossEnd, ok := i.crossCheckGeometry(p); ok {
		if crossStart != startKB || crossEnd != endKB {
			log.WithDevice(string(p.Device)).Warn().
				Uint64("lsblk_start_kb", startKB).Uint64("diskfs_start_kb", crossStart).
				Msg("partition geometry disagreement between lsblk and direct partition-table read")
		}
	}

	return startKB, endKB, nil
}

// crossCheckGeometry re-derives p's extent by reading the partition table
// directly with go-diskfs, as a Go-native cross-check independent of the
// lsblk invocation. A failure here is not fatal — Geometry's lsblk result
// still governs — it only produces a warning on disagreement.
func (i *Inspector) crossCheckGeometry(p types.Partition) (startKB, endKB uint64, ok bool) {
	disk, err := diskfs.Open(string(p.Device))
	if err != nil {
		return 0, 0, false
	}
	defer disk.File.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return 0, 0, false
	}

	parts := table.GetPartitions()
	if p.Index < 1 || p.Index > len(parts) {
		return 0, 0, false
	}
	part := parts[p.Index-1]

	switch pt := part.(type) {
	case *mbr.Partition:
		startKB = uint64(pt.GetStart()) / 1024
		endKB = startKB + uint64(pt.GetSize())/1024
		return startKB, endKB, true
	case *gpt.Partition:
		startKB = uint64(pt.Start) * uint64(disk.LogicalBlocksize) / 1024
		endKB = startKB + uint64(pt.Size)/1024
		return startKB, endKB, true
	default:
		return 0, 0, false
	}
}

// IsMounted reports whether p currently has an active mount.
func (i *Inspector) IsMounted(ctx context.Context, p types.Partition) (bool, error) {
	res, err := i.runner.Run(ctx, "findmnt", "-n", "-S", partitionNode(p))
	if err != nil {
		// findmnt exits non-zero when the source has no mount; that's a
		// normal "not mounted" answer, not an inspector error.
		return false, nil
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// UsedKB returns live data usage for v. If v is not already mounted, it
// mounts it at a scoped, temporary point for the duration of the query.
// On a mount failure it falls back to a conservative estimate and warns
// loudly, as spec §9's open question directs, rather than silently
// returning a guess indistinguishable from a measured value.
func (i *Inspector) UsedKB(ctx context.Context, p types.Partition, sizeKB uint64) (uint64, error) {
	mounted, err := i.IsMounted(ctx, p)
	if err == nil && mounted {
		if usedKB, dfErr := i.dfUsedKB(ctx, p); dfErr == nil {
			return usedKB, nil
		}
	}

	handle, mountErr := i.blk.Mount(ctx, p)
	if mountErr != nil {
		log.WithDevice(string(p.Device)).Warn().Err(mountErr).
			Msg("used_kb falling back to size-ratio estimate: mount failed")
		return uint64(float64(sizeKB) * usedKBFallbackRatio), nil
	}
	defer func() { _ = i.blk.Unmount(ctx, handle) }()

	usedKB, dfErr := i.dfUsedKBAt(ctx, handle.Path)
	if dfErr != nil {
		log.WithDevice(string(p.Device)).Warn().Err(dfErr).
			Msg("used_kb falling back to size-ratio estimate: disk-usage query failed")
		return uint64(float64(sizeKB) * usedKBFallbackRatio), nil
	}
	return usedKB, nil
}

func (i *Inspector) dfUsedKB(ctx context.Context, p types.Partition) (uint64, error) {
	res, err := i.runner.Run(ctx, "findmnt", "-n", "-S", partitionNode(p), "-o", "TARGET")
	if err != nil {
		return 0, err
	}
	target := strings.TrimSpace(res.Stdout)
	if target == "" {
		return 0, errGeometryUnavailable(p)
	}
	return i.dfUsedKBAt(ctx, target)
}

// dfUsedKBAt reports used space at mountPoint via df, keeping every
// external query funneled through the one process-spawning seam (spec
// §9) so pkg/dummy can drive used_kb from scripted output instead of a
// real mounted filesystem.
func (i *Inspector) dfUsedKBAt(ctx context.Context, mountPoint string) (uint64, error) {
	res, err := i.runner.Run(ctx, "df", "-Pk", mountPoint)
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) < 2 {
		return 0, errGeometryUnavailable(types.Partition{})
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return 0, errGeometryUnavailable(types.Partition{})
	}
	return strconv.ParseUint(fields[2], 10, 64)
}

// IsRotational classifies d by consulting, in order, the kernel's
// per-device rotational flag, lsblk's rotational column, and falling
// back to unknown (S.M.A.R.T. probing is not wired here: it requires an
// optional out-of-band tool whose absence is common and non-fatal).
func (i *Inspector) IsRotational(ctx context.Context, d types.Device) (types.Rotation, error) {
	base := strings.TrimPrefix(string(d), "/dev/")
	res, err := i.runner.Run(ctx, "cat", "/sys/block/"+base+"/queue/rotational")
	if err == nil {
		switch strings.TrimSpace(res.Stdout) {
		case "1":
			return types.RotationRotational, nil
		case "0":
			return types.RotationSolidState, nil
		}
	}

	res, err = i.runner.Run(ctx, "lsblk", "-dno", "ROTA", string(d))
	if err == nil {
		switch strings.TrimSpace(res.Stdout) {
		case "1":
			return types.RotationRotational, nil
		case "0":
			return types.RotationSolidState, nil
		}
	}

	return types.RotationUnknown, nil
}

func partitionNode(p types.Partition) string {
	base := string(p.Device)
	if len(base) > 0 && base[len(base)-1] >= '0' && base[len(base)-1] <= '9' {
		return base + "p" + strconv.Itoa(p.Index)
	}
	return base + strconv.Itoa(p.Index)
}

type geometryUnavailableError struct {
	partition types.Partition
}

func (e *geometryUnavailableError) Error() string {
	return "geometry unavailable for partition " + partitionNode(e.partition)
}

func errGeometryUnavailable(p types.Partition) error {
	return &geometryUnavailableError{partition: p}
}
