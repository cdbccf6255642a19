package types

import (
	"time"

	"github.com/LewisTansley/ntfsconv/pkg/fskind"
)

// Device is an opaque block device identifier, e.g. "/dev/sda". The engine
// never creates or destroys a Device; it only references one supplied by
// the operator or by a Volume Inspector probe.
type Device string

// Partition is a contiguous extent [StartKB, EndKB) on a Device. Partitions
// on a single Device must be disjoint; that invariant is enforced by the
// Block Layer Adapter, never assumed here.
type Partition struct {
	Device  Device
	Index   int
	StartKB uint64
	EndKB   uint64
}

// SizeKB returns the partition's extent size.
func (p Partition) SizeKB() uint64 {
	if p.EndKB < p.StartKB {
		return 0
	}
	return p.EndKB - p.StartKB
}

// Volume is a Partition carrying a filesystem. UsedKB is only meaningful
// when the volume has been (possibly transiently) mounted; a zero value
// does not mean "empty" unless Inspector populated it from a real query.
type Volume struct {
	Partition Partition
	Kind      fskind.Kind
	UsedKB    uint64
	SizeKB    uint64
}

// ResizeRequiresMount reports whether growing this volume's filesystem
// needs an active mount (true for btrfs and xfs).
func (v Volume) ResizeRequiresMount() bool {
	return fskind.ResizeRequiresMount(v.Kind)
}

// MigrationJob is the transient record of one migrate step (spec §4.3). It
// is never written to the State Journal; its verified manifest is instead
// persisted to a temporary, instance-id-named file under /tmp for the
// duration of the iteration that produced it, then removed.
type MigrationJob struct {
	SourceMount      string
	TargetMount      string
	FileCount        int
	TotalBytes       uint64
	VerifiedManifest []string // relative paths, in copy order
}

// Operation is a value of ConversionState.LastOperation: a named, resumable
// checkpoint in the controller's state machine (spec §4.4/§4.5).
type Operation string

const (
	OpIterationStart     Operation = "iteration_start"
	OpShrinkNTFS         Operation = "shrink_ntfs"
	OpCreateTarget       Operation = "create_target"
	OpFormatTarget       Operation = "format_target"
	OpExpandPartitionTbl Operation = "expand_partition_table"
	OpMigrateFiles       Operation = "migrate_files"
	OpDeleteSource       Operation = "delete_source"
	OpExpandFinal        Operation = "expand_final"
	OpComplete           Operation = "complete"
)

// ConversionState is the full payload of the State Journal (spec §3/§4.4).
// It is persisted, as a whole, only after the operation it names has
// observably completed on disk.
type ConversionState struct {
	Device             Device
	TargetKind         fskind.Kind
	SourcePartition    Partition
	TargetPartition    Partition
	UseExistingTarget  bool
	Iteration          uint32
	LastOperation      Operation
	FilesMigratedTotal uint64

	// UpdatedAt is not part of the spec's persisted field set; it is kept
	// in memory only, to let callers report how stale a resumed record is.
	UpdatedAt time.Time `json:"-"`
}

// Rotation is the derived, non-persisted classification of a Device
// (spec §3 DiskRotation).
type Rotation string

const (
	RotationRotational Rotation = "rotational"
	RotationSolidState Rotation = "solid_state"
	RotationUnknown    Rotation = "unknown"
)
