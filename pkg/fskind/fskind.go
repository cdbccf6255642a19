// Package fskind is the closed sum type over the filesystem kinds this
// engine knows how to target, replacing the associative "format command /
// resize command / resize-requires-mount" tables of the original tool
// (spec §9 "Dynamic dispatch over filesystem kind") with a map-backed
// operations table keyed by a finite Go type.
package fskind

import "fmt"

// Kind is one of the seven filesystem kinds the engine recognizes: the
// source kind (NTFS) plus the six supported conversion targets.
type Kind string

const (
	NTFS     Kind = "ntfs"
	Ext4     Kind = "ext4"
	Btrfs    Kind = "btrfs"
	XFS      Kind = "xfs"
	F2FS     Kind = "f2fs"
	Reiserfs Kind = "reiserfs"
	JFS      Kind = "jfs"
)

// Targets lists the filesystem kinds the engine may convert an NTFS volume
// into, in the order spec §1 names them.
var Targets = []Kind{Ext4, Btrfs, XFS, F2FS, Reiserfs, JFS}

// IsValidTarget reports whether k is one of the six supported targets.
func IsValidTarget(k Kind) bool {
	for _, t := range Targets {
		if t == k {
			return true
		}
	}
	return false
}

// ops is the per-kind tool table: the program names used to format and
// resize a filesystem of this kind, and whether growing it requires an
// active mount. Block Layer Adapter implementations look up the program
// name here rather than branching on Kind themselves.
type ops struct {
	mkfs              string
	mkfsArgs          []string
	resize            string
	resizeRequiresMnt bool
}

var table = map[Kind]ops{
	Ext4:     {mkfs: "mkfs.ext4", resize: "resize2fs", resizeRequiresMnt: false},
	Btrfs:    {mkfs: "mkfs.btrfs", resize: "btrfs", resizeRequiresMnt: true},
	XFS:      {mkfs: "mkfs.xfs", resize: "xfs_growfs", resizeRequiresMnt: true},
	F2FS:     {mkfs: "mkfs.f2fs", resize: "resize.f2fs", resizeRequiresMnt: false},
	Reiserfs: {mkfs: "mkfs.reiserfs", mkfsArgs: []string{"-f"}, resize: "resize_reiserfs", resizeRequiresMnt: false},
	JFS:      {mkfs: "mkfs.jfs", mkfsArgs: []string{"-f"}, resize: "", resizeRequiresMnt: false},
}

// MkfsCommand returns the program name and fixed arguments used to format
// a fresh filesystem of kind k. It panics on an unsupported kind — callers
// must validate with IsValidTarget first, as cmd/ntfsconv does before the
// engine ever reaches the Block Layer.
func MkfsCommand(k Kind) (prog string, args []string) {
	o, ok := table[k]
	if !ok {
		panic(fmt.Sprintf("fskind: no mkfs command for kind %q", k))
	}
	return o.mkfs, o.mkfsArgs
}

// ResizeCommand returns the program name used to grow a filesystem of kind
// k in place. An empty string means the kind has no dedicated grow tool
// (JFS); the Block Layer's Grow then resizes only the partition-table
// entry and does not grow the filesystem.
func ResizeCommand(k Kind) string {
	return table[k].resize
}

// ResizeRequiresMount reports whether growing a filesystem of kind k needs
// an active mount point, per spec §3's Volume.resize_requires_mount.
func ResizeRequiresMount(k Kind) bool {
	return table[k].resizeRequiresMnt
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
