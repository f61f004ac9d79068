// Package filesystem implements the FileSystem closed enum and its
// per-variant method table (spec.md §3, §4.9, §9 "Dynamic dispatch over
// filesystems"): canonical on-disk name, default mount options, size
// bounds, root-capability, shrink/grow support, and the external tool
// names the resize/move engine and executor dispatch against.
package filesystem

import (
	"fmt"

	"github.com/pop-os/distinst-go/sizeutil"
)

// FS is the closed filesystem enum.
type FS int

const (
	Btrfs FS = iota
	Ext2
	Ext3
	Ext4
	F2fs
	Exfat
	Fat16
	Fat32
	Ntfs
	Xfs
	Swap
	Luks
	Lvm
)

// SizeUnit is the unit a resize tool's size argument is expressed in.
type SizeUnit int

const (
	UnitNone SizeUnit = iota
	UnitSectors
	UnitKibibytes
	UnitMebibytes
	UnitBytes
)

// Info is the per-filesystem method table spec.md §9 calls for.
type Info struct {
	FS FS

	// NameOnDisk is the canonical name used with external formatters
	// (mkfs.<NameOnDisk>), except where FstabName overrides the fstab
	// field.
	NameOnDisk string
	// FstabName is the fs field written into /etc/fstab; differs from
	// NameOnDisk for fat16/32 (vfat) and for Luks/Lvm, per spec.md §6.
	FstabName string

	DefaultMountOptions string

	MinSize sizeutil.Size
	MaxSize sizeutil.Size

	LinuxRootOK    bool
	SupportsShrink bool
	SupportsGrow   bool

	// FormatTool is the mkfs-family binary (mkswap for Swap; empty for
	// Luks/Lvm, which are set up through cryptsetup/lvcreate instead).
	FormatTool string
	// ResizeTool names the resize binary (empty for Swap, Luks, Lvm: swap
	// is always remove+create, Luks/Lvm are resized through their own
	// lifecycle, not a filesystem resize tool).
	ResizeTool string
	ResizeUnit SizeUnit
	// ResizeSizeBeforePath is true when the tool's argv places the size
	// argument before the device path (fatresize), false when it comes
	// after (resize2fs).
	ResizeSizeBeforePath bool
	// RequiresMountedForResize is true for btrfs/xfs, which must be
	// resized while mounted.
	RequiresMountedForResize bool

	// UsageTool names the tool sectors_used() shells out to; empty for
	// filesystems in the Unsupported-usage set (spec.md §4.3).
	UsageTool string
}

var table = map[FS]Info{
	Btrfs: {
		NameOnDisk: "btrfs", FstabName: "btrfs",
		DefaultMountOptions: "defaults,compress=zstd",
		MinSize:             256 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         true,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.btrfs", ResizeTool: "btrfs", ResizeUnit: UnitMebibytes,
		RequiresMountedForResize: true,
		UsageTool:                "btrfs",
	},
	Ext2: {
		NameOnDisk: "ext2", FstabName: "ext2",
		DefaultMountOptions: "defaults",
		MinSize:             16 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         true,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.ext2", ResizeTool: "resize2fs", ResizeUnit: UnitSectors,
		UsageTool: "dumpe2fs",
	},
	Ext3: {
		NameOnDisk: "ext3", FstabName: "ext3",
		DefaultMountOptions: "defaults",
		MinSize:             16 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         true,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.ext3", ResizeTool: "resize2fs", ResizeUnit: UnitSectors,
		UsageTool: "dumpe2fs",
	},
	Ext4: {
		NameOnDisk: "ext4", FstabName: "ext4",
		DefaultMountOptions: "defaults",
		MinSize:             16 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         true,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.ext4", ResizeTool: "resize2fs", ResizeUnit: UnitSectors,
		UsageTool: "dumpe2fs",
	},
	F2fs: {
		NameOnDisk: "f2fs", FstabName: "f2fs",
		DefaultMountOptions: "defaults",
		MinSize:             100 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 55,
		LinuxRootOK:         true,
		SupportsShrink:      false, SupportsGrow: true,
		FormatTool: "mkfs.f2fs",
	},
	Exfat: {
		NameOnDisk: "exfat", FstabName: "exfat",
		DefaultMountOptions: "defaults,umask=0077",
		MinSize:             1 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 55,
		LinuxRootOK:         false,
		SupportsShrink:      false, SupportsGrow: false,
		FormatTool: "mkfs.exfat",
	},
	Fat16: {
		NameOnDisk: "fat16", FstabName: "vfat",
		DefaultMountOptions: "defaults,umask=0077",
		MinSize:             1 * sizeutil.SizeMiB,
		MaxSize:             2 * sizeutil.SizeGiB,
		LinuxRootOK:         false,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.fat", ResizeTool: "fatresize", ResizeUnit: UnitKibibytes,
		ResizeSizeBeforePath: true,
		UsageTool:            "fsck.fat",
	},
	Fat32: {
		NameOnDisk: "fat32", FstabName: "vfat",
		DefaultMountOptions: "defaults,umask=0077",
		MinSize:             33 * sizeutil.SizeMiB,
		MaxSize:             2 * sizeutil.SizeTiB,
		LinuxRootOK:         false,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.fat", ResizeTool: "fatresize", ResizeUnit: UnitKibibytes,
		ResizeSizeBeforePath: true,
		UsageTool:            "fsck.fat",
	},
	Ntfs: {
		NameOnDisk: "ntfs", FstabName: "ntfs",
		DefaultMountOptions: "defaults",
		MinSize:             1 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         false,
		SupportsShrink:      true, SupportsGrow: true,
		FormatTool: "mkfs.ntfs", ResizeTool: "ntfsresize", ResizeUnit: UnitBytes,
		UsageTool: "ntfsresize",
	},
	Xfs: {
		NameOnDisk: "xfs", FstabName: "xfs",
		DefaultMountOptions: "defaults",
		MinSize:             16 * sizeutil.SizeMiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         true,
		SupportsShrink:      false, SupportsGrow: true,
		FormatTool: "mkfs.xfs", ResizeTool: "xfs_growfs", ResizeUnit: UnitNone,
		RequiresMountedForResize: true,
	},
	Swap: {
		NameOnDisk: "swap", FstabName: "swap",
		DefaultMountOptions: "sw",
		MinSize:             sizeutil.Size(40) * sizeutil.SizeKiB,
		MaxSize:             sizeutil.Size(1) << 60,
		LinuxRootOK:         false,
		SupportsShrink:      false, SupportsGrow: false,
		FormatTool: "mkswap",
	},
	Luks: {
		NameOnDisk: "luks", FstabName: "crypto_LUKS",
		MinSize: 2 * sizeutil.SizeMiB,
		MaxSize: sizeutil.Size(1) << 63,
	},
	Lvm: {
		NameOnDisk: "lvm", FstabName: "LVM2_member",
		MinSize: 4 * sizeutil.SizeMiB,
		MaxSize: sizeutil.Size(1) << 63,
	},
}

// Lookup returns the method-table entry for fs.
func Lookup(fs FS) Info { return table[fs] }

// ParseName resolves a canonical on-disk name (as accepted on a builder
// call) back to an FS value, the reverse of Info.NameOnDisk.
func ParseName(name string) (FS, error) {
	for fs, info := range table {
		if info.NameOnDisk == name {
			return fs, nil
		}
	}
	return 0, fmt.Errorf("unknown filesystem name %q", name)
}

func (fs FS) String() string { return table[fs].NameOnDisk }

// UsageUnsupported is the set of filesystems sectors_used() refuses with
// Unsupported, per spec.md §4.3.
func (fs FS) UsageUnsupported() bool {
	switch fs {
	case Swap, Lvm, Luks, Xfs, F2fs, Exfat:
		return true
	default:
		return false
	}
}
