// Package resize implements the per-filesystem resize/move engine
// (spec.md §4.9, C9): the shrink-before-delete-before-recreate and
// delete-before-move-before-grow orderings, the per-filesystem tool
// dispatch table, and the sector-level block-copy mover used whenever a
// partition's start sector changes.
package resize

import (
	"fmt"
	"os"

	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"

	"github.com/pop-os/distinst-go/cancel"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
)

// Bounds is an inclusive [start, end] sector range: both Start and End are
// sectors of the partition (see inclusiveLength).
type Bounds struct {
	Start, End uint64
}

func (b Bounds) length() uint64 { return b.End - b.Start }

// inclusiveLength is the sector count a resize tool's size argument must
// express: End and Start are both inclusive sector indices (spec.md §8
// scenario 2: bytes = (end − start + 1) × 512), unlike length(), which is
// used only for signed delta comparisons where the +1 cancels out.
func (b Bounds) inclusiveLength() uint64 { return b.End - b.Start + 1 }

// Operation is the deferred-resize unit the executor's Change stage
// pushes for C9 to process (spec.md §4.8/§4.9).
type Operation struct {
	SectorSize uint64
	Old, New   Bounds
}

// relativeSectors computes signed length delta per spec.md's boundary
// cases: a pure move yields 0, a pure length change yields the delta.
func (op Operation) relativeSectors() int64 {
	switch {
	case op.Old == op.New:
		return 0
	case op.Old.Start == op.New.Start:
		return int64(op.New.End) - int64(op.Old.End)
	case (int64(op.New.Start) - int64(op.Old.Start)) == (int64(op.New.End) - int64(op.Old.End)):
		return 0
	default:
		return int64(op.New.length()) - int64(op.Old.length())
	}
}

func (op Operation) moving() bool   { return op.Old.Start != op.New.Start }
func (op Operation) shrinking() bool { return op.relativeSectors() < 0 }
func (op Operation) growing() bool   { return op.relativeSectors() > 0 }

// DeleteFunc removes the live partition entry from the table (the
// executor's own remove primitive, replayed by C9).
type DeleteFunc func() error

// CreateFunc recreates a partition at new coordinates, returning its
// freshly assigned number and device path (spec.md §4.9's callback
// signature).
type CreateFunc func(start, end uint64, fs filesystem.FS, flags partition.FlagSet, label *string, kind partition.Type) (newNumber int, newPath string, err error)

// sizeArg renders the resize tool's size argument exactly per the
// dispatch table in spec.md §4.9.
func sizeArg(fs filesystem.FS, lengthSectors, sectorSize uint64) string {
	info := filesystem.Lookup(fs)
	switch info.ResizeUnit {
	case filesystem.UnitSectors:
		return fmt.Sprintf("%ds", lengthSectors)
	case filesystem.UnitKibibytes:
		return fmt.Sprintf("%dki", (lengthSectors*sectorSize)/1024)
	case filesystem.UnitMebibytes:
		return fmt.Sprintf("%dM", (lengthSectors*sectorSize)/(1024*1024))
	case filesystem.UnitBytes:
		return fmt.Sprintf("%d", lengthSectors*sectorSize)
	default:
		return ""
	}
}

// resizeFilesystem shells out to the per-filesystem resize tool against
// devicePath, growing or shrinking it to lengthSectors. Callers pass an
// already-mounted path for btrfs/xfs (filesystem.Info.RequiresMountedForResize);
// mounting it there is the executor's job, not this function's.
func resizeFilesystem(r *runner.Runner, fs filesystem.FS, devicePath string, lengthSectors, sectorSize uint64, shrinking bool) error {
	info := filesystem.Lookup(fs)
	if info.ResizeTool == "" {
		return nil
	}
	if shrinking && !info.SupportsShrink {
		return distinsterrs.New(distinsterrs.Unsupported, "%s does not support shrinking", fs)
	}
	size := sizeArg(fs, lengthSectors, sectorSize)

	switch fs {
	case filesystem.Ntfs:
		if _, err := r.RunWithStdin("y\n", info.ResizeTool, "--force", "--force", "--no-action", "-s", size, devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "ntfsresize dry run on %s", devicePath)
		}
		if _, err := r.Run(info.ResizeTool, "--force", "--force", "-s", size, devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "ntfsresize %s", devicePath)
		}
		return nil
	case filesystem.Xfs:
		if _, err := r.Run("xfs_repair", "-v", devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "xfs_repair %s", devicePath)
		}
		if _, err := r.Run(info.ResizeTool, "-d", devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "xfs_growfs %s", devicePath)
		}
		return nil
	case filesystem.Btrfs:
		if _, err := r.Run("btrfsck", "--repair", devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "btrfsck %s", devicePath)
		}
		if _, err := r.Run(info.ResizeTool, "filesystem", "resize", size, devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "btrfs resize %s", devicePath)
		}
		return nil
	case filesystem.Ext2, filesystem.Ext3, filesystem.Ext4:
		if _, err := r.Run("e2fsck", "-f", "-y", devicePath); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "e2fsck %s", devicePath)
		}
		if _, err := r.Run(info.ResizeTool, devicePath, size); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "resize2fs %s", devicePath)
		}
		return nil
	default:
		var args []string
		if info.ResizeSizeBeforePath {
			args = []string{"-s", size, devicePath}
		} else {
			args = []string{devicePath, size}
		}
		if _, err := r.Run(info.ResizeTool, args...); err != nil {
			return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "%s %s", info.ResizeTool, devicePath)
		}
		return nil
	}
}

// Execute runs op's shrink/move/grow sequencing rule (spec.md §4.9,
// "Execution rules" 1-3), calling del/create to replay the delete and
// recreate primitives against the live disk.
func Execute(r *runner.Runner, op Operation, devicePath string, fs filesystem.FS, flags partition.FlagSet, label *string, kind partition.Type, del DeleteFunc, create CreateFunc, sw *cancel.Switch) (int, string, error) {
	if sw != nil && sw.Cancelled() {
		return 0, "", sw.Err()
	}

	switch {
	case op.shrinking():
		if err := resizeFilesystem(r, fs, devicePath, op.New.inclusiveLength(), op.SectorSize, true); err != nil {
			return 0, "", err
		}
		if err := del(); err != nil {
			return 0, "", err
		}
		return create(op.New.Start, op.New.End, fs, flags, label, kind)

	case op.growing():
		if err := del(); err != nil {
			return 0, "", err
		}
		if op.moving() {
			if err := BlockCopyMove(devicePath, op.Old, op.New, op.SectorSize, sw); err != nil {
				return 0, "", err
			}
		}
		num, path, err := create(op.New.Start, op.New.End, fs, flags, label, kind)
		if err != nil {
			return 0, "", err
		}
		if err := resizeFilesystem(r, fs, path, op.New.inclusiveLength(), op.SectorSize, false); err != nil {
			return 0, "", err
		}
		return num, path, nil

	case op.moving():
		if err := del(); err != nil {
			return 0, "", err
		}
		if err := BlockCopyMove(devicePath, op.Old, op.New, op.SectorSize, sw); err != nil {
			return 0, "", err
		}
		return create(op.New.Start, op.New.End, fs, flags, label, kind)

	default:
		return create(op.New.Start, op.New.End, fs, flags, label, kind)
	}
}

// BlockCopyMove relocates a partition's sectors on the whole-disk block
// device, per spec.md §4.9: reverse iteration when moving forward (to
// never overwrite un-copied data), forward iteration when moving
// backward. Throttled with a token bucket so a move does not starve
// other I/O on the same disk.
func BlockCopyMove(devicePath string, old, target Bounds, sectorSize uint64, sw *cancel.Switch) error {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "opening %s for block copy", devicePath)
	}
	defer f.Close()
	fd := int(f.Fd())

	sourceSkip := old.Start
	offsetSkip := old.Start + (target.Start - old.Start)
	length := old.inclusiveLength() // inclusive endpoint count, per spec.md §8 scenario 6

	offset := int64(target.Start) - int64(old.Start)
	reverse := offset > 0

	bucket := ratelimit.NewBucketWithRate(64*1024*1024, 64*1024*1024) // 64 MiB/s ceiling
	buf := make([]byte, sectorSize)

	copyOne := func(i uint64) error {
		if sw != nil && sw.Cancelled() {
			return sw.Err()
		}
		bucket.Wait(int64(sectorSize))

		srcOff := int64(sourceSkip+i) * int64(sectorSize)
		dstOff := int64(offsetSkip+i) * int64(sectorSize)

		if _, err := unix.Pread(fd, buf, srcOff); err != nil {
			return distinsterrs.Wrap(distinsterrs.IoFailure, err, "reading sector %d", sourceSkip+i)
		}
		if _, err := unix.Pwrite(fd, buf, dstOff); err != nil {
			return distinsterrs.Wrap(distinsterrs.IoFailure, err, "writing sector %d", offsetSkip+i)
		}
		return nil
	}

	if reverse {
		for i := length; i > 0; i-- {
			if err := copyOne(i - 1); err != nil {
				return err
			}
		}
	} else {
		for i := uint64(0); i < length; i++ {
			if err := copyOne(i); err != nil {
				return err
			}
		}
	}

	if err := unix.Fsync(fd); err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "fsync %s after block copy", devicePath)
	}
	return nil
}
