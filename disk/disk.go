// Package disk implements the physical Disk model and its builder
// mutators (spec.md §3, §4.4, C4): Mklabel, AddPartition, RemovePartition,
// MovePartition, ResizePartition, FormatPartition, AddFlags, SetName, and
// the invariant re-checks that guard every one of them.
package disk

import (
	"fmt"
	"sort"
	"unicode"

	"golang.org/x/sys/unix"

	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/partition"
)

// Table is the closed partition-table enum.
type Table int

const (
	TableNone Table = iota
	TableGpt
	TableMsdos
)

func (t Table) String() string {
	switch t {
	case TableGpt:
		return "gpt"
	case TableMsdos:
		return "msdos"
	default:
		return "none"
	}
}

// ParseTable resolves a Table's string name back to its enum value.
func ParseTable(name string) (Table, error) {
	switch name {
	case "gpt":
		return TableGpt, nil
	case "msdos":
		return TableMsdos, nil
	case "none", "":
		return TableNone, nil
	default:
		return 0, fmt.Errorf("unknown partition table %q", name)
	}
}

// DeviceType distinguishes the underlying transport, informing how the
// disk's sector geometry is probed and how its children are named.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceSCSI
	DeviceNVMe
	DeviceLoopback
)

// Disk is the physical-disk aggregate spec.md §3 defines.
type Disk struct {
	Model      string
	Serial     string
	DevicePath string

	SizeSectors     uint64
	SectorSizeBytes uint64
	DeviceType      DeviceType

	Table    Table
	ReadOnly bool
	Relabel  bool

	Partitions []*partition.Partition
}

// New builds an empty Disk of known geometry, the shape a probe populates
// before appending discovered partitions.
func New(devicePath string, sizeSectors, sectorSize uint64) *Disk {
	return &Disk{
		DevicePath:      devicePath,
		SizeSectors:     sizeSectors,
		SectorSizeBytes: sectorSize,
	}
}

// ProbeGeometry reads BLKSSZGET/BLKGETSIZE64 from an open block device fd,
// the way the teacher's probing code derives geometry from the kernel
// instead of trusting a cached value.
func ProbeGeometry(fd int) (sectorSize uint64, totalSectors uint64, err error) {
	ssz, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return 0, 0, distinsterrs.Wrap(distinsterrs.IoFailure, err, "BLKSSZGET")
	}
	sizeBytes, err := unix.IoctlGetUint64(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, 0, distinsterrs.Wrap(distinsterrs.IoFailure, err, "BLKGETSIZE64")
	}
	return uint64(ssz), sizeBytes / uint64(ssz), nil
}

// find returns the partition numbered num, or nil.
func (d *Disk) find(num int) *partition.Partition {
	for _, p := range d.Partitions {
		if p.Number == num {
			return p
		}
	}
	return nil
}

// Mklabel clears the partition list, flags the disk for relabel, and sets
// the new table kind. Invariant 9: all prior source partitions on this
// disk are discarded.
func (d *Disk) Mklabel(table Table) {
	d.Table = table
	d.Relabel = true
	d.Partitions = nil
}

func (d *Disk) primaryCount() int {
	n := 0
	for _, p := range d.Partitions {
		if p.Bits.Has(partition.BitRemove) {
			continue
		}
		if p.PartType == partition.Primary {
			n++
		}
	}
	return n
}

func (d *Disk) hasExtended() *partition.Partition {
	for _, p := range d.Partitions {
		if p.Bits.Has(partition.BitRemove) {
			continue
		}
		if p.PartType == partition.Extended {
			return p
		}
	}
	return nil
}

// checkOverlap enforces invariant 2, excluding REMOVE-flagged partitions
// and the partition named by exclude (nil excludes none). A Logical
// partition nested inside an Extended is not considered an overlap.
func (d *Disk) checkOverlap(start, end uint64, exclude *partition.Partition) error {
	for _, p := range d.Partitions {
		if p == exclude || p.Bits.Has(partition.BitRemove) {
			continue
		}
		if p.PartType == partition.Extended {
			continue
		}
		if start < p.EndSector && p.StartSector < end {
			return distinsterrs.New(distinsterrs.InvariantViolation,
				"partition [%d,%d) overlaps existing partition %d [%d,%d)", start, end, p.Number, p.StartSector, p.EndSector)
		}
	}
	return nil
}

// checkInvariants re-validates invariants 1-3 and 10 are preserved. 10 is
// checked by ShrinkTo itself; this covers 1-3.
func (d *Disk) checkInvariants() error {
	for _, p := range d.Partitions {
		if p.Bits.Has(partition.BitRemove) {
			continue
		}
		if p.StartSector >= p.EndSector {
			return distinsterrs.New(distinsterrs.InvariantViolation, "partition %d has start >= end", p.Number)
		}
		if p.EndSector > d.SizeSectors {
			return distinsterrs.New(distinsterrs.InvariantViolation, "partition %d end %d exceeds disk length %d", p.Number, p.EndSector, d.SizeSectors)
		}
	}
	if d.Table == TableMsdos {
		primaries := d.primaryCount()
		extended := 0
		if d.hasExtended() != nil {
			extended = 1
		}
		if primaries+extended > 4 {
			return distinsterrs.New(distinsterrs.InvariantViolation, "msdos table exceeds 4 primary/extended partitions")
		}
	}
	return nil
}

// logicalOffset is the gap a synthesized Extended needs between
// a freshly downgraded Logical partition's true start and its usable
// start, per spec.md §4.4: 1_024_000 bytes plus one sector.
func (d *Disk) logicalOffset() uint64 {
	return 1_024_000/d.SectorSizeBytes + 1
}

// nextBoundaryAfter returns the start sector of the first non-removed
// partition strictly after `after`, or the disk's usable end.
func (d *Disk) nextBoundaryAfter(after uint64) uint64 {
	best := d.SizeSectors
	for _, p := range d.Partitions {
		if p.Bits.Has(partition.BitRemove) {
			continue
		}
		if p.StartSector >= after && p.StartSector < best {
			best = p.StartSector
		}
	}
	return best
}

// AddPartition appends p to the disk, applying the MBR primary-limit
// downgrade and Extended-synthesis rules of spec.md §4.4, then re-checks
// invariants 1-3.
func (d *Disk) AddPartition(p *partition.Partition) error {
	if p.StartSector >= p.EndSector || p.EndSector > d.SizeSectors {
		return distinsterrs.New(distinsterrs.InvariantViolation, "partition [%d,%d) out of disk bounds", p.StartSector, p.EndSector)
	}

	if d.Table == TableMsdos && p.PartType == partition.Primary {
		primaries := d.primaryCount()
		ext := d.hasExtended()
		switch {
		case primaries >= 4:
			return distinsterrs.New(distinsterrs.InvariantViolation, "msdos table already has 4 primary partitions")
		case ext != nil:
			return distinsterrs.New(distinsterrs.InvariantViolation, "msdos table already has an extended partition; add as logical instead")
		case primaries == 3:
			// The 4th primary request is downgraded to Logical, reserving
			// the disk's last usable slot for the Extended container it
			// needs (spec.md §4.4).
			p.PartType = partition.Logical
		}
	}

	if d.Table == TableMsdos && p.PartType == partition.Logical {
		if ext := d.hasExtended(); ext == nil {
			extEnd := d.nextBoundaryAfter(p.StartSector)
			extended := partition.New(p.StartSector, extEnd, partition.Extended, filesystem.Lvm)
			extended.Number = -1
			d.Partitions = append(d.Partitions, extended)
		}
		p.StartSector += d.logicalOffset()
		if p.StartSector >= p.EndSector {
			return distinsterrs.New(distinsterrs.InvariantViolation, "logical partition too small after extended offset")
		}
	}

	if err := d.checkOverlap(p.StartSector, p.EndSector, nil); err != nil {
		return err
	}

	d.Partitions = append(d.Partitions, p)
	sort.Slice(d.Partitions, func(i, j int) bool {
		return d.Partitions[i].StartSector < d.Partitions[j].StartSector
	})

	return d.checkInvariants()
}

// PartitionDevicePath renders the child device path for partition number
// num on this disk, per spec.md §6: `/dev/sdX<n>` for SCSI-style names,
// `/dev/nvmeXnYp<n>` for names already ending in a digit.
func (d *Disk) PartitionDevicePath(num int) string {
	if d.DevicePath == "" {
		return ""
	}
	last := rune(d.DevicePath[len(d.DevicePath)-1])
	if unicode.IsDigit(last) {
		return fmt.Sprintf("%sp%d", d.DevicePath, num)
	}
	return fmt.Sprintf("%s%d", d.DevicePath, num)
}

// FindByStart returns the partition starting at sector start, or nil.
// The executor uses this to resolve a diskops.DiskOps.Remove/Change entry
// (addressed by start sector) back to a live partition.
func (d *Disk) FindByStart(start uint64) *partition.Partition {
	for _, p := range d.Partitions {
		if p.StartSector == start {
			return p
		}
	}
	return nil
}

// FindByNumber returns the partition numbered num, or nil. Exported
// counterpart of find, for the executor to resolve a diskops.PartitionChange.
func (d *Disk) FindByNumber(num int) *partition.Partition { return d.find(num) }

// NextPartitionNumber returns the smallest unused positive partition
// number, the way the executor assigns a number to a partition it has
// just created (real partitioning tools assign this themselves; the
// in-memory model must track the same choice to stay consistent).
func (d *Disk) NextPartitionNumber() int {
	max := 0
	for _, p := range d.Partitions {
		if p.Number > max {
			max = p.Number
		}
	}
	return max + 1
}

// DeletePartitionHard removes the numbered partition from the live model
// unconditionally, ignoring the SOURCE bit. Used by the executor after
// the delete tool invocation actually commits, where RemovePartition's
// SOURCE-preserving semantics (target-side bookkeeping) do not apply.
func (d *Disk) DeletePartitionHard(num int) {
	for i, p := range d.Partitions {
		if p.Number == num {
			d.Partitions = append(d.Partitions[:i], d.Partitions[i+1:]...)
			return
		}
	}
}

// RemovePartition marks the numbered partition REMOVE, or deletes it
// outright if it is not SOURCE (a proposed, never-committed partition),
// per spec.md §3's lifecycle rule.
func (d *Disk) RemovePartition(num int) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	if p.Bits.Has(partition.BitSource) {
		p.Bits.Set(partition.BitRemove)
		return nil
	}
	for i, cur := range d.Partitions {
		if cur == p {
			d.Partitions = append(d.Partitions[:i], d.Partitions[i+1:]...)
			break
		}
	}
	return nil
}

// MovePartition relocates the numbered partition to a new start sector,
// preserving its length, then re-checks overlap.
func (d *Disk) MovePartition(num int, newStart uint64) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	length := p.Sectors()
	newEnd := newStart + length
	if newEnd > d.SizeSectors {
		return distinsterrs.New(distinsterrs.InvariantViolation, "move would place partition %d past disk end", num)
	}
	if err := d.checkOverlap(newStart, newEnd, p); err != nil {
		return err
	}
	p.StartSector = newStart
	p.EndSector = newEnd
	return nil
}

// ResizePartition changes the numbered partition's end sector.
func (d *Disk) ResizePartition(num int, newEnd uint64) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	if newEnd <= p.StartSector || newEnd > d.SizeSectors {
		return distinsterrs.New(distinsterrs.InvariantViolation, "invalid new end %d for partition %d", newEnd, num)
	}
	if err := d.checkOverlap(p.StartSector, newEnd, p); err != nil {
		return err
	}
	p.EndSector = newEnd
	return nil
}

// FormatPartition sets the numbered partition's filesystem and FORMAT bit.
func (d *Disk) FormatPartition(num int, fs filesystem.FS) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	p.FormatWith(fs)
	return nil
}

// AddFlags adds every flag in flags to the numbered partition.
func (d *Disk) AddFlags(num int, flags ...partition.Flag) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	for _, f := range flags {
		p.Flags.Add(f)
	}
	return nil
}

// SetName sets the numbered partition's GPT label.
func (d *Disk) SetName(num int, name string) error {
	p := d.find(num)
	if p == nil {
		return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", num)
	}
	p.Name = &name
	return nil
}
