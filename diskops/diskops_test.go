package diskops_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/diskops"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/partition"
)

func Test(t *testing.T) { TestingT(t) }

type diskopsSuite struct{}

var _ = Suite(&diskopsSuite{})

func sourcePart(num int, start, end uint64, fs filesystem.FS) *partition.Partition {
	p := partition.New(start, end, partition.Primary, fs)
	p.Number = num
	p.Bits.Set(partition.BitSource)
	p.Bits.Clear(partition.BitFormat)
	return p
}

// scenario 1: clean EFI erase-and-install emits a relabel with 4 creates.
func (s *diskopsSuite) TestPlanRelabelEmitsAllTargetPartitionsAsCreates(c *C) {
	source := disk.New("/dev/sda", 976_773_168, 512)
	source.Table = disk.TableMsdos

	target := disk.New("/dev/sda", 976_773_168, 512)
	target.Table = disk.TableGpt
	target.Relabel = true

	esp := partition.New(2048, 1_050_623, partition.Primary, filesystem.Fat32)
	espTarget := "/boot/efi"
	esp.Target = &espTarget
	esp.Flags.Add(partition.Esp)

	recovery := partition.New(1_050_624, 2_099_199, partition.Primary, filesystem.Fat32)
	recTarget := "/recovery"
	recovery.Target = &recTarget

	root := partition.New(2_099_200, 976_740_863, partition.Primary, filesystem.Btrfs)
	rootTarget := "/"
	root.Target = &rootTarget
	root.Subvolumes = map[string]string{"@root": "/", "@home": "/home"}

	swap := partition.New(976_740_864, 976_771_071, partition.Primary, filesystem.Swap)

	target.Partitions = []*partition.Partition{esp, recovery, root, swap}

	ops, err := diskops.Plan(source, target)
	c.Assert(err, IsNil)
	c.Assert(ops.Relabel, NotNil)
	c.Check(*ops.Relabel, Equals, disk.TableGpt)
	c.Check(len(ops.Remove), Equals, 0)
	c.Check(len(ops.Change), Equals, 0)
	c.Assert(len(ops.Create), Equals, 4)
	for _, cr := range ops.Create {
		c.Check(cr.Format, Equals, true)
	}
	c.Check(ops.Create[0].Start, Equals, uint64(2048))
	c.Check(ops.Create[3].Start, Equals, uint64(976_740_864))
}

// scenario 2: shrink then install alongside.
func (s *diskopsSuite) TestPlanShrinkThenCreateAlongside(c *C) {
	source := disk.New("/dev/sda", 500_000_001, 512)
	source.Table = disk.TableGpt
	srcP2 := sourcePart(2, 1_050_624, 500_000_000, filesystem.Ntfs)
	source.Partitions = []*partition.Partition{srcP2}

	target := disk.New("/dev/sda", 500_000_001, 512)
	target.Table = disk.TableGpt
	tgtP2 := sourcePart(2, 1_050_624, 300_000_000, filesystem.Ntfs)

	newRoot := partition.New(300_000_001, 499_999_999, partition.Primary, filesystem.Btrfs)
	rootTarget := "/"
	newRoot.Target = &rootTarget

	target.Partitions = []*partition.Partition{tgtP2, newRoot}

	ops, err := diskops.Plan(source, target)
	c.Assert(err, IsNil)
	c.Check(len(ops.Remove), Equals, 0)
	c.Assert(len(ops.Change), Equals, 1)
	c.Check(ops.Change[0].Num, Equals, 2)
	c.Check(ops.Change[0].End, Equals, uint64(300_000_000))
	c.Assert(len(ops.Create), Equals, 1)
	c.Check(ops.Create[0].Start, Equals, uint64(300_000_001))
	c.Check(ops.Create[0].Filesystem, Equals, filesystem.Btrfs)
	c.Check(ops.Create[0].Format, Equals, true)
}

// scenario 4: refresh install retaining /home.
func (s *diskopsSuite) TestPlanRefreshInstallRetainsHome(c *C) {
	source := disk.New("/dev/sda", 1_000_000_000, 512)
	source.Table = disk.TableGpt
	p1 := sourcePart(1, 2048, 1_050_623, filesystem.Fat32)
	p2 := sourcePart(2, 1_050_624, 500_000_000, filesystem.Ext4)
	p3 := sourcePart(3, 500_000_001, 900_000_000, filesystem.Ext4)
	source.Partitions = []*partition.Partition{p1, p2, p3}

	target := disk.New("/dev/sda", 1_000_000_000, 512)
	target.Table = disk.TableGpt

	t1 := sourcePart(1, 2048, 1_050_623, filesystem.Fat32)
	espTarget := "/boot/efi"
	t1.Target = &espTarget

	t2 := sourcePart(2, 1_050_624, 500_000_000, filesystem.Ext4)
	t2.Bits.Set(partition.BitFormat)
	rootTarget := "/"
	t2.Target = &rootTarget

	t3 := sourcePart(3, 500_000_001, 900_000_000, filesystem.Ext4)
	homeTarget := "/home"
	t3.Target = &homeTarget

	target.Partitions = []*partition.Partition{t1, t2, t3}

	ops, err := diskops.Plan(source, target)
	c.Assert(err, IsNil)
	c.Assert(ops.Remove, DeepEquals, []uint64{1_050_624})
	c.Assert(len(ops.Create), Equals, 1)
	c.Check(ops.Create[0].Start, Equals, uint64(1_050_624))
	c.Check(ops.Create[0].End, Equals, uint64(500_000_000))
	c.Check(ops.Create[0].Filesystem, Equals, filesystem.Ext4)
	c.Check(len(ops.Change), Equals, 0)
}

func (s *diskopsSuite) TestPlanRejectsLayoutChange(c *C) {
	source := disk.New("/dev/sda", 1_000_000, 512)
	p1 := sourcePart(1, 2048, 500_000, filesystem.Ext4)
	source.Partitions = []*partition.Partition{p1}

	target := disk.New("/dev/sda", 1_000_000, 512)
	t1 := sourcePart(2, 2048, 500_000, filesystem.Ext4)
	target.Partitions = []*partition.Partition{t1}

	_, err := diskops.Plan(source, target)
	c.Assert(err, NotNil)
	c.Check(distinsterrs.Is(err, distinsterrs.InvariantViolation), Equals, true)
}

func (s *diskopsSuite) TestPlanEmitsRemoveForTargetMarkedRemove(c *C) {
	source := disk.New("/dev/sda", 1_000_000, 512)
	p1 := sourcePart(1, 2048, 500_000, filesystem.Ext4)
	source.Partitions = []*partition.Partition{p1}

	target := disk.New("/dev/sda", 1_000_000, 512)
	t1 := sourcePart(1, 2048, 500_000, filesystem.Ext4)
	t1.Bits.Set(partition.BitRemove)
	target.Partitions = []*partition.Partition{t1}

	ops, err := diskops.Plan(source, target)
	c.Assert(err, IsNil)
	c.Check(ops.Remove, DeepEquals, []uint64{2048})
	c.Check(len(ops.Create), Equals, 0)
}
