package executor_test

import (
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/diskops"
	"github.com/pop-os/distinst-go/executor"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/journal"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
	"github.com/pop-os/distinst-go/runner/runnertest"
)

func Test(t *testing.T) { TestingT(t) }

type executorSuite struct{}

var _ = Suite(&executorSuite{})

func (s *executorSuite) TestCommitCreatesAndFormatsNewPartition(c *C) {
	parted := runnertest.MockCommand(c, "parted", "")
	defer parted.Restore()
	blockdev := runnertest.MockCommand(c, "blockdev", "")
	defer blockdev.Restore()
	sgdisk := runnertest.MockCommand(c, "sgdisk", "")
	defer sgdisk.Restore()
	mkfs := runnertest.MockCommand(c, "mkfs.ext4", "")
	defer mkfs.Restore()

	d := disk.New("/dev/sda", 1_000_000, 512)
	d.Table = disk.TableGpt

	ops := &diskops.DiskOps{
		DevicePath: "/dev/sda",
		Create: []diskops.PartitionCreate{
			{Start: 2048, End: 500_000, Filesystem: filesystem.Ext4, Kind: partition.Primary, Format: true},
		},
	}

	j, err := journal.Open(filepath.Join(c.MkDir(), "journal.db"))
	c.Assert(err, IsNil)
	defer j.Close()

	e := executor.New(runner.NewUnlimited(), nil, j)
	c.Assert(e.Commit(d, ops), IsNil)

	c.Assert(len(d.Partitions), Equals, 1)
	c.Check(d.Partitions[0].Number, Equals, 1)
	c.Check(d.Partitions[0].StartSector, Equals, uint64(2048))
	c.Check(d.Partitions[0].Identifiers.PartUUID, Not(Equals), "")

	c.Assert(len(sgdisk.Calls()), Equals, 2)
	c.Check(sgdisk.Calls()[0], DeepEquals, []string{"sgdisk", "--typecode=1:" + d.Partitions[0].GUIDForFlags().String(), "/dev/sda"})

	c.Assert(len(mkfs.Calls()), Equals, 1)
	c.Check(mkfs.Calls()[0], DeepEquals, []string{"mkfs.ext4", "/dev/sda1"})

	entries, err := j.Entries()
	c.Assert(err, IsNil)
	c.Check(len(entries) > 0, Equals, true)
}

func (s *executorSuite) TestCommitRemovesPartitionByStartSector(c *C) {
	parted := runnertest.MockCommand(c, "parted", "")
	defer parted.Restore()
	blockdev := runnertest.MockCommand(c, "blockdev", "")
	defer blockdev.Restore()

	d := disk.New("/dev/sda", 1_000_000, 512)
	d.Table = disk.TableGpt
	existing := partition.New(2048, 500_000, partition.Primary, filesystem.Ext4)
	existing.Number = 1
	existing.Bits.Set(partition.BitSource)
	d.Partitions = append(d.Partitions, existing)

	ops := &diskops.DiskOps{
		DevicePath: "/dev/sda",
		Remove:     []uint64{2048},
	}

	e := executor.New(runner.NewUnlimited(), nil, nil)
	c.Assert(e.Commit(d, ops), IsNil)
	c.Check(len(d.Partitions), Equals, 0)
	c.Assert(len(parted.Calls()), Equals, 1)
	c.Check(parted.Calls()[0], DeepEquals, []string{"parted", "--script", "/dev/sda", "rm", "1"})
}

func (s *executorSuite) TestCommitAppliesFlagAndLabelInPlace(c *C) {
	blockdev := runnertest.MockCommand(c, "blockdev", "")
	defer blockdev.Restore()

	d := disk.New("/dev/sda", 1_000_000, 512)
	d.Table = disk.TableGpt
	existing := partition.New(2048, 500_000, partition.Primary, filesystem.Fat32)
	existing.Number = 1
	existing.Bits.Set(partition.BitSource)
	d.Partitions = append(d.Partitions, existing)

	label := "ESP"
	ops := &diskops.DiskOps{
		DevicePath: "/dev/sda",
		Change: []diskops.PartitionChange{
			{
				Num: 1, Start: 2048, End: 500_000, Filesystem: filesystem.Fat32,
				FlagDiffToSet: partition.NewFlagSet(partition.Esp),
				NewFlagSet:    partition.NewFlagSet(partition.Esp),
				Label:         &label,
			},
		},
	}

	e := executor.New(runner.NewUnlimited(), nil, nil)
	c.Assert(e.Commit(d, ops), IsNil)
	c.Check(d.Partitions[0].Flags.Has(partition.Esp), Equals, true)
	c.Assert(d.Partitions[0].Name, NotNil)
	c.Check(*d.Partitions[0].Name, Equals, "ESP")
}
