package partition_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/partition"
)

func Test(t *testing.T) { TestingT(t) }

type partitionSuite struct{}

var _ = Suite(&partitionSuite{})

func newSourcePartition(num int, start, end uint64, fs filesystem.FS) *partition.Partition {
	p := partition.New(start, end, partition.Primary, fs)
	p.Number = num
	p.Bits.Set(partition.BitSource)
	p.Bits.Clear(partition.BitFormat)
	return p
}

func (s *partitionSuite) TestSetMountClearsKeyID(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	id := 3
	p.AssociateKeyfile(id)
	c.Assert(p.KeyID, NotNil)

	p.SetMount("/home")
	c.Check(p.KeyID, IsNil)
	c.Assert(p.Target, NotNil)
	c.Check(*p.Target, Equals, "/home")
}

func (s *partitionSuite) TestAssociateKeyfileClearsTarget(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	p.SetMount("/")
	p.AssociateKeyfile(1)
	c.Check(p.Target, IsNil)
	c.Assert(p.KeyID, NotNil)
	c.Check(*p.KeyID, Equals, 1)
}

func (s *partitionSuite) TestFormatWithClearsName(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	name := "root"
	p.Name = &name

	p.FormatWith(filesystem.Btrfs)
	c.Check(p.Name, IsNil)
	c.Check(p.Filesystem, Equals, filesystem.Btrfs)
	c.Check(p.Bits.Has(partition.BitFormat), Equals, true)
}

func (s *partitionSuite) TestFormatAndKeepNamePreservesName(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	name := "root"
	p.Name = &name

	p.FormatAndKeepName(filesystem.Btrfs)
	c.Assert(p.Name, NotNil)
	c.Check(*p.Name, Equals, "root")
}

func (s *partitionSuite) TestShrinkToAlignsDownTo2048(c *C) {
	p := partition.New(2048, 2048+1_000_000, partition.Primary, filesystem.Ext4)
	got, err := p.ShrinkTo(500_500)
	c.Assert(err, IsNil)
	c.Check(got, Equals, uint64(500_500/2048*2048))
	c.Check(p.EndSector, Equals, p.StartSector+got)
}

func (s *partitionSuite) TestShrinkToRejectsLargerThanCurrent(c *C) {
	p := partition.New(2048, 2048+4096, partition.Primary, filesystem.Ext4)
	_, err := p.ShrinkTo(1_000_000)
	c.Assert(err, NotNil)
	c.Check(distinsterrs.Is(err, distinsterrs.InvalidInput), Equals, true)
}

func (s *partitionSuite) TestShrinkToRejectsBelowFilesystemMinimum(c *C) {
	p := partition.New(2048, 2048+40_000_000, partition.Primary, filesystem.Ext4)
	_, err := p.ShrinkTo(4096)
	c.Assert(err, NotNil)
	c.Check(distinsterrs.Is(err, distinsterrs.InvariantViolation), Equals, true)
}

func (s *partitionSuite) TestRequiresChangesDetectsFormat(c *C) {
	source := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	target := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	c.Check(source.RequiresChanges(target), Equals, true)
}

func (s *partitionSuite) TestRequiresChangesFalseWhenIdentical(c *C) {
	source := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	target := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	c.Check(source.RequiresChanges(target), Equals, false)
}

func (s *partitionSuite) TestRequiresChangesDetectsFlagDiff(c *C) {
	source := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	target := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	target.Flags.Add(partition.Boot)
	c.Check(source.RequiresChanges(target), Equals, true)
}

func (s *partitionSuite) TestIsSamePartitionAsRequiresSourceBitAndNumber(c *C) {
	a := newSourcePartition(1, 2048, 4096, filesystem.Ext4)
	b := newSourcePartition(1, 9999, 19999, filesystem.Ext4)
	c.Check(a.IsSamePartitionAs(b), Equals, true)

	notSource := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	c.Check(a.IsSamePartitionAs(notSource), Equals, false)
}

func (s *partitionSuite) TestFlagSetDiff(c *C) {
	target := partition.NewFlagSet(partition.Boot, partition.Esp)
	source := partition.NewFlagSet(partition.Boot)
	diff := target.Diff(source)
	c.Check(len(diff), Equals, 1)
	c.Check(diff.Has(partition.Esp), Equals, true)
}

func (s *partitionSuite) TestParseFlagRoundTrip(c *C) {
	for f, name := range map[partition.Flag]string{
		partition.Esp: "esp", partition.BiosGrub: "bios_grub", partition.Lvm: "lvm",
	} {
		got, err := partition.ParseFlag(name)
		c.Assert(err, IsNil)
		c.Check(got, Equals, f)
	}
	_, err := partition.ParseFlag("not-a-flag")
	c.Assert(err, NotNil)
}

func (s *partitionSuite) TestGUIDForFlagsDistinguishesEspAndBiosGrub(c *C) {
	esp := partition.New(2048, 4096, partition.Primary, filesystem.Fat32)
	esp.Flags.Add(partition.Esp)

	grub := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	grub.Flags.Add(partition.BiosGrub)

	c.Check(esp.GUIDForFlags(), Not(Equals), grub.GUIDForFlags())
}

func (s *partitionSuite) TestSetEncryptionRejectsEmptyPassword(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	empty := ""
	err := p.SetEncryption(&partition.Encryption{PhysicalVolume: "cryptroot", Password: &empty})
	c.Assert(err, NotNil)
	c.Check(distinsterrs.Is(err, distinsterrs.InvalidInput), Equals, true)
	c.Check(p.Encryption, IsNil)
}

func (s *partitionSuite) TestSetEncryptionRejectsNoSecret(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	err := p.SetEncryption(&partition.Encryption{PhysicalVolume: "cryptroot"})
	c.Assert(err, NotNil)
	c.Check(p.Encryption, IsNil)
}

func (s *partitionSuite) TestSetEncryptionAcceptsNonEmptyPassword(c *C) {
	p := partition.New(2048, 4096, partition.Primary, filesystem.Ext4)
	pass := "hunter2"
	c.Assert(p.SetEncryption(&partition.Encryption{PhysicalVolume: "cryptroot", Password: &pass}), IsNil)
	c.Assert(p.Encryption, NotNil)
	c.Check(*p.Encryption.Password, Equals, "hunter2")
}
