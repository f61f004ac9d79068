package disks_test

import (
	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/disks"
)

func (s *disksSuite) TestLoadParsesDeclarativeLayout(c *C) {
	data := []byte(`
disks:
  - device: /dev/sda
    table: gpt
    size_sectors: 976773168
    sector_size: 512
    partitions:
      - start: 2048
        end: 1050623
        type: primary
        filesystem: fat32
        flags: [esp]
        target: /boot/efi
      - start: 2099200
        end: 976740863
        type: primary
        filesystem: btrfs
        target: "/"
        subvolumes:
          "@root": "/"
          "@home": "/home"
volume_groups:
  - name: cryptdata
    sector_size: 512
    logical_volumes:
      - name: root
        size: 20G
        filesystem: btrfs
        target: "/"
      - name: swap
        size: 2G
        filesystem: swap
`)
	agg, err := disks.Load(data)
	c.Assert(err, IsNil)

	c.Assert(len(agg.Physical), Equals, 1)
	d := agg.Physical[0]
	c.Check(d.DevicePath, Equals, "/dev/sda")
	c.Assert(len(d.Partitions), Equals, 2)
	c.Check(*d.Partitions[0].Target, Equals, "/boot/efi")
	c.Check(d.Partitions[1].Subvolumes["@home"], Equals, "/home")

	c.Assert(len(agg.Logical), Equals, 1)
	vg := agg.Logical[0]
	c.Check(vg.VolumeGroup, Equals, "cryptdata")
	c.Assert(len(vg.Partitions), Equals, 2)
	c.Check(*vg.Partitions[0].Name, Equals, "root")
}

func (s *disksSuite) TestDumpLoadRoundTrip(c *C) {
	data := []byte(`
disks:
  - device: /dev/sda
    table: gpt
    partitions:
      - start: 2048
        end: 1050623
        type: primary
        filesystem: fat32
        target: /boot/efi
`)
	agg, err := disks.Load(data)
	c.Assert(err, IsNil)

	out, err := disks.Dump(agg)
	c.Assert(err, IsNil)

	roundTripped, err := disks.Load(out)
	c.Assert(err, IsNil)
	c.Assert(len(roundTripped.Physical), Equals, 1)
	c.Check(roundTripped.Physical[0].DevicePath, Equals, "/dev/sda")
	c.Check(*roundTripped.Physical[0].Partitions[0].Target, Equals, "/boot/efi")
}

func (s *disksSuite) TestLoadRejectsUnknownFilesystem(c *C) {
	data := []byte(`
disks:
  - device: /dev/sda
    table: gpt
    partitions:
      - start: 2048
        end: 100000
        type: primary
        filesystem: zfs
`)
	_, err := disks.Load(data)
	c.Assert(err, NotNil)
}
