package filesystem

import (
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type usageSuite struct{}

var _ = Suite(&usageSuite{})

const extFixture = `dumpe2fs 1.43.9 (8-Feb-2018)
Filesystem volume name:   <none>
Last mounted on:          <not available>
Filesystem UUID:          5d9baf52-67c5-4ed2-ba13-ef20b2dfc0a7
Inode count:              1310720
Block count:              5242880
Reserved block count:     262144
Free blocks:              5116591
Free inodes:              1310709
First block:              0
Block size:               4096
`

func (s *usageSuite) TestParseExtUsage(c *C) {
	got, err := parseExtUsage([]byte(extFixture))
	c.Assert(err, IsNil)
	c.Check(got, Equals, uint64(1010312))
}

const fatFixture = `fsck.fat 4.1 (2017-01-24)
Checking we can access the last sector of the filesystem
Boot sector contents:
System ID "mkfs.fat"
Media byte 0xf8 (hard disk)
       512 bytes per logical sector
      4096 bytes per cluster
        32 reserved sectors
First FAT starts at byte 16384 (sector 32)
         2 FATs, 32 bit entries
   1048576 bytes per FAT (= 2048 sectors)
Root directory start at cluster 2 (arbitrary size)
Data area starts at byte 2113536 (sector 4128)
    261628 data clusters (1071628288 bytes)
63 sectors/track, 255 heads
      2048 hidden sectors
   2097152 sectors total
Checking for unused clusters.
Checking free cluster summary.
/dev/sdb1: 0 files, 1/261628 clusters`

func (s *usageSuite) TestParseFatUsage(c *C) {
	got, err := parseFatUsage([]byte(fatFixture))
	c.Assert(err, IsNil)
	c.Check(got, Equals, uint64(8))
}

const ntfsFixture = `ntfsresize v2017.3.23 (libntfs-3g)
Device name        : /dev/sdb4
NTFS volume version: 3.1
Cluster size       : 4096 bytes
Current volume size: 21474832896 bytes (21475 MB)
Current device size: 21474836480 bytes (21475 MB)
Checking filesystem consistency ...
Accounting clusters ...
Space in use       : 69 MB (0.3%)
Collecting resizing constraints ...
You might resize at 68227072 bytes or 69 MB (freeing 21406 MB).
Please make a test run using both the -n and -s options before real resizing!`

func (s *usageSuite) TestParseNtfsUsage(c *C) {
	got, err := parseNtfsUsage([]byte(ntfsFixture))
	c.Assert(err, IsNil)
	c.Check(got, Equals, uint64(68227072+2*1024*1024)/512)
}

const btrfsFixture = `Label: none  uuid: 8a69ba4c-6cf5-46cc-aff3-f0c23251a21b
        Total devices 1 FS bytes used 112.00KiB
        devid    1 size 20.00GiB used 2.02GiB path /dev/sdb2`

func (s *usageSuite) TestParseBtrfsUsage(c *C) {
	got, err := parseBtrfsUsage([]byte(btrfsFixture))
	c.Assert(err, IsNil)
	c.Check(got, Equals, uint64(224))
}

func (s *usageSuite) TestUsageUnsupportedSet(c *C) {
	for _, fs := range []FS{Swap, Lvm, Luks, Xfs, F2fs, Exfat} {
		c.Check(fs.UsageUnsupported(), Equals, true, Commentf("%s should be unsupported", fs))
	}
	for _, fs := range []FS{Ext2, Ext3, Ext4, Fat16, Fat32, Ntfs, Btrfs} {
		c.Check(fs.UsageUnsupported(), Equals, false, Commentf("%s should be supported", fs))
	}
}

func (s *usageSuite) TestParseNameRoundTrip(c *C) {
	for fs, info := range table {
		got, err := ParseName(info.NameOnDisk)
		c.Assert(err, IsNil)
		c.Check(got, Equals, fs)
	}
	_, err := ParseName("not-a-filesystem")
	c.Assert(err, ErrorMatches, `unknown filesystem name "not-a-filesystem"`)
}
