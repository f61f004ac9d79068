package mount_test

import (
	"bytes"
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/disks"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/mount"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
)

func Test(t *testing.T) { TestingT(t) }

type mountSuite struct{}

var _ = Suite(&mountSuite{})

// scenario 1 of spec.md §8: a clean EFI disk with an ESP, a recovery
// partition, a btrfs root carrying @root/@home subvolumes, and a swap
// partition with no mount target.
func newScenario1Disk() *disk.Disk {
	d := disk.New("/dev/sda", 976_773_168, 512)
	d.Table = disk.TableGpt

	esp := partition.New(2048, 1_050_623, partition.Primary, filesystem.Fat32)
	esp.Number = 1
	esp.Flags.Add(partition.Esp)
	espTarget := "/boot/efi"
	esp.Target = &espTarget
	esp.Identifiers.UUID = "ESP-UUID"

	recovery := partition.New(1_050_624, 2_099_199, partition.Primary, filesystem.Fat32)
	recovery.Number = 2
	recoveryTarget := "/recovery"
	recovery.Target = &recoveryTarget
	recovery.Identifiers.UUID = "RECOVERY-UUID"

	root := partition.New(2_099_200, 976_740_863, partition.Primary, filesystem.Btrfs)
	root.Number = 3
	root.Identifiers.UUID = "ROOT-UUID"
	root.Subvolumes = map[string]string{"@root": "/", "@home": "/home"}

	swap := partition.New(976_740_864, 976_771_071, partition.Primary, filesystem.Swap)
	swap.Number = 4
	swap.Identifiers.UUID = "SWAP-UUID"

	d.Partitions = []*partition.Partition{esp, recovery, root, swap}
	return d
}

func (s *mountSuite) TestBuildPlanScenario1(c *C) {
	d := newScenario1Disk()
	agg := disks.New(runner.NewUnlimited())
	agg.Physical = append(agg.Physical, d)

	plan := mount.BuildPlan(agg, "/target", nil)

	// esp, recovery, @home, @root/"/" -> 4 directory-mount entries; swap
	// carries no target and is excluded from the plan itself.
	c.Assert(len(plan), Equals, 4)

	targets := make([]string, len(plan))
	for i, e := range plan {
		targets[i] = e.Target
		c.Check(e.Kind, Equals, mount.Direct)
	}
	// sorted lexicographically by joined target path: parents before children.
	c.Check(targets, DeepEquals, []string{
		"/target", "/target/boot/efi", "/target/home", "/target/recovery",
	})

	for _, e := range plan {
		switch e.Target {
		case "/target":
			c.Check(e.IsRoot, Equals, true)
			c.Check(e.Data, Equals, "subvol=@root")
			c.Check(e.Device, Equals, "/dev/sda3")
		case "/target/home":
			c.Check(e.Data, Equals, "subvol=@home")
			c.Check(e.Device, Equals, "/dev/sda3")
		case "/target/boot/efi":
			c.Check(e.Device, Equals, "/dev/sda1")
			c.Check(e.Filesystem, Equals, filesystem.Fat32)
		case "/target/recovery":
			c.Check(e.Device, Equals, "/dev/sda2")
		}
	}
}

func (s *mountSuite) TestBuildPlanBindsAlreadyMountedPartition(c *C) {
	d := disk.New("/dev/sda", 1_000_000, 512)
	d.Table = disk.TableGpt
	home := partition.New(500_000, 900_000, partition.Primary, filesystem.Ext4)
	home.Number = 3
	target := "/home"
	home.Target = &target
	d.Partitions = []*partition.Partition{home}

	agg := disks.New(runner.NewUnlimited())
	agg.Physical = append(agg.Physical, d)

	hostMounts := map[string]string{"/dev/sda3": "/media/live/home"}
	plan := mount.BuildPlan(agg, "/target", hostMounts)

	c.Assert(len(plan), Equals, 1)
	c.Check(plan[0].Kind, Equals, mount.Bind)
	c.Check(plan[0].Source, Equals, "/media/live/home")
}

func (s *mountSuite) TestBuildFstabRowsIncludesSwapOutsidePlan(c *C) {
	d := newScenario1Disk()
	agg := disks.New(runner.NewUnlimited())
	agg.Physical = append(agg.Physical, d)

	plan := mount.BuildPlan(agg, "/target", nil)
	rows := mount.BuildFstabRows(plan, agg)

	c.Assert(len(rows), Equals, 5) // 4 directory mounts + 1 swap row

	var sawSwap, sawRoot bool
	for _, r := range rows {
		if r.FS == "swap" {
			sawSwap = true
			c.Check(r.Mount, Equals, "none")
			c.Check(r.UUID, Equals, "SWAP-UUID")
			c.Check(r.Pass, Equals, 0)
		}
		if r.Mount == "/target" {
			sawRoot = true
			c.Check(r.Pass, Equals, 1)
		}
	}
	c.Check(sawSwap, Equals, true)
	c.Check(sawRoot, Equals, true)
}

func (s *mountSuite) TestGenerateFstabExactHeaderAndEntryShape(c *C) {
	rows := []mount.FstabRow{
		{UUID: "ESP-UUID", Mount: "/target/boot/efi", FS: "vfat", Options: "defaults,umask=0077", Dump: 0, Pass: 0},
		{UUID: "SWAP-UUID", Mount: "none", FS: "swap", Options: "sw", Dump: 0, Pass: 0},
	}
	out := mount.GenerateFstab(rows)

	const header = "# /etc/fstab: static file system information.\n" +
		"#\n" +
		"# <file system>  <mount point>  <type>  <options>  <dump>  <pass>\n"
	c.Assert(bytes.HasPrefix(out, []byte(header)), Equals, true)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	c.Assert(len(lines), Equals, 5) // 3 header lines + vfat entry + swap entry

	c.Check(lines[3], Equals, "UUID=ESP-UUID  /target/boot/efi  vfat  defaults,umask=0077  0  0")
	swapLine := lines[len(lines)-1]
	c.Check(swapLine, Equals, "UUID=SWAP-UUID  none  swap  sw  0  0")
}

func (s *mountSuite) TestGenerateCrypttab(c *C) {
	rows := []mount.CrypttabRow{
		{PV: "cryptdata", UUID: "SDB2-UUID", PasswordSpec: "none"},
	}
	out := mount.GenerateCrypttab(rows)
	c.Check(string(out), Equals, "cryptdata UUID=SDB2-UUID none luks\n")
}

func (s *mountSuite) TestPasswordSpecSwapUsesRandomKey(c *C) {
	enc := &partition.Encryption{PhysicalVolume: "cryptswap", InnerFS: filesystem.Swap}
	c.Check(mount.PasswordSpec(enc, nil), Equals, "/dev/urandom")
}

func (s *mountSuite) TestPasswordSpecKeyfileResolves(c *C) {
	id := 5
	enc := &partition.Encryption{PhysicalVolume: "cryptroot", KeyFileID: &id}
	resolve := func(num int) string {
		c.Check(num, Equals, 5)
		return "/boot/efi/keyfile"
	}
	c.Check(mount.PasswordSpec(enc, resolve), Equals, "/boot/efi/keyfile")
}

func (s *mountSuite) TestPasswordSpecDefaultAsksInteractively(c *C) {
	enc := &partition.Encryption{PhysicalVolume: "cryptdata", InnerFS: filesystem.Lvm}
	c.Check(mount.PasswordSpec(enc, nil), Equals, "none")
}

func (s *mountSuite) TestGenerateRecoveryConf(c *C) {
	rc := mount.RecoveryConf{
		Hostname:     "pop-os",
		Locale:       "en_US.UTF-8",
		Keyboard:     map[string]string{"MODEL": "pc105", "LAYOUT": "us"},
		EFIUUID:      "efi-partuuid",
		RecoveryUUID: "recovery-partuuid",
		RootUUID:     "root-uuid",
		LuksUUID:     "",
		OEMMode:      false,
	}
	out := mount.GenerateRecoveryConf(rc)
	c.Check(string(out), Equals, ""+
		"HOSTNAME=pop-os\n"+
		"LANG=en_US.UTF-8\n"+
		"KBD_LAYOUT=us\n"+
		"KBD_MODEL=pc105\n"+
		"EFI_UUID=PARTUUID=efi-partuuid\n"+
		"RECOVERY_UUID=PARTUUID=recovery-partuuid\n"+
		"ROOT_UUID=root-uuid\n"+
		"LUKS_UUID=\n"+
		"OEM_MODE=0\n")
}

func (s *mountSuite) TestReadProcMountsFirstOccurrenceWins(c *C) {
	data := "/dev/sda3 /media/live/home ext4 rw 0 0\n" +
		"/dev/sda3 /mnt/duplicate ext4 rw 0 0\n" +
		"tmpfs /tmp tmpfs rw 0 0\n"
	got, err := mount.ReadProcMounts(bytes.NewReader([]byte(data)))
	c.Assert(err, IsNil)
	c.Check(got["/dev/sda3"], Equals, "/media/live/home")
	c.Check(got["tmpfs"], Equals, "/tmp")
}
