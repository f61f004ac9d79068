// Package disks implements the Disks aggregate root (spec.md §3, §4.6,
// C6): single owner of every physical Disk and logical Device, the
// discovered-physical-volume map, device probing, LUKS decrypt/VG bind,
// device-map teardown, and the cross-device invariant checks that gate
// commit.
package disks

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/retry.v1"

	"github.com/pop-os/distinst-go/dconfig"
	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/logical"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
)

// skipPatterns are the device basename globs probe_devices ignores,
// matched with doublestar so "dm-*"-style brace/star patterns behave the
// same as a shell glob would.
var skipPatterns = []string{"loop*", "sr*", "scd*", "dm-*"}

func skip(name string) bool {
	for _, pat := range skipPatterns {
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// PVInfo is one entry of the discovered-physical-volume map: a device
// path to the VG it belongs to, if any.
type PVInfo struct {
	Device string
	VG     string // empty when the PV belongs to no VG yet
}

// Disks is the aggregate root spec.md §3/§4.6 describes: it owns every
// physical Disk and logical Device in the process, plus the lazily
// populated discovered-PV map that decrypt_partition mutates under a
// coarse lock (spec.md §5's "two Disks aggregates must never exist
// concurrently" invariant is a caller discipline, not enforced here).
type Disks struct {
	Physical []*disk.Disk
	Logical  []*logical.Device

	pvMu      sync.Mutex
	pvMap     map[string]PVInfo
	pvProbed  bool

	Runner *runner.Runner
}

// New builds an empty aggregate driving external tools through r.
func New(r *runner.Runner) *Disks {
	return &Disks{Runner: r, pvMap: map[string]PVInfo{}}
}

// ProbeDevices enumerates /sys/block device nodes, skipping the
// unknown/loop/file/dm and sr*/scd* families, appends a disk.Disk per
// surviving device (geometry read via blockdev), and populates the
// process-wide PV map exactly once (spec.md §4.6, §5).
func (d *Disks) ProbeDevices(sysBlockDir string) error {
	entries, err := os.ReadDir(sysBlockDir)
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "reading %s", sysBlockDir)
	}

	for _, entry := range entries {
		name := entry.Name()
		if skip(name) {
			continue
		}
		devicePath := "/dev/" + name

		sszOut, err := d.Runner.Run("blockdev", "--getss", devicePath)
		if err != nil {
			continue
		}
		szOut, err := d.Runner.Run("blockdev", "--getsz", devicePath)
		if err != nil {
			continue
		}
		sectorSize := parseBlockdevUint(sszOut)
		totalSectors := parseBlockdevUint(szOut)
		if sectorSize == 0 || totalSectors == 0 {
			continue
		}

		d.Physical = append(d.Physical, disk.New(devicePath, totalSectors, sectorSize))
	}

	d.pvMu.Lock()
	defer d.pvMu.Unlock()
	if d.pvProbed {
		return nil
	}
	if err := d.probePVsLocked(); err != nil {
		return err
	}
	d.pvProbed = true
	return nil
}

// parseBlockdevUint parses the single-integer line blockdev --getss/--getsz
// prints, returning 0 on any malformed output rather than erroring the
// whole probe over one unreadable device.
func parseBlockdevUint(out []byte) uint64 {
	var v uint64
	for _, b := range strings.TrimSpace(string(out)) {
		if b < '0' || b > '9' {
			return 0
		}
		v = v*10 + uint64(b-'0')
	}
	return v
}

// probePVsLocked runs `pvs` and populates the discovered-PV map, the way
// original_source/crates/external/src/lvm.rs's pvs() treats an empty
// field or the literal "lvm2" as "no VG".
func (d *Disks) probePVsLocked() error {
	out, err := d.Runner.Run("pvs", "--noheadings", "-o", "pv_name,vg_name")
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.LvmLuks, err, "pvs")
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pv := fields[0]
		vg := ""
		if len(fields) > 1 && fields[1] != "lvm2" {
			vg = fields[1]
		}
		d.pvMap[pv] = PVInfo{Device: pv, VG: vg}
	}
	return nil
}

// InitializeVolumeGroups walks every physical partition carrying
// lvm_vg/original_vg intent, aggregates matching partitions into a
// logical.Device per VG, and probes each VG's existing LVs (spec.md
// §4.6).
func (d *Disks) InitializeVolumeGroups() error {
	vgs := map[string]*logical.Device{}
	for _, existing := range d.Logical {
		vgs[existing.VolumeGroup] = existing
	}

	for _, phys := range d.Physical {
		for _, p := range phys.Partitions {
			vgName := ""
			switch {
			case p.LvmVG != nil:
				vgName = *p.LvmVG
			case p.OriginalVG != nil:
				vgName = *p.OriginalVG
			default:
				continue
			}

			dev, ok := vgs[vgName]
			if !ok {
				dev = logical.New(vgName, phys.SectorSizeBytes)
				vgs[vgName] = dev
				d.Logical = append(d.Logical, dev)
				if err := dev.AddPartitions(d.Runner); err != nil {
					return err
				}
			}
			dev.SizeSectors += p.Sectors()
		}
	}
	return nil
}

// DecryptPartition opens a LUKS device, polls for its mapper node, and
// either binds the decrypted container to its VG or wraps its filesystem
// in a new logical.Device, per spec.md §4.6.
func (d *Disks) DecryptPartition(path string, enc *partition.Encryption, resolveKeyfilePath func(partitionNumber int) string) (*logical.Device, error) {
	args := []string{"luksOpen", path, enc.PhysicalVolume}

	switch {
	case enc.Password != nil:
		if *enc.Password == "" {
			return nil, distinsterrs.New(distinsterrs.InvalidInput, "luksOpen %s: empty password", path)
		}
		logrus.WithField("key_fingerprint", partition.KeyFingerprint([]byte(*enc.Password))).
			Debug("disks: opening LUKS container with password")
		if _, err := d.Runner.RunWithStdin(*enc.Password+"\n", "cryptsetup", args...); err != nil {
			return nil, distinsterrs.Wrap(distinsterrs.LvmLuks, err, "luksOpen %s", path)
		}
	case enc.KeyFileID != nil:
		if _, err := d.Runner.Run("cryptsetup", append(args, "--key-file", resolveKeyfilePath(*enc.KeyFileID))...); err != nil {
			return nil, distinsterrs.Wrap(distinsterrs.LvmLuks, err, "luksOpen %s", path)
		}
	default:
		return nil, distinsterrs.New(distinsterrs.InvalidInput, "luksOpen %s: no password or key file", path)
	}

	mapperPath := "/dev/mapper/" + enc.PhysicalVolume
	strategy := retry.LimitTime(10*time.Second, retry.Exponential{
		Initial: 200 * time.Millisecond,
		Factor:  1.5,
	})
	found := false
	for a := retry.StartWithCancel(strategy, nil, nil); a.Next(); {
		if _, statErr := os.Stat(mapperPath); statErr == nil {
			found = true
			break
		}
		if !a.More() {
			break
		}
	}
	if !found {
		return nil, distinsterrs.New(distinsterrs.IoFailure, "decrypted device %s did not appear within 10s", mapperPath)
	}

	d.pvMu.Lock()
	pv, hasVG := d.pvMap[mapperPath]
	d.pvMu.Unlock()

	if hasVG && pv.VG != "" {
		for _, dev := range d.Logical {
			if dev.VolumeGroup == pv.VG {
				dev.LuksParent = &path
				return dev, nil
			}
		}
		dev := logical.New(pv.VG, 512)
		dev.LuksParent = &path
		d.Logical = append(d.Logical, dev)
		if err := dev.AddPartitions(d.Runner); err != nil {
			return nil, err
		}
		return dev, nil
	}

	if enc.InnerFS != filesystem.Lvm {
		dev := logical.New(enc.PhysicalVolume, 512)
		dev.LuksParent = &path
		dev.Encryption = &logical.Luks{PhysicalVolume: enc.PhysicalVolume, Password: enc.Password, KeyFileID: enc.KeyFileID}
		d.Logical = append(d.Logical, dev)
		return dev, nil
	}

	d.Runner.Run("cryptsetup", "close", enc.PhysicalVolume)
	return nil, distinsterrs.New(distinsterrs.LvmLuks, "decrypted device %s lacks a volume group (DecryptedLacksVG)", mapperPath)
}

// DeactivateDeviceMaps tears down every LV/VG standing in the way of a
// to-be-modified physical disk: unmounts or swapoffs live LVs, runs
// `vgchange -an`, then closes the LUKS container beneath it if any
// (spec.md §4.6).
func (d *Disks) DeactivateDeviceMaps() error {
	for _, dev := range d.Logical {
		for _, p := range dev.Partitions {
			if p.MountPoint != nil {
				if _, err := d.Runner.Run("umount", *p.MountPoint); err != nil {
					return distinsterrs.Wrap(distinsterrs.IoFailure, err, "umount %s", *p.MountPoint)
				}
			}
			if p.Filesystem == filesystem.Swap && p.Bits.Has(partition.BitSwapped) {
				if _, err := d.Runner.Run("swapoff", p.DevicePath); err != nil {
					return distinsterrs.Wrap(distinsterrs.IoFailure, err, "swapoff %s", p.DevicePath)
				}
			}
		}
		if _, err := d.Runner.Run("vgchange", "-ffyan", dev.VolumeGroup); err != nil {
			return distinsterrs.Wrap(distinsterrs.LvmLuks, err, "vgchange -an %s", dev.VolumeGroup)
		}
		if dev.LuksParent != nil {
			if _, err := d.Runner.Run("cryptsetup", "close", dev.VolumeGroup); err != nil {
				return distinsterrs.Wrap(distinsterrs.LvmLuks, err, "cryptsetup close %s", dev.VolumeGroup)
			}
		}
	}
	return nil
}

// VerifyPartitions enforces invariants 4-6 and 8 (spec.md §3): exactly
// one ESP when an EFI install is requested, a separate /boot when root
// lives on LVM under BIOS, exactly one root target on a root-capable
// filesystem, and no root keyfile stored on the volume it unlocks.
func (d *Disks) VerifyPartitions(bootloader dconfig.Bootloader) error {
	var (
		espCount    int
		rootCount   int
		rootPart    *partition.Partition
		rootOnLVM   bool
		hasBootPart bool
	)

	all := d.allPartitions()

	for _, p := range all {
		if p.Flags.Has(partition.Esp) {
			espCount++
			if p.Filesystem != filesystem.Fat16 && p.Filesystem != filesystem.Fat32 {
				return distinsterrs.New(distinsterrs.InvariantViolation, "ESP partition must be fat16/fat32")
			}
			if p.Sectors()*512 < 256*1024*1024 {
				return distinsterrs.New(distinsterrs.InvariantViolation, "ESP partition smaller than 256 MiB")
			}
			if p.Target == nil || *p.Target != "/boot/efi" {
				return distinsterrs.New(distinsterrs.InvariantViolation, "ESP partition must target /boot/efi")
			}
		}
		if p.Target != nil && *p.Target == "/boot" {
			hasBootPart = true
		}
		if p.Target != nil && *p.Target == "/" {
			rootCount++
			rootPart = p
			if !filesystem.Lookup(p.Filesystem).LinuxRootOK {
				return distinsterrs.New(distinsterrs.InvariantViolation, "root filesystem %s is not linux-root-capable", p.Filesystem)
			}
		}
	}

	for _, dev := range d.Logical {
		for _, p := range dev.Partitions {
			if p.Target != nil && *p.Target == "/" {
				rootOnLVM = true
			}
			if p.Encryption != nil {
				return distinsterrs.New(distinsterrs.Unsupported,
					"LUKS directly on logical volume %s/%s is not supported (LUKS-on-LVM)", dev.VolumeGroup, p.DevicePath)
			}
		}
	}

	if bootloader == dconfig.BootloaderEfi && espCount != 1 {
		return distinsterrs.New(distinsterrs.InvariantViolation, "efi install requires exactly one ESP partition, found %d", espCount)
	}
	if bootloader == dconfig.BootloaderBios && rootOnLVM && !hasBootPart {
		return distinsterrs.New(distinsterrs.InvariantViolation, "bios install with root on lvm requires a separate /boot partition")
	}
	if rootCount != 1 {
		return distinsterrs.New(distinsterrs.InvariantViolation, "expected exactly one root partition, found %d", rootCount)
	}

	if rootPart != nil && rootPart.Encryption != nil && rootPart.Encryption.KeyFileID != nil {
		keyPart := d.findByNumber(*rootPart.Encryption.KeyFileID)
		if keyPart != nil && keyPart.Encryption != nil && keyPart.Encryption.PhysicalVolume == rootPart.Encryption.PhysicalVolume {
			return distinsterrs.New(distinsterrs.InvariantViolation, "root keyfile must not reside on the volume it unlocks")
		}
	}

	return nil
}

func (d *Disks) allPartitions() []*partition.Partition {
	var out []*partition.Partition
	for _, phys := range d.Physical {
		out = append(out, phys.Partitions...)
	}
	return out
}

func (d *Disks) findByNumber(num int) *partition.Partition {
	for _, p := range d.allPartitions() {
		if p.Number == num {
			return p
		}
	}
	for _, dev := range d.Logical {
		for _, p := range dev.Partitions {
			if p.Number == num {
				return p
			}
		}
	}
	return nil
}

// FindPartition looks up the partition mounted at target, across both
// physical and logical pools.
func (d *Disks) FindPartition(target string) *partition.Partition {
	for _, p := range d.allPartitions() {
		if p.Target != nil && *p.Target == target {
			return p
		}
	}
	for _, dev := range d.Logical {
		for _, p := range dev.Partitions {
			if p.Target != nil && *p.Target == target {
				return p
			}
		}
	}
	return nil
}

// FindPartitionMut is FindPartition; Go pointers already provide
// mutability, so there is no separate const/mut split to model here.
func (d *Disks) FindPartitionMut(target string) *partition.Partition { return d.FindPartition(target) }

// CommitLogicalPartitions sequences LVM bring-up across every logical
// device: pvcreate the backing physical volumes, vgcreate/vgextend the
// group, then ModifyPartitions to create/remove/format LVs (spec.md
// §4.8's LVM-follows-physical ordering rule).
func (d *Disks) CommitLogicalPartitions() error {
	for _, dev := range d.Logical {
		if dev.Remove {
			if _, err := d.Runner.Run("vgremove", "-ffy", dev.VolumeGroup); err != nil {
				return distinsterrs.Wrap(distinsterrs.LvmLuks, err, "vgremove %s", dev.VolumeGroup)
			}
			continue
		}
		if !dev.IsSource {
			if _, err := d.Runner.Run("vgcreate", "-ffy", dev.VolumeGroup); err != nil {
				return distinsterrs.Wrap(distinsterrs.LvmLuks, err, "vgcreate %s", dev.VolumeGroup)
			}
		}
		if err := dev.ModifyPartitions(d.Runner); err != nil {
			return err
		}
	}
	return nil
}
