// Command distinst-core wires the disk-configuration engine's packages
// together end to end: probe, diff, commit, and mount. It is a thin demo
// entrypoint, not a general-purpose CLI — the single optional argument is
// a path to an ini configuration file (spec.md §7); everything else is
// fixed by the packages it wires.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pop-os/distinst-go/cancel"
	"github.com/pop-os/distinst-go/dconfig"
	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/diskops"
	"github.com/pop-os/distinst-go/disks"
	"github.com/pop-os/distinst-go/executor"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/journal"
	"github.com/pop-os/distinst-go/mount"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
)

const (
	defaultConfigPath = "/etc/distinst/distinst.conf"
	journalPath       = "/var/lib/distinst/journal.db"
	targetRoot        = "/target"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := dconfig.Load(configPath)
	if err != nil {
		logrus.WithError(err).Warn("no usable configuration found; continuing with defaults")
		cfg = &dconfig.Configuration{Hostname: "pop-os", Locale: "en_US.UTF-8", Bootloader: dconfig.BootloaderAuto}
	}
	logrus.WithFields(logrus.Fields{
		"hostname":   cfg.Hostname,
		"locale":     cfg.Locale,
		"bootloader": cfg.Bootloader.String(),
	}).Info("loaded configuration")

	sw := cancel.New()

	r := runner.New(50, 4)

	j, err := journal.Open(journalPath)
	if err != nil {
		logrus.WithError(err).Fatal("opening commit journal")
	}
	defer j.Close()

	agg := disks.New(r)
	if err := agg.ProbeDevices("/sys/block"); err != nil {
		logrus.WithError(err).Fatal("probing block devices")
	}
	if err := agg.InitializeVolumeGroups(); err != nil {
		logrus.WithError(err).Fatal("probing LVM volume groups")
	}
	logrus.WithField("count", len(agg.Physical)).Info("probed physical disks")

	if len(agg.Physical) == 0 {
		logrus.Warn("no physical disks discovered; nothing to install")
		return
	}

	source := agg.Physical[0]
	target := buildTargetLayout(source, cfg.RootLuksPassword)

	ops, err := diskops.Plan(source, target)
	if err != nil {
		logrus.WithError(err).Fatal("planning disk diff")
	}
	logrus.WithFields(logrus.Fields{
		"disk":   source.DevicePath,
		"remove": len(ops.Remove),
		"change": len(ops.Change),
		"create": len(ops.Create),
	}).Info("computed disk diff")

	exec := executor.New(r, sw, j)
	if err := exec.Commit(source, ops); err != nil {
		logrus.WithError(err).Fatal("committing disk diff")
	}
	logrus.Info("committed partition table changes")

	if err := agg.VerifyPartitions(cfg.Bootloader); err != nil {
		logrus.WithError(err).Fatal("post-commit invariant check")
	}
	if err := agg.CommitLogicalPartitions(); err != nil {
		logrus.WithError(err).Fatal("committing LVM layout")
	}

	hostMounts, err := mount.ReadProcMountsFile("/proc/mounts")
	if err != nil {
		logrus.WithError(err).Warn("reading /proc/mounts; assuming nothing pre-mounted")
		hostMounts = nil
	}

	plan := mount.BuildPlan(agg, targetRoot, hostMounts)
	orch := mount.New(r, sw)
	stack, err := orch.Mount(plan)
	if err != nil {
		logrus.WithError(err).Fatal("mounting target filesystem tree")
	}
	defer func() {
		if err := stack.Unwind(); err != nil {
			logrus.WithError(err).Error("unmounting target filesystem tree")
		}
	}()

	rows := mount.BuildFstabRows(plan, agg)
	fstab := mount.GenerateFstab(rows)
	if err := os.WriteFile(targetRoot+"/etc/fstab", fstab, 0o644); err != nil {
		logrus.WithError(err).Fatal("writing fstab")
	}

	crypttabRows := mount.BuildCrypttabRows(agg, func(partitionNumber int) string {
		return fmt.Sprintf("/etc/distinst/keys/%d", partitionNumber)
	})
	if len(crypttabRows) > 0 {
		crypttab := mount.GenerateCrypttab(crypttabRows)
		if err := os.WriteFile(targetRoot+"/etc/crypttab", crypttab, 0o600); err != nil {
			logrus.WithError(err).Fatal("writing crypttab")
		}
	}

	logrus.Info("installation layout committed and mounted at " + targetRoot)
}

// buildTargetLayout constructs the desired layout for a demo run: relabel
// GPT, add a Fat32 ESP, and hand the remainder of the disk to a Btrfs
// root with @root/@home subvolumes, mirroring spec.md §8 scenario 1.
// luksPassword, when non-nil, encrypts the root partition.
func buildTargetLayout(source *disk.Disk, luksPassword *string) *disk.Disk {
	target := disk.New(source.DevicePath, source.SizeSectors, source.SectorSizeBytes)
	target.Table = disk.TableGpt
	target.Relabel = true

	espEnd := 1_050_623 + uint64(2048)
	if espEnd > target.SizeSectors {
		espEnd = target.SizeSectors / 2
	}
	esp := partition.New(2048, espEnd, partition.Primary, filesystem.Fat32)
	esp.Flags.Add(partition.Esp)
	espTarget := "/boot/efi"
	esp.Target = &espTarget

	root := partition.New(espEnd+1, target.SizeSectors, partition.Primary, filesystem.Btrfs)
	rootTarget := "/"
	root.Target = &rootTarget
	root.Subvolumes = map[string]string{"@root": "/", "@home": "/home"}

	if luksPassword != nil {
		if err := root.SetEncryption(&partition.Encryption{
			PhysicalVolume: "cryptroot",
			Password:       luksPassword,
			InnerFS:        filesystem.Btrfs,
		}); err != nil {
			logrus.WithError(err).Fatal("configuring root encryption")
		}
	}

	target.Partitions = []*partition.Partition{esp, root}
	return target
}
