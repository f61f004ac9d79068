// Package mount implements the post-format mount orchestrator (spec.md
// §4.10, C10): it assembles an ordered Direct/Bind mount plan for a
// target base directory, drives the actual mount(2) calls with a
// reverse-drop unmount stack, and emits fstab/crypttab/recovery.conf for
// the installed system.
package mount

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pop-os/distinst-go/cancel"
	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/disks"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/logical"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/runner"
)

// Kind distinguishes a fresh device mount from a bind mount re-using a
// partition the host already has mounted somewhere.
type Kind int

const (
	Direct Kind = iota
	Bind
)

// Entry is one planned mount, fully resolved against a base directory.
type Entry struct {
	Target     string
	Kind       Kind
	Device     string // backing device for Direct; ignored for Bind
	Source     string // host-side source path for Bind
	Filesystem filesystem.FS
	Data       string // extra -o data beyond the filesystem's defaults (e.g. "subvol=@root")
	UUID       string // partition UUID, for fstab emission
	IsRoot     bool   // true when this entry's un-joined target is "/"
}

// Plan is an ordered mount plan, sorted so parents precede children.
type Plan []Entry

// ReadProcMounts parses /proc/mounts-shaped content into a device-path to
// first-mount-point map, the way the planner decides Direct vs Bind.
func ReadProcMounts(r *bytes.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		dev, point := fields[0], fields[1]
		if _, seen := out[dev]; !seen {
			out[dev] = point
		}
	}
	return out, sc.Err()
}

// ReadProcMountsFile is ReadProcMounts reading from a real path (normally
// "/proc/mounts").
func ReadProcMountsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "reading %s", path)
	}
	return ReadProcMounts(bytes.NewReader(data))
}

// joinTarget concatenates baseDir and target, normalizing the slash at
// the join the way spec.md §4.10 describes. A target of "/" collapses to
// baseDir itself rather than trailing a stray slash.
func joinTarget(baseDir, target string) string {
	base := strings.TrimRight(baseDir, "/")
	rest := strings.TrimLeft(target, "/")
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + rest
}

// deviceForPartition resolves the block device a partition's mount must
// reference: an already-set DevicePath (logical volumes, probed source
// partitions), a LUKS-wrapped physical partition's mapper node, or a
// plain physical partition's numbered child path.
func deviceForPartition(p *partition.Partition, owner *disk.Disk) string {
	if p.DevicePath != "" {
		return p.DevicePath
	}
	if p.Encryption != nil {
		return "/dev/mapper/" + logical.EscapeDeviceMapperName(p.Encryption.PhysicalVolume)
	}
	if owner != nil {
		return owner.PartitionDevicePath(p.Number)
	}
	return ""
}

// appendEntries folds one partition's target/subvolumes into the plan
// being assembled, per spec.md §4.10's enumeration and classification
// rules.
func appendEntries(plan *Plan, p *partition.Partition, owner *disk.Disk, baseDir string, hostMounts map[string]string) {
	if p.Target == nil && len(p.Subvolumes) == 0 {
		return
	}

	device := deviceForPartition(p, owner)

	if len(p.Subvolumes) > 0 {
		names := make([]string, 0, len(p.Subvolumes))
		for name := range p.Subvolumes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			target := p.Subvolumes[name]
			e := Entry{
				Target:     joinTarget(baseDir, target),
				Device:     device,
				Filesystem: p.Filesystem,
				Data:       "subvol=" + name,
				UUID:       p.Identifiers.UUID,
				IsRoot:     target == "/",
			}
			if point, ok := hostMounts[device]; ok {
				e.Kind = Bind
				e.Source = point
			}
			*plan = append(*plan, e)
		}
		return
	}

	e := Entry{
		Target:     joinTarget(baseDir, *p.Target),
		Device:     device,
		Filesystem: p.Filesystem,
		UUID:       p.Identifiers.UUID,
		IsRoot:     *p.Target == "/",
	}
	if point, ok := hostMounts[device]; ok {
		e.Kind = Bind
		e.Source = point
	}
	*plan = append(*plan, e)
}

// BuildPlan assembles the ordered mount plan for every physical and
// logical partition in agg that carries a target or subvolumes, for a
// commit rooted at baseDir.
func BuildPlan(agg *disks.Disks, baseDir string, hostMounts map[string]string) Plan {
	var plan Plan
	for _, d := range agg.Physical {
		for _, p := range d.Partitions {
			appendEntries(&plan, p, d, baseDir, hostMounts)
		}
	}
	for _, dev := range agg.Logical {
		for _, p := range dev.Partitions {
			appendEntries(&plan, p, nil, baseDir, hostMounts)
		}
	}

	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Target < plan[j].Target })
	return plan
}

// kernelFSName returns the name passed as the fstype argument to
// mount(2), which for fat16/32 is "vfat" rather than the on-disk name
// used for mkfs.
func kernelFSName(fs filesystem.FS) string {
	switch fs {
	case filesystem.Fat16, filesystem.Fat32:
		return "vfat"
	default:
		return filesystem.Lookup(fs).NameOnDisk
	}
}

// Stack is an RAII-style unmount stack: mounts are pushed in mount
// order and Unwind tears them down in reverse, guaranteeing every
// successfully mounted path is released regardless of where a later
// mount fails.
type Stack struct {
	paths []string
}

func (s *Stack) push(path string) { s.paths = append(s.paths, path) }

// Unwind unmounts every pushed path in reverse order, collecting (but not
// stopping on) individual failures, and returns the first one.
func (s *Stack) Unwind() error {
	var firstErr error
	for i := len(s.paths) - 1; i >= 0; i-- {
		if err := unix.Unmount(s.paths[i], 0); err != nil && firstErr == nil {
			firstErr = distinsterrs.Wrap(distinsterrs.IoFailure, err, "unmount %s", s.paths[i])
		}
	}
	s.paths = nil
	return firstErr
}

// Orchestrator drives the actual mount(2)/unmount(2) calls for a Plan.
type Orchestrator struct {
	Runner *runner.Runner
	Switch *cancel.Switch
}

// New builds an Orchestrator.
func New(r *runner.Runner, sw *cancel.Switch) *Orchestrator {
	return &Orchestrator{Runner: r, Switch: sw}
}

// Mount walks plan in order, creating each target directory and mounting
// it, unwinding everything mounted so far on the first failure or on
// cancellation (spec.md §5's "unmounts everything mounted so far" rule).
func (o *Orchestrator) Mount(plan Plan) (*Stack, error) {
	stack := &Stack{}
	for _, e := range plan {
		if o.Switch != nil && o.Switch.Cancelled() {
			stack.Unwind()
			return nil, o.Switch.Err()
		}
		if err := os.MkdirAll(e.Target, 0o755); err != nil {
			stack.Unwind()
			return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "mkdir %s", e.Target)
		}
		if err := o.mountOne(e); err != nil {
			stack.Unwind()
			return nil, err
		}
		stack.push(e.Target)
	}
	return stack, nil
}

func (o *Orchestrator) mountOne(e Entry) error {
	if e.Kind == Bind {
		if err := unix.Mount(e.Source, e.Target, "", unix.MS_BIND, ""); err != nil {
			return distinsterrs.Wrap(distinsterrs.IoFailure, err, "bind-mounting %s at %s", e.Source, e.Target)
		}
		return nil
	}

	fsName := kernelFSName(e.Filesystem)
	data := mountData(e)

	err := unix.Mount(e.Device, e.Target, fsName, 0, data)
	if err != nil && e.Data != "" && errors.Is(err, unix.ENOENT) {
		if rerr := o.createSubvolumeAndRetry(e); rerr != nil {
			return rerr
		}
		err = unix.Mount(e.Device, e.Target, fsName, 0, data)
	}
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "mounting %s at %s", e.Device, e.Target)
	}
	return nil
}

func mountData(e Entry) string {
	defaults := filesystem.Lookup(e.Filesystem).DefaultMountOptions
	if e.Data == "" {
		return defaults
	}
	if defaults == "" {
		return e.Data
	}
	return defaults + "," + e.Data
}

// createSubvolumeAndRetry mounts the bare btrfs volume at a scratch path,
// creates the missing subvolume named by e.Data's "subvol=" value,
// enables zstd compression on it, and unmounts the scratch mount, per
// spec.md §4.10's subvolume-create-and-retry rule.
func (o *Orchestrator) createSubvolumeAndRetry(e Entry) error {
	scratch, err := os.MkdirTemp("", "distinst-subvol-")
	if err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "creating scratch mount dir")
	}
	defer os.RemoveAll(scratch)

	if err := unix.Mount(e.Device, scratch, "btrfs", 0, ""); err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "scratch-mounting %s", e.Device)
	}
	defer unix.Unmount(scratch, 0)

	name := strings.TrimPrefix(e.Data, "subvol=")
	subPath := filepath.Join(scratch, name)

	if _, err := o.Runner.Run("btrfs", "subvolume", "create", subPath); err != nil {
		return err
	}
	if _, err := o.Runner.Run("btrfs", "property", "set", subPath, "compression", "zstd"); err != nil {
		return err
	}
	return nil
}

const fstabHeader = "# /etc/fstab: static file system information.\n" +
	"#\n" +
	"# <file system>  <mount point>  <type>  <options>  <dump>  <pass>\n"

// FstabRow is one fully-resolved /etc/fstab line's fields.
type FstabRow struct {
	UUID    string
	Mount   string
	FS      string
	Options string
	Dump    int
	Pass    int
}

// BuildFstabRows derives the fstab rows for plan (one per mount entry)
// plus one swap row per swap partition in agg, which never appears in
// the directory-mount plan itself since swap has no mount point.
func BuildFstabRows(plan Plan, agg *disks.Disks) []FstabRow {
	rows := make([]FstabRow, 0, len(plan))
	for _, e := range plan {
		pass := 0
		if e.IsRoot {
			pass = 1
		}
		rows = append(rows, FstabRow{
			UUID:    e.UUID,
			Mount:   e.Target,
			FS:      fstabFSName(e.Filesystem),
			Options: mountData(e),
			Dump:    0,
			Pass:    pass,
		})
	}

	for _, p := range swapPartitions(agg) {
		rows = append(rows, FstabRow{
			UUID:    p.Identifiers.UUID,
			Mount:   "none",
			FS:      "swap",
			Options: filesystem.Lookup(filesystem.Swap).DefaultMountOptions,
			Dump:    0,
			Pass:    0,
		})
	}
	return rows
}

func fstabFSName(fs filesystem.FS) string { return filesystem.Lookup(fs).FstabName }

func swapPartitions(agg *disks.Disks) []*partition.Partition {
	var out []*partition.Partition
	for _, d := range agg.Physical {
		for _, p := range d.Partitions {
			if p.Filesystem == filesystem.Swap {
				out = append(out, p)
			}
		}
	}
	for _, dev := range agg.Logical {
		for _, p := range dev.Partitions {
			if p.Filesystem == filesystem.Swap {
				out = append(out, p)
			}
		}
	}
	return out
}

// GenerateFstab renders rows into the exact fstab byte format spec.md §6
// specifies: no trailing annotation beyond the six whitespace-separated
// fields.
func GenerateFstab(rows []FstabRow) []byte {
	var b bytes.Buffer
	b.WriteString(fstabHeader)
	for _, r := range rows {
		fmt.Fprintf(&b, "UUID=%s  %s  %s  %s  %d  %d\n", r.UUID, r.Mount, r.FS, r.Options, r.Dump, r.Pass)
	}
	return b.Bytes()
}

// CrypttabRow is one /etc/crypttab line's fields.
type CrypttabRow struct {
	PV           string
	UUID         string
	PasswordSpec string
}

// PasswordSpec resolves the crypttab password-spec field for enc, per
// spec.md §4.10: a keyfile path when one is associated, /dev/urandom for
// an ephemeral swap key, otherwise "none" (interactive prompt).
func PasswordSpec(enc *partition.Encryption, resolveKeyfilePath func(partitionNumber int) string) string {
	switch {
	case enc.KeyFileID != nil:
		return resolveKeyfilePath(*enc.KeyFileID)
	case enc.InnerFS == filesystem.Swap:
		return "/dev/urandom"
	default:
		return "none"
	}
}

// BuildCrypttabRows walks every encrypted physical partition in agg,
// resolving each one's password-spec via resolveKeyfilePath.
func BuildCrypttabRows(agg *disks.Disks, resolveKeyfilePath func(partitionNumber int) string) []CrypttabRow {
	var rows []CrypttabRow
	for _, d := range agg.Physical {
		for _, p := range d.Partitions {
			if p.Encryption == nil {
				continue
			}
			rows = append(rows, CrypttabRow{
				PV:           p.Encryption.PhysicalVolume,
				UUID:         p.Identifiers.UUID,
				PasswordSpec: PasswordSpec(p.Encryption, resolveKeyfilePath),
			})
		}
	}
	return rows
}

// GenerateCrypttab renders rows into /etc/crypttab's exact line format.
func GenerateCrypttab(rows []CrypttabRow) []byte {
	var b bytes.Buffer
	for _, r := range rows {
		fmt.Fprintf(&b, "%s UUID=%s %s luks\n", r.PV, r.UUID, r.PasswordSpec)
	}
	return b.Bytes()
}

// RecoveryConf holds the fields spec.md §6 lists for the
// /recovery/recovery.conf envfile.
type RecoveryConf struct {
	Hostname string
	Locale   string
	Keyboard map[string]string // KBD_* suffix (e.g. "MODEL") to value

	EFIUUID       string
	RecoveryUUID  string
	RootUUID      string
	LuksUUID      string // empty when root is not encrypted
	OEMMode       bool
}

// GenerateRecoveryConf renders rc into the exact KEY=VALUE envfile lines
// spec.md §6 names.
func GenerateRecoveryConf(rc RecoveryConf) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HOSTNAME=%s\n", rc.Hostname)
	fmt.Fprintf(&b, "LANG=%s\n", rc.Locale)

	kbdKeys := make([]string, 0, len(rc.Keyboard))
	for k := range rc.Keyboard {
		kbdKeys = append(kbdKeys, k)
	}
	sort.Strings(kbdKeys)
	for _, k := range kbdKeys {
		fmt.Fprintf(&b, "KBD_%s=%s\n", k, rc.Keyboard[k])
	}

	fmt.Fprintf(&b, "EFI_UUID=PARTUUID=%s\n", rc.EFIUUID)
	fmt.Fprintf(&b, "RECOVERY_UUID=PARTUUID=%s\n", rc.RecoveryUUID)
	fmt.Fprintf(&b, "ROOT_UUID=%s\n", rc.RootUUID)
	fmt.Fprintf(&b, "LUKS_UUID=%s\n", rc.LuksUUID)
	oem := 0
	if rc.OEMMode {
		oem = 1
	}
	fmt.Fprintf(&b, "OEM_MODE=%d\n", oem)
	return b.Bytes()
}
