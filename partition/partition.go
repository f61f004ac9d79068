// Package partition implements the Partition entity (spec.md §3, §4.3,
// C3): identifiers, lifecycle bitflags, and the builder-style mutators
// that Disk/LogicalDevice methods funnel through.
package partition

import (
	"github.com/canonical/go-efilib"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
)

// Type is the closed partition-type enum.
type Type int

const (
	Primary Type = iota
	Logical
	Extended
)

func (t Type) String() string {
	switch t {
	case Primary:
		return "primary"
	case Logical:
		return "logical"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// ParseType resolves a Type's string name back to its enum value.
func ParseType(name string) (Type, error) {
	switch name {
	case "primary":
		return Primary, nil
	case "logical":
		return Logical, nil
	case "extended":
		return Extended, nil
	default:
		return 0, distinsterrs.New(distinsterrs.InvalidInput, "unknown partition type %q", name)
	}
}

// Flag is one partition attribute flag, the string form of which round-
// trips through sfdisk/parted flag names (spec.md §6).
type Flag int

const (
	Boot Flag = iota
	Root
	Swap
	Hidden
	Raid
	Lvm
	Lba
	Esp
	BiosGrub
	LegacyBoot
	MsftData
	MsftReserved
	AppleTvRecovery
	Diag
	Prep
	Palo
	HpService
	Irst
)

var flagNames = map[Flag]string{
	Boot: "boot", Root: "root", Swap: "swap", Hidden: "hidden", Raid: "raid",
	Lvm: "lvm", Lba: "lba", Esp: "esp", BiosGrub: "bios_grub",
	LegacyBoot: "legacy_boot", MsftData: "msft_data", MsftReserved: "msft_reserved",
	AppleTvRecovery: "apple_tv_recovery", Diag: "diag", Prep: "prep", Palo: "palo",
	HpService: "hpservice", Irst: "irst",
}

func (f Flag) String() string { return flagNames[f] }

// ParseFlag resolves a flag's string name back to its enum value.
func ParseFlag(name string) (Flag, error) {
	for f, n := range flagNames {
		if n == name {
			return f, nil
		}
	}
	return 0, distinsterrs.New(distinsterrs.InvalidInput, "unknown partition flag %q", name)
}

// FlagSet is a small set of Flag values.
type FlagSet map[Flag]struct{}

func NewFlagSet(flags ...Flag) FlagSet {
	fs := make(FlagSet, len(flags))
	for _, f := range flags {
		fs[f] = struct{}{}
	}
	return fs
}

func (fs FlagSet) Has(f Flag) bool { _, ok := fs[f]; return ok }
func (fs FlagSet) Add(f Flag)      { fs[f] = struct{}{} }
func (fs FlagSet) Remove(f Flag)   { delete(fs, f) }

// Diff returns the flags present in fs but not in other, matching the
// diff planner's `target.flags \ source.flags` (spec.md §4.7 step 4).
func (fs FlagSet) Diff(other FlagSet) FlagSet {
	out := FlagSet{}
	for f := range fs {
		if !other.Has(f) {
			out[f] = struct{}{}
		}
	}
	return out
}

func (fs FlagSet) Equal(other FlagSet) bool {
	if len(fs) != len(other) {
		return false
	}
	for f := range fs {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

// IDKind tags the form a PartitionID takes.
type IDKind int

const (
	IDKindUUID IDKind = iota
	IDKindPartUUID
	IDKindPartLabel
	IDKindID
)

// ID identifies a partition by one of the /dev/disk/by-* symlink
// categories (spec.md §6).
type ID struct {
	Kind  IDKind
	Value string
}

// ByPath returns the /dev/disk/by-<kind>/<value> path this ID resolves
// through.
func (id ID) ByPath() string {
	var dir string
	switch id.Kind {
	case IDKindUUID:
		dir = "by-uuid"
	case IDKindPartUUID:
		dir = "by-partuuid"
	case IDKindPartLabel:
		dir = "by-partlabel"
	default:
		dir = "by-id"
	}
	return "/dev/disk/" + dir + "/" + id.Value
}

// Bits are the six lifecycle bits tracked per-partition (spec.md §3).
type Bits uint8

const (
	BitSource Bits = 1 << iota
	BitRemove
	BitFormat
	BitActive
	BitBusy
	BitSwapped
)

func (b Bits) Has(bit Bits) bool { return b&bit != 0 }
func (b *Bits) Set(bit Bits)     { *b |= bit }
func (b *Bits) Clear(bit Bits)   { *b &^= bit }

// Identifiers holds the discovered UUID/PARTUUID/PARTLABEL of a probed
// partition.
type Identifiers struct {
	UUID      string
	PartUUID  string
	PartLabel string
}

// Encryption is a LUKS descriptor attached to a partition via
// SetEncryption: a physical-volume name plus a password and/or a
// reference to another partition holding a key file.
type Encryption struct {
	PhysicalVolume string
	Password       *string
	KeyFileID      *int
	InnerFS        filesystem.FS
}

// Partition is the core entity spec.md §3 defines.
type Partition struct {
	Number   int
	Ordering int

	StartSector uint64
	EndSector   uint64

	PartType   Type
	Filesystem filesystem.FS
	Flags      FlagSet

	Name *string

	DevicePath string
	MountPoint *string
	Target     *string

	LvmVG      *string
	OriginalVG *string

	Encryption *Encryption
	KeyID      *int

	Subvolumes map[string]string

	Identifiers Identifiers

	Bits Bits
}

// New builds a proposed (not-yet-committed) partition: Number -1, SOURCE
// unset, matching the builder-created half of the lifecycle split in
// spec.md §3.
func New(start, end uint64, partType Type, fs filesystem.FS) *Partition {
	return &Partition{
		Number:      -1,
		StartSector: start,
		EndSector:   end,
		PartType:    partType,
		Filesystem:  fs,
		Flags:       FlagSet{},
		Subvolumes:  map[string]string{},
		Bits:        BitFormat,
	}
}

// Sectors returns the partition's length in sectors.
func (p *Partition) Sectors() uint64 { return p.EndSector - p.StartSector }

// SetMount sets the desired mount target, clearing any pending key-file
// association (spec.md §4.3: set_mount/associate_keyfile are mutually
// exclusive).
func (p *Partition) SetMount(target string) {
	p.Target = &target
	p.KeyID = nil
}

// AssociateKeyfile marks this partition's contents as a LUKS key file
// belonging to the partition numbered id, clearing any mount target.
func (p *Partition) AssociateKeyfile(id int) {
	p.KeyID = &id
	p.Target = nil
}

// FormatWith sets FORMAT, assigns fs, and clears the GPT label (a reformat
// abandons the old volume identity).
func (p *Partition) FormatWith(fs filesystem.FS) {
	p.Bits.Set(BitFormat)
	p.Filesystem = fs
	p.Name = nil
}

// FormatAndKeepName is FormatWith but preserves the GPT partition label.
func (p *Partition) FormatAndKeepName(fs filesystem.FS) {
	p.Bits.Set(BitFormat)
	p.Filesystem = fs
}

// SetVolumeGroup attaches LVM membership intent.
func (p *Partition) SetVolumeGroup(vg string) { p.LvmVG = &vg }

// SetEncryption attaches LUKS intent, rejecting a descriptor with no secret
// at all and one with an explicitly empty password (spec.md §9(a): empty
// keyfile/password is an error everywhere, not silently ignored as in one
// of the source's two code paths).
func (p *Partition) SetEncryption(enc *Encryption) error {
	if enc != nil {
		if enc.Password != nil && *enc.Password == "" {
			return distinsterrs.New(distinsterrs.InvalidInput, "luks encryption requires a non-empty password")
		}
		if enc.Password == nil && enc.KeyFileID == nil {
			return distinsterrs.New(distinsterrs.InvalidInput, "luks encryption requires a password or a key file")
		}
	}
	p.Encryption = enc
	return nil
}

// ShrinkTo rounds sectors down to a 2048-sector (~1 MiB) alignment boundary
// and sets EndSector accordingly, per invariant 10. It fails if the
// resulting size exceeds the current size (shrink_to only shrinks).
func (p *Partition) ShrinkTo(sectors uint64) (uint64, error) {
	const alignment = 2048
	aligned := (sectors / alignment) * alignment

	current := p.Sectors()
	if aligned > current {
		return 0, distinsterrs.New(distinsterrs.InvalidInput,
			"shrink_to: requested %d sectors exceeds current size %d (ShrinkValueTooHigh)", sectors, current)
	}

	minSize := filesystem.Lookup(p.Filesystem).MinSize
	minSectors := uint64(minSize) / 512
	if minSectors < 10*1024*1024/512 {
		minSectors = 10 * 1024 * 1024 / 512
	}
	if aligned < minSectors {
		return 0, distinsterrs.New(distinsterrs.InvariantViolation,
			"shrink_to: %d sectors is below the minimum %d for %s", aligned, minSectors, p.Filesystem)
	}

	p.EndSector = p.StartSector + aligned
	return aligned, nil
}

// RequiresChanges reports whether other (the proposed target) differs
// from p (the probed source) in any way the executor's Change stage must
// act on, per spec.md §4.3.
func (p *Partition) RequiresChanges(other *Partition) bool {
	if p.StartSector != other.StartSector || p.EndSector != other.EndSector {
		return true
	}
	if p.Filesystem != other.Filesystem {
		return true
	}
	if !p.Flags.Equal(other.Flags) {
		return true
	}
	if other.Bits.Has(BitFormat) {
		return true
	}
	return false
}

// IsSamePartitionAs reports whether p and other are the same on-disk
// partition, identified by SOURCE and Number, per spec.md §4.3.
func (p *Partition) IsSamePartitionAs(other *Partition) bool {
	return p.Bits.Has(BitSource) && other.Bits.Has(BitSource) && p.Number == other.Number
}

// SectorsUsed dispatches to filesystem.SectorsUsed for this partition's
// device path and filesystem.
func (p *Partition) SectorsUsed(cr filesystem.CommandRunner) (uint64, error) {
	return filesystem.SectorsUsed(cr, p.Filesystem, p.DevicePath)
}

// Discoverable Partitions Specification type GUIDs, wire-encoded (Data1-3
// little-endian, Data4 as-is) the way efi.GUID's [16]byte layout expects.
var (
	guidESP        = efi.GUID{0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11, 0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b}
	guidBiosGrub   = efi.GUID{0x48, 0x61, 0x68, 0x21, 0x49, 0x64, 0x6f, 0x6e, 0x74, 0x4e, 0x65, 0x65, 0x64, 0x45, 0x46, 0x49}
	guidLinuxData  = efi.GUID{0xaf, 0x3d, 0xc6, 0x0f, 0x83, 0x84, 0x72, 0x47, 0x8e, 0x79, 0x3d, 0x69, 0xd8, 0x47, 0x7d, 0xe4}
)

// GUIDForFlags maps the ESP/BiosGrub/etc. flag set to the GPT
// partition-type GUID efilib expects when creating the partition entry
// (grounded on the standard discoverable-partitions-spec GUIDs).
func (p *Partition) GUIDForFlags() efi.GUID {
	switch {
	case p.Flags.Has(Esp):
		return guidESP
	case p.Flags.Has(BiosGrub):
		return guidBiosGrub
	default:
		return guidLinuxData
	}
}

// NewPartUUID generates a random PARTUUID for a freshly created partition,
// the way the GPT writer assigns one when the caller does not pin a value.
func NewPartUUID() string { return uuid.New().String() }

// KeyFingerprint renders a short, non-reversible fingerprint of derived
// LUKS key material for display/logging — never the key itself.
func KeyFingerprint(key []byte) string {
	sum := sha3.Sum256(key)
	return uuid.Must(uuid.FromBytes(sum[:16])).String()
}

