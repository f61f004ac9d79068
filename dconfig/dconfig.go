// Package dconfig holds the ambient Configuration the disk-configuration
// engine consumes from its caller (spec.md §7): target hostname, locale,
// bootloader override, and the installer's feature-flag bitmask. It is
// loaded from an ini file with the teacher's own config-parsing
// dependency, mvo5/goconfigparser.
package dconfig

import (
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/pop-os/distinst-go/distinsterrs"
)

// Bootloader is the override a caller can force instead of auto-detecting
// EFI vs BIOS from the running system.
type Bootloader int

const (
	BootloaderAuto Bootloader = iota
	BootloaderEfi
	BootloaderBios
)

func (b Bootloader) String() string {
	switch b {
	case BootloaderEfi:
		return "efi"
	case BootloaderBios:
		return "bios"
	default:
		return "auto"
	}
}

func parseBootloader(s string) (Bootloader, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BootloaderAuto, nil
	case "efi":
		return BootloaderEfi, nil
	case "bios":
		return BootloaderBios, nil
	default:
		return 0, distinsterrs.New(distinsterrs.InvalidInput, "unknown bootloader override %q", s)
	}
}

// Flag is one bit of the installer feature-flag bitmask.
type Flag uint32

const (
	// ModifyBootOrder marks that the firmware boot order may be rewritten
	// after bootloader install; this module parses and carries the bit but
	// no package in it acts on it.
	ModifyBootOrder Flag = 1 << iota
	// InstallHardwareSupport enables pulling in hardware-specific
	// metapackages during the (external) post-install configuration step.
	InstallHardwareSupport
	// KeepOldRoot requests that the previous root partition's contents be
	// kept instead of wiped (original_source's retain.rs). This module
	// parses and carries the bit; no package in it moves or preserves the
	// old root tree.
	KeepOldRoot
	// RunUbuntuDrivers invokes ubuntu-drivers autoinstall post-chroot.
	RunUbuntuDrivers
)

// Configuration is the full set of ambient parameters the engine consumes.
type Configuration struct {
	Hostname   string
	Locale     string
	Bootloader Bootloader
	Flags      Flag

	// RootLuksPassword, when non-nil, is the passphrase to encrypt the
	// root partition with (spec.md §4.6 set_encryption). It is nil when
	// the ini file has no luks_password key at all; an explicitly
	// present but empty value is rejected by Load (spec.md §9(a)).
	RootLuksPassword *string
}

// Has reports whether flag is set.
func (c Configuration) Has(flag Flag) bool { return c.Flags&flag != 0 }

// Load reads an ini file shaped like:
//
//	[distinst]
//	hostname = pop-os
//	locale = en_US.UTF-8
//	bootloader = auto
//	flags = MODIFY_BOOT_ORDER,KEEP_OLD_ROOT
func Load(path string) (*Configuration, error) {
	parser := goconfigparser.New()
	if err := parser.ReadFile(path); err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.IoFailure, err, "reading configuration %s", path)
	}

	hostname, _ := parser.Get("distinst", "hostname")
	locale, _ := parser.Get("distinst", "locale")
	bootloaderRaw, _ := parser.Get("distinst", "bootloader")
	flagsRaw, _ := parser.Get("distinst", "flags")

	bootloader, err := parseBootloader(bootloaderRaw)
	if err != nil {
		return nil, err
	}

	flags, err := parseFlags(flagsRaw)
	if err != nil {
		return nil, err
	}

	cfg := &Configuration{
		Hostname:   hostname,
		Locale:     locale,
		Bootloader: bootloader,
		Flags:      flags,
	}
	if err := ValidateHostname(cfg.Hostname); err != nil {
		return nil, err
	}

	if luksPassword, err := parser.Get("distinst", "luks_password"); err == nil {
		if luksPassword == "" {
			return nil, distinsterrs.New(distinsterrs.InvalidInput, "configuration: luks_password key present but empty")
		}
		cfg.RootLuksPassword = &luksPassword
	}

	return cfg, nil
}

var flagNames = map[string]Flag{
	"MODIFY_BOOT_ORDER":        ModifyBootOrder,
	"INSTALL_HARDWARE_SUPPORT": InstallHardwareSupport,
	"KEEP_OLD_ROOT":            KeepOldRoot,
	"RUN_UBUNTU_DRIVERS":       RunUbuntuDrivers,
}

func parseFlags(raw string) (Flag, error) {
	var flags Flag
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		bit, ok := flagNames[name]
		if !ok {
			return 0, distinsterrs.New(distinsterrs.InvalidInput, "unknown configuration flag %q", name)
		}
		flags |= bit
	}
	return flags, nil
}

// ValidateHostname enforces RFC 952/1123 hostname label syntax: 1-63
// ASCII characters, alphanumeric or hyphen, not starting or ending with a
// hyphen.
func ValidateHostname(h string) error {
	if len(h) == 0 || len(h) > 63 {
		return distinsterrs.New(distinsterrs.InvalidInput, "hostname %q must be 1-63 characters", h)
	}
	if h[0] == '-' || h[len(h)-1] == '-' {
		return distinsterrs.New(distinsterrs.InvalidInput, "hostname %q cannot start or end with a hyphen", h)
	}
	for _, r := range h {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' {
			return distinsterrs.New(distinsterrs.InvalidInput, "hostname %q contains invalid character %q", h, r)
		}
	}
	return nil
}
