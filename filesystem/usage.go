package filesystem

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pop-os/distinst-go/distinsterrs"
)

// CommandRunner is the minimal shape SectorsUsed needs from the tool
// driver (runner.Runner satisfies this structurally; declared here rather
// than imported to keep filesystem free of a dependency on runner).
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

// SectorsUsed shells out to the filesystem's usage tool and parses its
// output into a 512-byte-sector count, following the exact field layouts
// in the teacher's usage-probing idiom (grounded on
// original_source/crates/disk-types/src/usage.rs). Filesystems in
// UsageUnsupported() are rejected with Unsupported.
func SectorsUsed(cr CommandRunner, fs FS, part string) (uint64, error) {
	if fs.UsageUnsupported() {
		return 0, distinsterrs.New(distinsterrs.Unsupported, "sectors_used: unsupported for filesystem %s", fs)
	}

	switch fs {
	case Ext2, Ext3, Ext4:
		out, err := cr.Run("dumpe2fs", "-h", part)
		if err != nil {
			return 0, distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "dumpe2fs -h %s", part)
		}
		return parseExtUsage(out)
	case Fat16, Fat32:
		out, err := cr.Run("fsck.fat", "-nv", part)
		if err != nil {
			// A non-zero fsck.fat exit on a clean dry-run probe likely
			// means fixable errors; repair then re-probe once.
			if _, rerr := cr.Run("fsck.fat", "-fy", part); rerr != nil {
				return 0, distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, rerr, "fsck.fat -fy %s", part)
			}
			out, err = cr.Run("fsck.fat", "-nv", part)
			if err != nil {
				return 0, distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "fsck.fat -nv %s", part)
			}
		}
		return parseFatUsage(out)
	case Ntfs:
		out, _ := cr.Run("ntfsresize", "--info", "--force", "--no-progress-bar", part)
		used, err := parseNtfsUsage(out)
		if err == nil {
			return used, nil
		}
		return parseNtfsSize(out)
	case Btrfs:
		out, err := cr.Run("btrfs", "filesystem", "show", part)
		if err != nil {
			return 0, distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "btrfs filesystem show %s", part)
		}
		return parseBtrfsUsage(out)
	default:
		return 0, distinsterrs.New(distinsterrs.Unsupported, "sectors_used: unsupported for filesystem %s", fs)
	}
}

func lines(out []byte) []string {
	var ls []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		ls = append(ls, sc.Text())
	}
	return ls
}

func parseField(ls []string, field string, idx int) (uint64, error) {
	for _, line := range ls {
		if strings.HasPrefix(line, field) {
			fields := strings.Fields(line)
			if idx >= len(fields) {
				return 0, fmt.Errorf("invalid usage field")
			}
			return strconv.ParseUint(fields[idx], 10, 64)
		}
	}
	return 0, fmt.Errorf("invalid usage output: field %q not found", field)
}

func parseFieldAsUnit(ls []string, field string, idx int) (uint64, error) {
	for _, raw := range ls {
		line := strings.TrimLeft(raw, " \t")
		if strings.HasPrefix(line, field) {
			fields := strings.Fields(line)
			if idx >= len(fields) {
				return 0, fmt.Errorf("invalid usage field")
			}
			return parseUnit(fields[idx])
		}
	}
	return 0, fmt.Errorf("invalid usage output: field %q not found", field)
}

func parseUnit(unit string) (uint64, error) {
	if len(unit) < 4 {
		return 0, fmt.Errorf("invalid unit value %q", unit)
	}
	value, suffix := unit[:len(unit)-3], unit[len(unit)-3:]
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unit value: %w", err)
	}
	switch suffix {
	case "KiB":
		return uint64(v * 1024), nil
	case "MiB":
		return uint64(v * 1024 * 1024), nil
	case "GiB":
		return uint64(v * 1024 * 1024 * 1024), nil
	case "TiB":
		return uint64(v * 1024 * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("invalid unit type: %s", suffix)
	}
}

func parseExtUsage(out []byte) (uint64, error) {
	ls := lines(out)
	total, err := parseField(ls, "Block count:", 2)
	if err != nil {
		return 0, err
	}
	free, err := parseField(ls, "Free blocks:", 2)
	if err != nil {
		return 0, err
	}
	blockSize, err := parseField(ls, "Block size:", 2)
	if err != nil {
		return 0, err
	}
	return ((total - free) * blockSize) / 512, nil
}

// parseFsckClusterSize finds the "NNNN bytes per cluster" line.
func parseFsckClusterSize(ls []string) (uint64, error) {
	for _, raw := range ls {
		line := strings.TrimSpace(raw)
		if strings.HasSuffix(line, "bytes per cluster") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				break
			}
			return strconv.ParseUint(fields[0], 10, 64)
		}
	}
	return 0, fmt.Errorf("invalid dump output")
}

// parseFsckClusterSummary finds the trailing "/dev/sdX1: N files, U/T clusters" line.
func parseFsckClusterSummary(ls []string) (used, total uint64, err error) {
	for _, line := range ls {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		if len(fields) <= 3 {
			return 0, 0, fmt.Errorf("invalid dump output")
		}
		stats := fields[3]
		idx := strings.IndexByte(stats, '/')
		if idx < 0 || idx+1 >= len(stats) {
			return 0, 0, fmt.Errorf("invalid dump output")
		}
		used, uerr := strconv.ParseUint(stats[:idx], 10, 64)
		total, terr := strconv.ParseUint(stats[idx+1:], 10, 64)
		if uerr != nil || terr != nil {
			return 0, 0, fmt.Errorf("invalid dump output")
		}
		return used, total, nil
	}
	return 0, 0, fmt.Errorf("invalid dump output: EOF")
}

func parseFatUsage(out []byte) (uint64, error) {
	ls := lines(out)
	clusterSize, err := parseFsckClusterSize(ls)
	if err != nil {
		return 0, err
	}
	used, _, err := parseFsckClusterSummary(ls)
	if err != nil {
		return 0, err
	}
	return (used * clusterSize) / 512, nil
}

func parseNtfsUsage(out []byte) (uint64, error) {
	used, err := parseField(lines(out), "You might resize at", 4)
	if err != nil {
		return 0, err
	}
	return (used + 2*1024*1024) / 512, nil
}

func parseNtfsSize(out []byte) (uint64, error) {
	used, err := parseField(lines(out), "Current volume size", 3)
	if err != nil {
		return 0, err
	}
	return used / 512, nil
}

func parseBtrfsUsage(out []byte) (uint64, error) {
	used, err := parseFieldAsUnit(lines(out), "Total devices", 6)
	if err != nil {
		return 0, err
	}
	return used / 512, nil
}
