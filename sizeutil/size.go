// Package sizeutil provides a byte-count type with the IEC human-readable
// formatting and YAML scalar (de)serialization the teacher's
// gadget/quantity package demonstrates (gadget/quantity/size_test.go).
package sizeutil

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size is a count of bytes.
type Size uint64

const (
	SizeKiB Size = 1 << 10
	SizeMiB Size = 1 << 20
	SizeGiB Size = 1 << 30
	SizeTiB Size = 1 << 40
	SizePiB Size = 1 << 50
)

// IECString renders s using IEC binary-prefix units, matching the exact
// suffix table exercised by TestIECString in the teacher.
func (s Size) IECString() string {
	suffixes := []struct {
		sz  Size
		sfx string
	}{
		{SizePiB, "PiB"},
		{SizeTiB, "TiB"},
		{SizeGiB, "GiB"},
		{SizeMiB, "MiB"},
		{SizeKiB, "KiB"},
	}
	for _, sfx := range suffixes {
		if s >= sfx.sz {
			v := float64(s) / float64(sfx.sz)
			if v == float64(int64(v)) {
				return fmt.Sprintf("%d %s", int64(v), sfx.sfx)
			}
			return fmt.Sprintf("%.2f %s", v, sfx.sfx)
		}
	}
	return fmt.Sprintf("%d B", s)
}

// String renders the raw decimal byte count, or "unspecified" for a nil
// pointer receiver (mirrors the teacher's *quantity.Size.String() idiom
// used when a size field may be unset).
func (s *Size) String() string {
	if s == nil {
		return "unspecified"
	}
	return strconv.FormatUint(uint64(*s), 10)
}

// UnmarshalYAML parses a bare integer (bytes) or an integer with an M/G
// suffix (MiB/GiB-scaled), matching TestUnmarshalYAMLSize in the teacher.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		v, err := ParseSize(raw)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	var n uint64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("cannot parse size: %w", err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML emits the raw decimal byte count.
func (s Size) MarshalYAML() (interface{}, error) {
	return uint64(s), nil
}

// ParseSize parses a decimal integer, optionally suffixed with M (MiB) or
// G (GiB), rejecting negative values and unknown suffixes with the exact
// error shapes the teacher's test table exercises.
func ParseSize(raw string) (Size, error) {
	if raw == "" {
		return 0, fmt.Errorf("cannot parse size %q: no numerical prefix", raw)
	}
	if strings.HasPrefix(raw, "-") {
		return 0, fmt.Errorf("cannot parse size %q: size cannot be negative", raw)
	}

	i := 0
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("cannot parse size %q: no numerical prefix", raw)
	}
	n, err := strconv.ParseUint(raw[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse size %q: %w", raw, err)
	}
	suffix := raw[i:]
	switch suffix {
	case "":
		return Size(n), nil
	case "M":
		return Size(n) * SizeMiB, nil
	case "G":
		return Size(n) * SizeGiB, nil
	default:
		return 0, fmt.Errorf("cannot parse size %q: invalid suffix %q", raw, suffix)
	}
}
