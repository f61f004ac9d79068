// Package distinsterrs defines the closed error-kind taxonomy shared by
// every component of the disk-configuration engine. Every exported function
// elsewhere in this module returns a plain error; callers recover structure
// with errors.As against *Error.
package distinsterrs

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is a closed classification of why an operation failed.
type Kind int

const (
	// InvalidInput covers malformed caller input: unknown partition,
	// out-of-range sector, unrecognized flag or filesystem name, bad
	// hostname syntax.
	InvalidInput Kind = iota
	// InvariantViolation covers a violation of one of the data-model
	// invariants in spec.md §3 (overlap, layout change, primary count,
	// out of bounds, shrink below minimum, bad root fs, missing/undersized
	// ESP, key without path, key contains root).
	InvariantViolation
	// ExternalCommandFailure covers any shelled-out tool returning a
	// non-zero exit status.
	ExternalCommandFailure
	// IoFailure covers read/write failures against a block device or
	// mounted filesystem.
	IoFailure
	// LvmLuks covers cryptsetup/LVM lifecycle failures: open failed,
	// decrypted container lacks a VG, activation failed.
	LvmLuks
	// Cancelled covers the kill switch tripping between pipeline stages.
	Cancelled
	// Unsupported covers operations the design explicitly refuses:
	// XFS shrink, LUKS-on-LVM, used-sectors queries against filesystems
	// that do not support them.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case InvariantViolation:
		return "invariant violation"
	case ExternalCommandFailure:
		return "external command failure"
	case IoFailure:
		return "io failure"
	case LvmLuks:
		return "lvm/luks failure"
	case Cancelled:
		return "cancelled"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown error kind"
	}
}

// Error is the concrete error type most exported functions in this module
// return (some parsers and loaders return plain fmt errors). It is always inspected with errors.As, never by reference
// equality, matching the teacher's ErrorMatches-by-message idiom translated
// to Go's error-wrapping conventions.
type Error struct {
	Kind Kind

	// Disk is the device path the error concerns, if any.
	Disk string
	// Stage names the executor stage in progress when the error occurred,
	// if any ("remove", "change", "create", "format").
	Stage string
	// Tool and ExitCode are populated for ExternalCommandFailure.
	Tool     string
	ExitCode int

	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping an underlying error,
// using xerrors.Errorf so %w chains stay inspectable with errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Msg: msg, Err: xerrors.Errorf("%s: %w", msg, err)}
}

// CommandFailure builds an ExternalCommandFailure error identifying the
// tool and its exit status, per spec.md §7.
func CommandFailure(tool string, exitCode int, err error) *Error {
	return &Error{
		Kind:     ExternalCommandFailure,
		Tool:     tool,
		ExitCode: exitCode,
		Msg:      fmt.Sprintf("%s exited with status %d", tool, exitCode),
		Err:      err,
	}
}

// OnDisk annotates an existing *Error with the disk device path it
// concerns, returning the same error for chaining at call sites.
func OnDisk(err *Error, disk string) *Error {
	err.Disk = disk
	return err
}

// AtStage annotates an existing *Error with the executor stage name.
func AtStage(err *Error, stage string) *Error {
	err.Stage = stage
	return err
}

// Is reports whether err is a *Error of the given kind, for
// errors.Is-style shallow checks.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
