// Package runnertest provides a MockCmd test double mirroring the
// teacher's testutil.MockCommand idiom (grounded on its usage across the
// pack's _test.go files, e.g. boot/fdehelper/fdehelper_test.go): install a
// fake binary on PATH that records every invocation, run code that shells
// out to it through runner.Runner, then assert on Calls().
package runnertest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MockCmd is an installed fake binary that appends its argv to a log file
// instead of doing anything real.
type MockCmd struct {
	name    string
	dir     string
	logPath string
	oldPath string
}

// C is the minimal subset of *check.C MockCommand needs, so this package
// does not force a gocheck import on every caller.
type C interface {
	Fatalf(format string, args ...interface{})
}

// callSep terminates each recorded invocation in the log file. It must
// never collide with a real argument, so Calls() can split the log back
// into one []string per call without guessing at quoting.
const callSep = "---DISTINST-MOCKCMD-CALL-END---"

// MockCommand installs name as a script on PATH that runs script (a shell
// fragment; empty means "succeed silently") and appends its invocation to
// a log file, one argv element per line followed by callSep, so Calls()
// recovers a clean, unquoted argv even for args containing spaces. Call
// Restore to remove it, typically via defer.
func MockCommand(c C, name, script string) *MockCmd {
	dir, err := os.MkdirTemp("", "distinst-mockcmd-")
	if err != nil {
		c.Fatalf("mockcmd: %v", err)
		return nil
	}

	logPath := filepath.Join(dir, name+".log")
	binPath := filepath.Join(dir, name)

	body := fmt.Sprintf(
		"#!/bin/sh\n{\n  printf '%%s\\n' \"$(basename \"$0\")\"\n  for a in \"$@\"; do printf '%%s\\n' \"$a\"; done\n  printf '%%s\\n' %q\n} >> %q\n%s\n",
		callSep, logPath, script,
	)
	if err := os.WriteFile(binPath, []byte(body), 0755); err != nil {
		c.Fatalf("mockcmd: %v", err)
		return nil
	}

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)

	return &MockCmd{name: name, dir: dir, logPath: logPath, oldPath: oldPath}
}

// Restore removes the mock binary and its directory, and resets PATH.
func (m *MockCmd) Restore() {
	os.Setenv("PATH", m.oldPath)
	os.RemoveAll(m.dir)
}

// Exe returns the full path to the mock binary, for callers that bypass
// PATH lookup.
func (m *MockCmd) Exe() string { return filepath.Join(m.dir, m.name) }

// Calls returns the argv of every invocation recorded so far: one []string
// per call, first element the binary's basename, the rest its arguments
// exactly as received (no whitespace splitting, so multi-word args and
// args containing spaces survive intact).
func (m *MockCmd) Calls() [][]string {
	data, err := os.ReadFile(m.logPath)
	if err != nil {
		return nil
	}
	var calls [][]string
	var cur []string
	for _, line := range strings.Split(string(data), "\n") {
		switch line {
		case callSep:
			calls = append(calls, cur)
			cur = nil
		case "":
		default:
			cur = append(cur, line)
		}
	}
	return calls
}
