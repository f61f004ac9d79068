// Package runner implements the uniform external-tool driver spec.md §7
// describes (C2): every shelled-out command (parted/sfdisk, cryptsetup,
// the LVM toolchain, mkfs.*, *resize, blockdev, udevadm) goes through one
// argv-in/typed-result-out entry point so the executor, resize engine, and
// mount orchestrator never call os/exec directly.
package runner

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/retry.v1"

	"github.com/pop-os/distinst-go/distinsterrs"
)

// Runner drives external tools with a shared rate limiter, so a pipeline
// stage that fans many format/resize operations out in parallel does not
// overwhelm the block layer with concurrent ioctls.
type Runner struct {
	limiter *rate.Limiter
	dryRun  bool
}

// New builds a Runner allowing up to burst concurrent command starts and
// refilling at rate tokens/sec thereafter.
func New(rateLimit float64, burst int) *Runner {
	return &Runner{limiter: rate.NewLimiter(rate.Limit(rateLimit), burst)}
}

// NewUnlimited builds a Runner with no rate limiting, for use in tests and
// single-shot CLI invocations.
func NewUnlimited() *Runner {
	return &Runner{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// SetDryRun makes Run, RunContext and RunWithStdin return empty output
// without invoking the command.
func (r *Runner) SetDryRun(dry bool) { r.dryRun = dry }

// Run executes name with args, waiting on the rate limiter first, and
// returns combined semantics matching the teacher's MockCommand idiom:
// stdout on success, a *distinsterrs.Error on non-zero exit.
func (r *Runner) Run(name string, args ...string) ([]byte, error) {
	return r.RunContext(context.Background(), name, args...)
}

// RunContext is Run with caller-supplied cancellation, used by stages that
// must honor the kill switch (cancel.Switch) mid-command.
func (r *Runner) RunContext(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.Cancelled, err, "waiting to run %s", name)
	}

	if r.dryRun {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return stdout.Bytes(), distinsterrs.CommandFailure(name, exitCode, errorWithStderr(err, stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// RunWithStdin is Run but feeds stdin to the child process, for tools that
// prompt for confirmation on stdin (ntfsresize's dry-run "y" answer).
func (r *Runner) RunWithStdin(stdin, name string, args ...string) ([]byte, error) {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return nil, distinsterrs.Wrap(distinsterrs.Cancelled, err, "waiting to run %s", name)
	}

	if r.dryRun {
		return nil, nil
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = bytes.NewBufferString(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return stdout.Bytes(), distinsterrs.CommandFailure(name, exitCode, errorWithStderr(err, stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func errorWithStderr(err error, stderr []byte) error {
	if len(stderr) == 0 {
		return err
	}
	return &stderrError{err: err, stderr: stderr}
}

type stderrError struct {
	err    error
	stderr []byte
}

func (e *stderrError) Error() string { return string(e.stderr) }
func (e *stderrError) Unwrap() error { return e.err }

// retryStrategy allows up to three attempts one second apart for
// blockdev --flushbufs, which can transiently fail while the kernel still
// holds the device open from a just-finished format.
var retryStrategy = retry.LimitCount(3, retry.Regular{
	Total: 3 * time.Second,
	Delay: time.Second,
	Min:   3,
})

// RunWithRetry retries a command against retryStrategy, for tools known to
// fail transiently (blockdev --flushbufs immediately after a format).
func (r *Runner) RunWithRetry(name string, args ...string) ([]byte, error) {
	var out []byte
	var err error
	for a := retry.StartWithCancel(retryStrategy, nil, nil); a.Next(); {
		out, err = r.Run(name, args...)
		if err == nil {
			return out, nil
		}
		if !a.More() {
			break
		}
	}
	return out, err
}

// Flush runs blockdev --flushbufs against dev with retry, per spec.md §7's
// "flush after every destructive write" rule.
func (r *Runner) Flush(dev string) error {
	_, err := r.RunWithRetry("blockdev", "--flushbufs", dev)
	return err
}
