// Package executor implements the diff-plan replay engine (spec.md
// §4.8, C8): a linear four-stage state machine — Remove, Change, Create,
// Format — that replays a diskops.DiskOps against the live disk,
// committing and syncing between stages, with a deferred resize queue
// processed after the Change stage and a parallel format stage.
package executor

import (
	"runtime"
	"strconv"

	"github.com/canonical/cpuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pop-os/distinst-go/cancel"
	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/diskops"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/journal"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/resize"
	"github.com/pop-os/distinst-go/runner"
)

// Executor replays a diskops.DiskOps against a live disk.Disk.
type Executor struct {
	Runner  *runner.Runner
	Switch  *cancel.Switch
	Journal *journal.Journal // optional; nil disables journaling

	// Workers bounds the format stage's parallel mkfs fan-out. Zero means
	// "use hardware concurrency" (set in New).
	Workers int
}

// New builds an Executor, sizing the format stage's worker pool off the
// detected core count and logging it once at startup.
func New(r *runner.Runner, sw *cancel.Switch, j *journal.Journal) *Executor {
	workers := cpuid.CPU.LogicalCores
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	logrus.WithFields(logrus.Fields{
		"logical_cores":  cpuid.CPU.LogicalCores,
		"physical_cores": cpuid.CPU.PhysicalCores,
		"format_workers": workers,
	}).Info("executor: sized format stage worker pool")

	return &Executor{Runner: r, Switch: sw, Journal: j, Workers: workers}
}

func (e *Executor) record(diskPath, stage, detail string) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Record(diskPath, stage, detail); err != nil {
		logrus.WithError(err).Warn("executor: journal write failed")
	}
}

func (e *Executor) cancelled() error {
	if e.Switch != nil && e.Switch.Cancelled() {
		return e.Switch.Err()
	}
	return nil
}

// Commit replays ops against d in the fixed stage order: Remove, Change,
// Create, Format (spec.md §4.8).
func (e *Executor) Commit(d *disk.Disk, ops *diskops.DiskOps) error {
	if err := e.cancelled(); err != nil {
		return err
	}
	if err := e.removeStage(d, ops); err != nil {
		return atStage(err, "remove")
	}
	if err := e.cancelled(); err != nil {
		return err
	}
	if err := e.changeStage(d, ops); err != nil {
		return atStage(err, "change")
	}
	if err := e.cancelled(); err != nil {
		return err
	}
	toFormat, err := e.createStage(d, ops)
	if err != nil {
		return atStage(err, "create")
	}
	if err := e.cancelled(); err != nil {
		return err
	}
	if err := e.formatStage(toFormat); err != nil {
		return atStage(err, "format")
	}
	return nil
}

// asError normalizes any error into *distinsterrs.Error, wrapping plain
// errors (e.g. from os/exec) as ExternalCommandFailure.
func asError(err error) *distinsterrs.Error {
	de := asErrorOrNil(err)
	if de == nil {
		return distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "executor stage failed")
	}
	return de
}

func asErrorOrNil(err error) *distinsterrs.Error {
	if de, ok := err.(*distinsterrs.Error); ok {
		return de
	}
	return nil
}

// atStage annotates err with the stage name it failed in, falling back
// to a generic wrap if err did not already carry the taxonomy.
func atStage(err error, stage string) error {
	de := asErrorOrNil(err)
	if de == nil {
		de = distinsterrs.Wrap(distinsterrs.ExternalCommandFailure, err, "stage %s failed", stage)
	}
	return distinsterrs.AtStage(de, stage)
}

// removeStage relabels the disk wholesale, or deletes each partition
// named by its pre-change start sector.
func (e *Executor) removeStage(d *disk.Disk, ops *diskops.DiskOps) error {
	if ops.Relabel != nil {
		if _, err := e.Runner.Run("parted", "--script", d.DevicePath, "mklabel", ops.Relabel.String()); err != nil {
			return asError(err)
		}
		d.Mklabel(*ops.Relabel)
		e.record(d.DevicePath, "remove", "mklabel "+ops.Relabel.String())
		if err := e.Runner.Flush(d.DevicePath); err != nil {
			return asError(err)
		}
		return nil
	}

	for _, start := range ops.Remove {
		p := d.FindByStart(start)
		if p == nil {
			return distinsterrs.New(distinsterrs.InvalidInput, "no partition at start sector %d", start)
		}
		if err := e.deletePartition(d, p.Number); err != nil {
			return err
		}
		e.record(d.DevicePath, "remove", "deleted partition "+strconv.Itoa(p.Number))
	}
	if len(ops.Remove) > 0 {
		if err := e.Runner.Flush(d.DevicePath); err != nil {
			return asError(err)
		}
	}
	return nil
}

// assignGPTIdentity stamps a freshly created GPT partition with its
// discoverable-partitions-spec type GUID and a generated PARTUUID via
// sgdisk, parted's mkpart having no way to set either. newP.Identifiers is
// updated with the assigned PARTUUID so downstream fstab/crypttab
// generation (mount.GenerateFstab et al.) can reference it.
func (e *Executor) assignGPTIdentity(d *disk.Disk, newP *partition.Partition) error {
	num := strconv.Itoa(newP.Number)
	typeGUID := newP.GUIDForFlags().String()
	if _, err := e.Runner.Run("sgdisk", "--typecode="+num+":"+typeGUID, d.DevicePath); err != nil {
		return asError(err)
	}
	partUUID := partition.NewPartUUID()
	if _, err := e.Runner.Run("sgdisk", "--partition-guid="+num+":"+partUUID, d.DevicePath); err != nil {
		return asError(err)
	}
	newP.Identifiers.PartUUID = partUUID
	return nil
}

func (e *Executor) deletePartition(d *disk.Disk, num int) error {
	if _, err := e.Runner.Run("parted", "--script", d.DevicePath, "rm", strconv.Itoa(num)); err != nil {
		return asError(err)
	}
	d.DeletePartitionHard(num)
	return nil
}

// deferredResize is one PartitionChange whose geometry actually moved,
// queued for the resize engine after the in-place changes commit.
type deferredResize struct {
	change diskops.PartitionChange
	old    resize.Bounds
}

// changeStage applies flag/label changes in place and defers any
// geometry change to the resize engine, per spec.md §4.8's Change stage.
func (e *Executor) changeStage(d *disk.Disk, ops *diskops.DiskOps) error {
	var deferred []deferredResize

	for _, ch := range ops.Change {
		p := d.FindByNumber(ch.Num)
		if p == nil {
			return distinsterrs.New(distinsterrs.InvalidInput, "no partition numbered %d", ch.Num)
		}

		for f := range ch.FlagDiffToSet {
			if err := d.AddFlags(p.Number, f); err != nil {
				return err
			}
		}
		if ch.Label != nil {
			if err := d.SetName(p.Number, *ch.Label); err != nil {
				return err
			}
		}

		if p.StartSector != ch.Start || p.EndSector != ch.End {
			deferred = append(deferred, deferredResize{
				change: ch,
				old:    resize.Bounds{Start: p.StartSector, End: p.EndSector},
			})
			continue
		}

		e.record(d.DevicePath, "change", "applied flags/label to partition "+strconv.Itoa(p.Number))
	}

	if len(ops.Change) > 0 {
		if err := e.Runner.Flush(d.DevicePath); err != nil {
			return asError(err)
		}
	}

	for _, dr := range deferred {
		if err := e.cancelled(); err != nil {
			return err
		}
		if err := e.resolveResize(d, dr); err != nil {
			return err
		}
	}
	return nil
}

// resolveResize drives the resize engine for one deferred geometry
// change, replaying its delete/create callbacks against the live disk.
func (e *Executor) resolveResize(d *disk.Disk, dr deferredResize) error {
	ch := dr.change
	devicePath := d.PartitionDevicePath(ch.Num)

	op := resize.Operation{
		SectorSize: d.SectorSizeBytes,
		Old:        dr.old,
		New:        resize.Bounds{Start: ch.Start, End: ch.End},
	}

	del := func() error { return e.deletePartition(d, ch.Num) }
	create := func(start, end uint64, fs filesystem.FS, flags partition.FlagSet, label *string, kind partition.Type) (int, string, error) {
		newP := partition.New(start, end, kind, fs)
		newP.Number = d.NextPartitionNumber()
		newP.Flags = flags
		newP.Name = label
		newP.Bits.Set(partition.BitSource)
		newP.Bits.Clear(partition.BitFormat)
		if err := d.AddPartition(newP); err != nil {
			return 0, "", err
		}
		if _, err := e.Runner.Run("parted", "--script", d.DevicePath, "mkpart", kind.String(), strconv.FormatUint(start, 10), strconv.FormatUint(end, 10)); err != nil {
			return 0, "", asError(err)
		}
		if d.Table == disk.TableGpt {
			if err := e.assignGPTIdentity(d, newP); err != nil {
				return 0, "", err
			}
		}
		return newP.Number, d.PartitionDevicePath(newP.Number), nil
	}

	num, _, err := resize.Execute(e.Runner, op, devicePath, ch.Filesystem, ch.NewFlagSet, ch.Label, ch.Kind, del, create, e.Switch)
	if err != nil {
		return err
	}
	e.record(d.DevicePath, "change", "resized/moved partition to number "+strconv.Itoa(num))
	return e.Runner.Flush(d.DevicePath)
}

// toFormat is one freshly created partition awaiting its format tool.
type toFormat struct {
	path string
	fs   filesystem.FS
}

// createStage carves out every PartitionCreate and returns the set that
// need formatting (everything but Extended containers).
func (e *Executor) createStage(d *disk.Disk, ops *diskops.DiskOps) ([]toFormat, error) {
	var pending []toFormat

	for _, cr := range ops.Create {
		newP := partition.New(cr.Start, cr.End, cr.Kind, cr.Filesystem)
		newP.Number = d.NextPartitionNumber()
		newP.Flags = cr.Flags
		newP.Name = cr.Label
		newP.Bits.Set(partition.BitSource)
		newP.Bits.Clear(partition.BitFormat)

		if err := d.AddPartition(newP); err != nil {
			return nil, err
		}

		if _, err := e.Runner.Run("parted", "--script", d.DevicePath, "mkpart", cr.Kind.String(),
			strconv.FormatUint(cr.Start, 10), strconv.FormatUint(cr.End, 10)); err != nil {
			return nil, asError(err)
		}
		for f := range cr.Flags {
			if err := d.AddFlags(newP.Number, f); err != nil {
				return nil, err
			}
		}
		if d.Table == disk.TableGpt {
			if err := e.assignGPTIdentity(d, newP); err != nil {
				return nil, err
			}
		}
		e.record(d.DevicePath, "create", "created partition "+strconv.Itoa(newP.Number))

		if cr.Kind != partition.Extended && cr.Format {
			pending = append(pending, toFormat{path: d.PartitionDevicePath(newP.Number), fs: cr.Filesystem})
		}
	}

	if len(ops.Create) > 0 {
		if _, err := e.Runner.RunWithRetry("blockdev", "--flushbufs", "--rereadpt", d.DevicePath); err != nil {
			return nil, asError(err)
		}
	}
	return pending, nil
}

// formatStage runs mkfs.<fs> for every pending partition in parallel,
// bounded by e.Workers (spec.md §5: "N = hardware-concurrency workers").
func (e *Executor) formatStage(pending []toFormat) error {
	if len(pending) == 0 {
		return nil
	}

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var g errgroup.Group
	for _, tf := range pending {
		tf := tf
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			info := filesystem.Lookup(tf.fs)
			if info.FormatTool == "" {
				return nil
			}
			if _, err := e.Runner.Run(info.FormatTool, tf.path); err != nil {
				return asError(err)
			}
			e.record(tf.path, "format", info.FormatTool+" "+tf.path)
			return nil
		})
	}
	return g.Wait()
}
