// Package diskops implements the diff planner (spec.md §4.7, C7): given a
// freshly re-probed source Disk and a user-constructed target Disk for
// the same device, produces the DiskOps the executor replays.
package diskops

import (
	"sort"

	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/distinsterrs"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/partition"
)

// PartitionChange is an in-place mutation of an existing partition: a
// geometry change, a flag-set change, or both.
type PartitionChange struct {
	Num           int
	Kind          partition.Type
	Start, End    uint64
	Filesystem    filesystem.FS
	FlagDiffToSet partition.FlagSet
	NewFlagSet    partition.FlagSet
	Label         *string
}

// PartitionCreate describes a brand-new partition the executor's Create
// stage must carve out.
type PartitionCreate struct {
	Start, End uint64
	Filesystem filesystem.FS
	Kind       partition.Type
	Flags      partition.FlagSet
	Label      *string
	Format     bool
}

// DiskOps is the planner's output for one disk.
type DiskOps struct {
	Relabel    *disk.Table
	DevicePath string
	Remove     []uint64
	Change     []PartitionChange
	Create     []PartitionCreate
}

// pair matches a probed source partition to its target counterpart by
// SOURCE+Number (spec.md §4.3 is_same_partition_as).
type pair struct {
	source *partition.Partition
	target *partition.Partition
}

// Plan implements spec.md §4.7 steps 1-5.
func Plan(source, target *disk.Disk) (*DiskOps, error) {
	ops := &DiskOps{DevicePath: source.DevicePath}

	if target.Relabel {
		table := target.Table
		ops.Relabel = &table
		for _, t := range target.Partitions {
			ops.Create = append(ops.Create, newPartitionCreate(t))
		}
		return ops, nil
	}

	pairs, err := matchLayout(source, target)
	if err != nil {
		return nil, err
	}

	sortPairsForSafeTransition(pairs)

	matchedTargets := make(map[*partition.Partition]bool, len(pairs))
	for _, pr := range pairs {
		matchedTargets[pr.target] = true

		switch {
		case pr.target.Bits.Has(partition.BitRemove):
			ops.Remove = append(ops.Remove, pr.source.StartSector)

		case pr.target.Bits.Has(partition.BitFormat) || pr.target.Filesystem != pr.source.Filesystem:
			ops.Remove = append(ops.Remove, pr.source.StartSector)
			ops.Create = append(ops.Create, PartitionCreate{
				Start:      pr.target.StartSector,
				End:        pr.target.EndSector,
				Filesystem: pr.target.Filesystem,
				Kind:       pr.target.PartType,
				Flags:      pr.target.Flags,
				Label:      pr.target.Name,
				Format:     true,
			})

		case pr.source.RequiresChanges(pr.target):
			ops.Change = append(ops.Change, PartitionChange{
				Num:           pr.source.Number,
				Kind:          pr.target.PartType,
				Start:         pr.target.StartSector,
				End:           pr.target.EndSector,
				Filesystem:    pr.source.Filesystem,
				FlagDiffToSet: pr.target.Flags.Diff(pr.source.Flags),
				NewFlagSet:    pr.target.Flags,
				Label:         pr.target.Name,
			})
		}
	}

	for _, t := range target.Partitions {
		if t.Bits.Has(partition.BitSource) {
			continue
		}
		ops.Create = append(ops.Create, newPartitionCreate(t))
	}

	return ops, nil
}

func newPartitionCreate(t *partition.Partition) PartitionCreate {
	return PartitionCreate{
		Start:      t.StartSector,
		End:        t.EndSector,
		Filesystem: t.Filesystem,
		Kind:       t.PartType,
		Flags:      t.Flags,
		Label:      t.Name,
		Format:     true,
	}
}

// matchLayout validates spec.md §4.7 step 2: every source partition must
// appear in target with SOURCE set and the same number, in source order.
func matchLayout(source, target *disk.Disk) ([]pair, error) {
	var targetSourceParts []*partition.Partition
	for _, t := range target.Partitions {
		if t.Bits.Has(partition.BitSource) {
			targetSourceParts = append(targetSourceParts, t)
		}
	}

	if len(targetSourceParts) != len(source.Partitions) {
		return nil, distinsterrs.New(distinsterrs.InvariantViolation,
			"layout changed: target has %d source partitions, expected %d (LayoutChanged)", len(targetSourceParts), len(source.Partitions))
	}

	pairs := make([]pair, len(source.Partitions))
	for i, s := range source.Partitions {
		t := targetSourceParts[i]
		if t.Number != s.Number {
			return nil, distinsterrs.New(distinsterrs.InvariantViolation,
				"layout changed: expected partition %d at position %d, found %d (LayoutChanged)", s.Number, i, t.Number)
		}
		pairs[i] = pair{source: s, target: t}
	}
	return pairs, nil
}

// sortPairsForSafeTransition implements spec.md §4.7 step 3: a pair whose
// target end still crosses the following pair's original start (i.e. it
// is shrinking into territory the next partition currently occupies)
// must be emitted before that following pair, so the mover never sees a
// transient overlap.
func sortPairsForSafeTransition(pairs []pair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		aMustPrecedeB := a.target.EndSector > b.source.StartSector && a.target.EndSector <= a.source.EndSector
		bMustPrecedeA := b.target.EndSector > a.source.StartSector && b.target.EndSector <= b.source.EndSector
		switch {
		case aMustPrecedeB && !bMustPrecedeA:
			return true
		case bMustPrecedeA && !aMustPrecedeB:
			return false
		default:
			return a.source.Number < b.source.Number
		}
	})
}
