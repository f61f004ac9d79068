package disks

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/pop-os/distinst-go/disk"
	"github.com/pop-os/distinst-go/filesystem"
	"github.com/pop-os/distinst-go/logical"
	"github.com/pop-os/distinst-go/partition"
	"github.com/pop-os/distinst-go/sizeutil"
)

// yamlPartition is one partition entry of a declarative disk layout
// (spec.md §1's "declarative description of a desired partition
// layout"): enough of partition.Partition's builder-facing fields to
// reconstruct a target Disk for diskops.Plan.
type yamlPartition struct {
	Start      uint64            `yaml:"start"`
	End        uint64            `yaml:"end"`
	Type       string            `yaml:"type"`
	Filesystem string            `yaml:"filesystem"`
	Flags      []string          `yaml:"flags,omitempty"`
	Target     string            `yaml:"target,omitempty"`
	Name       string            `yaml:"name,omitempty"`
	Subvolumes map[string]string `yaml:"subvolumes,omitempty"`
}

type yamlDisk struct {
	Device      string          `yaml:"device"`
	Table       string          `yaml:"table"`
	Relabel     bool            `yaml:"relabel,omitempty"`
	SizeSectors uint64          `yaml:"size_sectors,omitempty"`
	SectorSize  uint64          `yaml:"sector_size,omitempty"`
	Partitions  []yamlPartition `yaml:"partitions"`
}

type yamlLogicalVolume struct {
	Name       string        `yaml:"name"`
	Size       sizeutil.Size `yaml:"size,omitempty"`
	Filesystem string        `yaml:"filesystem"`
	Target     string        `yaml:"target,omitempty"`
}

type yamlVolumeGroup struct {
	Name           string              `yaml:"name"`
	SectorSize     uint64              `yaml:"sector_size,omitempty"`
	LogicalVolumes []yamlLogicalVolume `yaml:"logical_volumes"`
}

type yamlLayout struct {
	Disks        []yamlDisk        `yaml:"disks"`
	VolumeGroups []yamlVolumeGroup `yaml:"volume_groups,omitempty"`
}

// Load parses a declarative target layout, the YAML shape an external
// caller hands in describing physical disks, their partitions, and any
// LVM volume groups and logical volumes to create. It never probes
// hardware: the returned Disks is a target to diff against a probed one,
// not a live aggregate.
func Load(data []byte) (*Disks, error) {
	var layout yamlLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("parsing declarative disk layout: %w", err)
	}

	out := &Disks{pvMap: map[string]PVInfo{}}

	for _, yd := range layout.Disks {
		table, err := disk.ParseTable(yd.Table)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", yd.Device, err)
		}
		d := disk.New(yd.Device, yd.SizeSectors, yd.SectorSize)
		d.Table = table
		d.Relabel = yd.Relabel

		for _, yp := range yd.Partitions {
			p, err := decodePartition(yp)
			if err != nil {
				return nil, fmt.Errorf("disk %s: %w", yd.Device, err)
			}
			d.Partitions = append(d.Partitions, p)
		}
		out.Physical = append(out.Physical, d)
	}

	for _, yvg := range layout.VolumeGroups {
		sectorSize := yvg.SectorSize
		if sectorSize == 0 {
			sectorSize = 512
		}
		dev := logical.New(yvg.Name, sectorSize)
		for _, lv := range yvg.LogicalVolumes {
			fs, err := filesystem.ParseName(lv.Filesystem)
			if err != nil {
				return nil, fmt.Errorf("volume group %s, lv %s: %w", yvg.Name, lv.Name, err)
			}
			sizeSectors := uint64(lv.Size) / sectorSize
			p := partition.New(0, sizeSectors, partition.Primary, fs)
			name := lv.Name
			p.Name = &name
			if lv.Target != "" {
				p.SetMount(lv.Target)
			}
			dev.Partitions = append(dev.Partitions, p)
		}
		out.Logical = append(out.Logical, dev)
	}

	return out, nil
}

func decodePartition(yp yamlPartition) (*partition.Partition, error) {
	partType, err := partition.ParseType(yp.Type)
	if err != nil {
		return nil, err
	}
	fs, err := filesystem.ParseName(yp.Filesystem)
	if err != nil {
		return nil, err
	}
	p := partition.New(yp.Start, yp.End, partType, fs)
	if yp.Target != "" {
		p.SetMount(yp.Target)
	}
	if yp.Name != "" {
		name := yp.Name
		p.Name = &name
	}
	for k, v := range yp.Subvolumes {
		p.Subvolumes[k] = v
	}
	for _, fn := range yp.Flags {
		flag, err := partition.ParseFlag(fn)
		if err != nil {
			return nil, err
		}
		p.Flags.Add(flag)
	}
	return p, nil
}

// Dump renders d as the same declarative YAML shape Load consumes, the
// round trip an installer frontend uses to persist or replay a layout a
// user constructed interactively.
func Dump(d *Disks) ([]byte, error) {
	var layout yamlLayout

	for _, phys := range d.Physical {
		yd := yamlDisk{
			Device:      phys.DevicePath,
			Table:       phys.Table.String(),
			Relabel:     phys.Relabel,
			SizeSectors: phys.SizeSectors,
			SectorSize:  phys.SectorSizeBytes,
		}
		for _, p := range phys.Partitions {
			yd.Partitions = append(yd.Partitions, encodePartition(p))
		}
		layout.Disks = append(layout.Disks, yd)
	}

	for _, dev := range d.Logical {
		yvg := yamlVolumeGroup{Name: dev.VolumeGroup, SectorSize: dev.SectorSize}
		for _, p := range dev.Partitions {
			name := ""
			if p.Name != nil {
				name = *p.Name
			}
			target := ""
			if p.Target != nil {
				target = *p.Target
			}
			yvg.LogicalVolumes = append(yvg.LogicalVolumes, yamlLogicalVolume{
				Name:       name,
				Size:       sizeutil.Size(p.Sectors() * dev.SectorSize),
				Filesystem: p.Filesystem.String(),
				Target:     target,
			})
		}
		layout.VolumeGroups = append(layout.VolumeGroups, yvg)
	}

	out, err := yaml.Marshal(&layout)
	if err != nil {
		return nil, fmt.Errorf("rendering declarative disk layout: %w", err)
	}
	return out, nil
}

func encodePartition(p *partition.Partition) yamlPartition {
	yp := yamlPartition{
		Start:      p.StartSector,
		End:        p.EndSector,
		Type:       p.PartType.String(),
		Filesystem: p.Filesystem.String(),
	}
	if p.Target != nil {
		yp.Target = *p.Target
	}
	if p.Name != nil {
		yp.Name = *p.Name
	}
	if len(p.Subvolumes) > 0 {
		yp.Subvolumes = p.Subvolumes
	}
	for f := range p.Flags {
		yp.Flags = append(yp.Flags, f.String())
	}
	return yp
}
