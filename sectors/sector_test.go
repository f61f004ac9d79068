package sectors_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/sectors"
)

func Test(t *testing.T) { TestingT(t) }

type sectorSuite struct{}

var _ = Suite(&sectorSuite{})

func (s *sectorSuite) geom() sectors.Geometry {
	// 500 GB disk, 512-byte sectors, matching the end-to-end scenario in
	// spec.md §8.1.
	return sectors.Geometry{SectorSize: 512, TotalSectors: 976773168}
}

func (s *sectorSuite) TestStartEndReserveTwoMebibytes(c *C) {
	g := s.geom()
	minStart := uint64(2*1024*1024) / g.SectorSize
	c.Check(sectors.Start().Resolve(g), Equals, minStart)
	c.Check(sectors.End().Resolve(g), Equals, g.TotalSectors-minStart)
}

func (s *sectorSuite) TestPercentMonotonic(c *C) {
	g := s.geom()
	prev := sectors.Percent(0).Resolve(g)
	for p := uint64(1); p <= 100; p++ {
		cur := sectors.Percent(p).Resolve(g)
		c.Check(cur >= prev, Equals, true, Commentf("percent %d not monotonic: %d < %d", p, cur, prev))
		prev = cur
	}
}

func (s *sectorSuite) TestPercentBoundaries(c *C) {
	g := s.geom()
	c.Check(sectors.Percent(0).Resolve(g), Equals, sectors.Start().Resolve(g))

	// Percent(100) uses the u16::MAX denominator, not 100, so it lands
	// close to but not exactly at End() for disk sizes that don't divide
	// evenly; it must still be within the valid range and near the end.
	p100 := sectors.Percent(100).Resolve(g)
	end := sectors.End().Resolve(g)
	c.Check(p100 <= end, Equals, true)
	diff := end - p100
	c.Check(diff < g.TotalSectors/1000, Equals, true)
}

func (s *sectorSuite) TestSaturatesAtBounds(c *C) {
	g := s.geom()
	huge := sectors.Unit(g.TotalSectors * 2)
	c.Check(huge.Resolve(g), Equals, sectors.End().Resolve(g))
}

func (s *sectorSuite) TestUnitFromEnd(c *C) {
	g := s.geom()
	c.Check(sectors.UnitFromEnd(0).Resolve(g), Equals, sectors.End().Resolve(g))
}

func (s *sectorSuite) TestMegabyte(c *C) {
	g := sectors.Geometry{SectorSize: 512, TotalSectors: 10000000}
	// 1 MiB is 2048 raw sectors, inside the reserved 2 MiB start region,
	// so Resolve clamps it to the 4096-sector minimum start.
	got := sectors.Megabyte(1).Resolve(g)
	c.Check(got, Equals, uint64(4096))
}
