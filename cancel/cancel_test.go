package cancel_test

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/pop-os/distinst-go/cancel"
	"github.com/pop-os/distinst-go/distinsterrs"
)

func Test(t *testing.T) { TestingT(t) }

type cancelSuite struct{}

var _ = Suite(&cancelSuite{})

func (s *cancelSuite) TestNotCancelledInitially(c *C) {
	sw := cancel.New()
	c.Check(sw.Cancelled(), Equals, false)
	c.Check(sw.Err(), IsNil)
}

func (s *cancelSuite) TestCancelTripsSwitch(c *C) {
	sw := cancel.New()
	sw.Cancel()
	c.Check(sw.Cancelled(), Equals, true)
	c.Assert(sw.Err(), NotNil)
	c.Check(distinsterrs.Is(sw.Err(), distinsterrs.Cancelled), Equals, true)
}

func (s *cancelSuite) TestCancelIsIdempotent(c *C) {
	sw := cancel.New()
	sw.Cancel()
	sw.Cancel()
	c.Check(sw.Cancelled(), Equals, true)
}

func (s *cancelSuite) TestDoneChannelClosesOnCancel(c *C) {
	sw := cancel.New()
	sw.Cancel()
	select {
	case <-sw.Done():
	case <-time.After(time.Second):
		c.Fatal("Done channel did not close after Cancel")
	}
}

func (s *cancelSuite) TestContextCancelledOnSwitch(c *C) {
	sw := cancel.New()
	ctx, cancelFn := sw.Context(context.Background())
	defer cancelFn()
	sw.Cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		c.Fatal("derived context was not cancelled")
	}
}
