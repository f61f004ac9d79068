// Package cancel implements the process-wide kill switch spec.md §5
// describes: the executor, resize engine, and mount orchestrator all poll
// or select on the same Switch so a UI cancel request (or external D-Bus
// signal) takes effect at the next stage boundary rather than mid-write.
package cancel

import (
	"context"

	"github.com/godbus/dbus/v5"
	"gopkg.in/tomb.v2"

	"github.com/pop-os/distinst-go/distinsterrs"
)

// Switch is a one-shot, idempotent cancellation signal shared by every
// long-running pipeline stage.
type Switch struct {
	t tomb.Tomb
}

// New returns an armed Switch. Cancel trips it; Context/Done/Err observe
// it.
func New() *Switch { return &Switch{} }

// Cancel trips the switch. Safe to call more than once and from any
// goroutine.
func (s *Switch) Cancel() { s.t.Kill(distinsterrs.New(distinsterrs.Cancelled, "operation cancelled")) }

// Cancelled reports whether Cancel has been called.
func (s *Switch) Cancelled() bool {
	select {
	case <-s.t.Dying():
		return true
	default:
		return false
	}
}

// Done returns a channel closed once Cancel has been called, for use in
// select statements alongside blocking I/O.
func (s *Switch) Done() <-chan struct{} { return s.t.Dying() }

// Err returns the Cancelled error once tripped, nil otherwise.
func (s *Switch) Err() error {
	if !s.Cancelled() {
		return nil
	}
	return distinsterrs.New(distinsterrs.Cancelled, "operation cancelled")
}

// Context derives a context.Context that is cancelled when the switch
// trips, for passing into runner.Runner.RunContext.
func (s *Switch) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WatchDBusSignal arms an optional external cancellation trigger: the first
// signal delivered on conn from the object path matchRule trips the
// switch. This
// lets a desktop installer front-end cancel a running disk operation
// without holding a reference to the Switch across process boundaries.
func (s *Switch) WatchDBusSignal(conn *dbus.Conn, matchRule string) error {
	if err := conn.AddMatchSignal(dbus.WithMatchOption("type", "signal"), dbus.WithMatchOption("path", matchRule)); err != nil {
		return distinsterrs.Wrap(distinsterrs.IoFailure, err, "watching cancel signal %s", matchRule)
	}

	ch := make(chan *dbus.Signal, 1)
	conn.Signal(ch)
	go func() {
		for range ch {
			s.Cancel()
			return
		}
	}()
	return nil
}
