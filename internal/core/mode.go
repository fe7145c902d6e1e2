// Package core is the orchestration layer.  It composes transports,
// sessions and capabilities into runnable modes and provides a builder
// that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	tlv  →  channel / pipe  →  session  →  capability  →  core  →  cmd
//
// Who dials and who serves are independent: a controller can dial an
// agent or wait for one to call back, and likewise for the agent.
package core

import (
	"context"
	"net"
)

// Mode is one complete run of tlvlink, from connection establishment
// to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// ConnHandler drives an established connection until its work is done.
// It does not close conn; the mode that produced it does.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}
