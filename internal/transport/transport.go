// Package transport establishes the byte stream a session runs over.
// Dialers reach an agent (plain TCP, through an SSH bastion, or as a
// binary websocket); listeners wait for an agent that connects back.
// Nothing here knows about frames or tags.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections.
type Dialer interface {
	// Dial establishes a connection to address.  network is "tcp" for
	// every dialer in this package.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources such as an SSH client.
	// Stateless dialers return nil.
	Close() error
}

// Listener accepts inbound connections.  Accept returns when a peer
// connects, ctx ends, or the listener is closed.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}
