package core

import (
	"context"
	"net"

	"tlvlink/internal/capability"
	"tlvlink/internal/peer"
	"tlvlink/internal/session"
	"tlvlink/util"
)

// Controller runs one capability over a fresh session.
type Controller struct {
	Capability capability.Capability
	Options    []session.Option
	Logger     *util.Logger
}

// ServeConn opens a session on conn, runs the capability and tears the
// session down.  A teardown failure after a successful command is only
// logged.
func (c *Controller) ServeConn(ctx context.Context, conn net.Conn) error {
	sess := session.New(conn, c.Options...)
	err := c.Capability.Handle(ctx, sess)
	if cerr := sess.Close(); cerr != nil {
		if err == nil {
			util.OrQuiet(c.Logger).Warn("session teardown: %v", cerr)
		} else {
			util.OrQuiet(c.Logger).Debug("session teardown after failure: %v", cerr)
		}
	}
	return err
}

// Agent answers commands on the connection until the controller hangs
// up.
type Agent struct {
	Peer *peer.Peer
}

func (a *Agent) ServeConn(ctx context.Context, conn net.Conn) error {
	return a.Peer.Serve(ctx, conn)
}

// NewAgentPeer returns a peer serving the filesystem family rooted at
// dir and the microphone family through the ALSA tools.  Cameras are
// left unregistered and answer NotImplemented.
func NewAgentPeer(dir string, logger *util.Logger, opts ...peer.Option) *peer.Peer {
	p := peer.New(logger, opts...)
	capability.ServeFS(p, dir)
	capability.ServeMic(p, nil)
	return p
}
