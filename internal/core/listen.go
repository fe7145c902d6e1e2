package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"tlvlink/internal/transport"
	"tlvlink/util"
)

// ListenMode waits for the other end to connect and hands each
// connection to Handler.  With KeepOpen it serves connections
// concurrently until ctx ends; otherwise it serves one and returns.
type ListenMode struct {
	Listen   func() (transport.Listener, error)
	Handler  ConnHandler
	KeepOpen bool
	Logger   *util.Logger
}

// Run binds the listener and dispatches accepted connections.  A
// cancelled ctx ends the wait cleanly.
func (m *ListenMode) Run(ctx context.Context) error {
	log := util.OrQuiet(m.Logger)

	ln, err := m.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("listening on %s", ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Verbose("connection from %s", conn.RemoteAddr())

		if !m.KeepOpen {
			return m.serveConn(ctx, conn)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.serveConn(ctx, conn); err != nil {
				log.Warn("%s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (m *ListenMode) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	return m.Handler.ServeConn(ctx, conn)
}
