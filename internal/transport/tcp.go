package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	tlerr "tlvlink/internal/errors"
	"tlvlink/util"
)

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source port.
type TCPDialer struct {
	Timeout   time.Duration
	LocalPort int // 0 = ephemeral
	Logger    *util.Logger
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}

	if d.LocalPort > 0 {
		a, err := net.ResolveTCPAddr(network, fmt.Sprintf(":%d", d.LocalPort))
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	util.OrQuiet(d.Logger).Debug("tcp: dialing %s", address)
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, tlerr.Wrap("dial", address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are written whole; do not let Nagle hold back a request.
		tc.SetNoDelay(true) //nolint:errcheck
	}
	return conn, nil
}

// Close is a no-op for TCP.
func (d *TCPDialer) Close() error { return nil }

// TCPListener accepts agents on a TCP port.
type TCPListener struct {
	ln     *net.TCPListener
	logger *util.Logger
}

// ListenTCP binds address ("host:port", host may be empty).
func ListenTCP(address string, logger *util.Logger) (*TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, tlerr.Wrap("listen", address, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener), logger: util.OrQuiet(logger)}, nil
}

// Accept waits for one connection.  A cancelled ctx interrupts the wait
// without closing the listener.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			l.ln.SetDeadline(time.Time{}) //nolint:errcheck
			return nil, ctx.Err()
		}
		return nil, tlerr.Wrap("accept", l.ln.Addr().String(), err)
	}
	l.logger.Verbose("tcp: connection from %s", conn.RemoteAddr())
	return conn, nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Close() error { return l.ln.Close() }
