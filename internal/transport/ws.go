package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	tlerr "tlvlink/internal/errors"
	"tlvlink/util"
)

// DefaultWSPath is the HTTP path the websocket transport upgrades on.
const DefaultWSPath = "/tlv"

// WSDialer reaches an agent that serves the websocket transport.  Each
// frame travels as one binary message.
type WSDialer struct {
	Path    string // default DefaultWSPath
	Timeout time.Duration
	Header  http.Header

	// Via carries the underlying TCP connection, e.g. an SSHDialer.
	// Nil dials directly.
	Via    Dialer
	Logger *util.Logger
}

// Dial performs the websocket handshake with ws://address/Path.
func (d *WSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	path := d.Path
	if path == "" {
		path = DefaultWSPath
	}
	url := "ws://" + address + path

	wd := websocket.Dialer{HandshakeTimeout: d.Timeout}
	if d.Via != nil {
		wd.NetDialContext = d.Via.Dial
	}

	util.OrQuiet(d.Logger).Debug("ws: dialing %s", url)
	ws, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %s)", err, resp.Status)
		}
		return nil, tlerr.Wrap("dial", url, err)
	}
	return newWSConn(ws), nil
}

// Close closes Via when set.
func (d *WSDialer) Close() error {
	if d.Via != nil {
		return d.Via.Close()
	}
	return nil
}

// WSListener accepts agents connecting over websockets.  It is an
// http.Handler, so it can be mounted on any server; ListenWS runs one
// of its own.
type WSListener struct {
	path     string
	upgrader websocket.Upgrader
	logger   *util.Logger

	conns chan net.Conn
	done  chan struct{}
	once  sync.Once

	ln  net.Listener
	srv *http.Server
}

// NewWSListener returns a listener that upgrades requests for path.
func NewWSListener(path string, logger *util.Logger) *WSListener {
	if path == "" {
		path = DefaultWSPath
	}
	return &WSListener{
		path: path,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: util.OrQuiet(logger).Named("ws"),
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
}

// ListenWS binds address and serves the upgrade endpoint on it.
func ListenWS(address, path string, logger *util.Logger) (*WSListener, error) {
	l := NewWSListener(path, logger)
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, tlerr.Wrap("listen", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle(l.path, l)
	l.ln = ln
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Warn("serve: %v", err)
		}
	}()
	return l, nil
}

// ServeHTTP upgrades the request and hands the connection to Accept.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := newWSConn(ws)
	select {
	case l.conns <- conn:
		l.logger.Verbose("connection from %s", r.RemoteAddr)
	case <-l.done:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WSListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr is the bound address, or nil when mounted on a foreign server.
func (l *WSListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting.  Connections already handed out stay open.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}

// wsConn presents a websocket as a byte stream.  Reads drain binary
// messages back to back; each Write is sent as one message.
type wsConn struct {
	ws *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn { return &wsConn{ws: ws} }

func (c *wsConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame on a best-effort basis and drops the
// connection.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
