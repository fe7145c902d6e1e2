// Package peer implements the remote end of a tlvlink connection: it
// reads request frames, dispatches them to registered call handlers and
// pipe factories, and writes one reply per request.
//
// The controller side never needs this package in production; it exists
// so agents can be embedded in Go programs and so the client packages
// can be exercised against a real dispatcher over a loopback transport.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"tlvlink/tlv"
	"tlvlink/util"
)

// DefaultReadSize is used for pipe reads that carry no length field.
const DefaultReadSize = 4096

// Outcome tells Serve what to do after a handler returns.
type Outcome int

const (
	Reply  Outcome = iota // send the reply and keep serving
	Silent                // send nothing
	Break                 // send the reply, then stop serving
)

// Response is what a Handler returns.
type Response struct {
	Outcome Outcome
	Status  tlv.Status
	Fields  *tlv.Group
}

// OK is a successful reply carrying fields.
func OK(fields *tlv.Group) Response {
	return Response{Status: tlv.StatusSuccess, Fields: fields}
}

// Fail is a non-success reply with a human-readable detail.
func Fail(status tlv.Status, format string, args ...interface{}) Response {
	return Response{
		Status: status,
		Fields: tlv.NewGroup().AddString(tlv.FieldError, fmt.Sprintf(format, args...)),
	}
}

// Handler serves one API call.  req holds the request records after
// the call tag.
type Handler func(ctx context.Context, req *tlv.Group) Response

// Pipe is a peer-side data source or sink.  Implementations add
// ChunkReader, UnitReader or io.Writer for the verbs they support.
type Pipe interface {
	Destroy() error
}

// ChunkReader serves the read verb: up to max bytes, short reads allowed.
type ChunkReader interface {
	ReadChunk(max int) ([]byte, error)
}

// UnitReader serves the readall verb: one complete logical unit.
type UnitReader interface {
	ReadUnit() ([]byte, error)
}

// PipeFactory opens a pipe of one type from the create arguments.
type PipeFactory func(ctx context.Context, args *tlv.Group) (Pipe, error)

// Option configures a Peer.
type Option func(*Peer)

// WithMaxFrame bounds the body size of accepted requests.  It should
// match the controller's limit.
func WithMaxFrame(n int) Option { return func(p *Peer) { p.maxFrame = n } }

// Peer is a registry of handlers.  One Peer may serve many connections.
type Peer struct {
	logger   *util.Logger
	maxFrame int

	mu    sync.RWMutex
	calls map[tlv.Tag]Handler
	pipes map[tlv.Tag]PipeFactory
}

// New returns an empty Peer.
func New(logger *util.Logger, opts ...Option) *Peer {
	p := &Peer{
		logger:   util.OrQuiet(logger).Named("peer"),
		maxFrame: tlv.DefaultMaxFrame,
		calls:    make(map[tlv.Tag]Handler),
		pipes:    make(map[tlv.Tag]PipeFactory),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleCall registers h for tag, replacing any previous handler.
func (p *Peer) HandleCall(tag tlv.Tag, h Handler) {
	p.mu.Lock()
	p.calls[tag] = h
	p.mu.Unlock()
}

// HandlePipe registers the factory for a pipe type.
func (p *Peer) HandlePipe(typ tlv.Tag, f PipeFactory) {
	p.mu.Lock()
	p.pipes[typ] = f
	p.mu.Unlock()
}

func (p *Peer) handler(tag tlv.Tag) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.calls[tag]
	return h, ok
}

func (p *Peer) factory(typ tlv.Tag) (PipeFactory, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.pipes[typ]
	return f, ok
}

// Serve answers requests on rw until the stream ends, a handler breaks,
// or ctx is cancelled.  A request that fails to decode is answered with
// StatusUsageError; one larger than the frame limit ends the connection
// because its body is left unread.  Pipes still open when Serve returns are
// destroyed.  A clean end of stream returns nil.
func (p *Peer) Serve(ctx context.Context, rw io.ReadWriter) error {
	c := &conn{
		peer:   p,
		rw:     rw,
		open:   make(map[uint32]*openPipe),
		nextID: 1,
	}
	c.logger = p.logger.Named(uuid.NewString()[:8])
	defer c.destroyAll()

	stop := make(chan struct{})
	defer close(stop)
	if closer, ok := rw.(io.Closer); ok {
		go func() {
			select {
			case <-ctx.Done():
				closer.Close() //nolint:errcheck
			case <-stop:
			}
		}()
	}

	c.logger.Verbose("serving")
	for {
		req, _, err := tlv.ReadFrame(rw, p.maxFrame)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			c.logger.Verbose("controller hung up")
			return nil
		case errors.Is(err, tlv.ErrMalformed):
			// The body was read in full, so only this request fails.  The
			// reply echoes no call tag since none could be decoded.
			c.logger.Warn("bad request: %v", err)
			if _, err := tlv.WriteFrame(rw, tlv.NewGroup().
				AddInt(tlv.FieldStatus, int64(tlv.StatusUsageError)).
				AddString(tlv.FieldError, err.Error())); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
			continue
		default:
			return fmt.Errorf("read request: %w", err)
		}

		call, _ := req.GetInt(tlv.FieldCall)
		resp := c.dispatch(ctx, tlv.Tag(call), req)
		if resp.Outcome == Silent {
			continue
		}

		reply := tlv.NewGroup().
			AddInt(tlv.FieldCall, call).
			AddInt(tlv.FieldStatus, int64(resp.Status)).
			Append(resp.Fields)
		if _, err := tlv.WriteFrame(rw, reply); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
		if resp.Outcome == Break {
			c.logger.Verbose("handler for %s ended the session", tlv.Tag(call))
			return nil
		}
	}
}

// ── Per-connection state ─────────────────────────────────────────────

type openPipe struct {
	typ  tlv.Tag
	pipe Pipe
}

type conn struct {
	peer   *Peer
	rw     io.ReadWriter
	logger *util.Logger

	// Only the Serve goroutine touches these.
	open   map[uint32]*openPipe
	nextID uint32
}

func (c *conn) dispatch(ctx context.Context, tag tlv.Tag, req *tlv.Group) Response {
	c.logger.Debug("<- %s", tag)
	switch tag {
	case 0:
		return Fail(tlv.StatusUsageError, "request carries no call tag")
	case tlv.CallPipeCreate:
		return c.create(ctx, req)
	case tlv.CallPipeRead:
		return c.read(req)
	case tlv.CallPipeReadAll:
		return c.readAll(req)
	case tlv.CallPipeWrite:
		return c.write(req)
	case tlv.CallPipeDestroy:
		return c.destroy(req)
	}

	h, ok := c.peer.handler(tag)
	if !ok {
		return Fail(tlv.StatusNotImplemented, "%s is not implemented", tag)
	}
	return h(ctx, req)
}

func (c *conn) create(ctx context.Context, req *tlv.Group) Response {
	typ, ok := req.GetInt(tlv.FieldPipeType)
	if !ok {
		return Fail(tlv.StatusUsageError, "pipe type missing")
	}
	f, ok := c.peer.factory(tlv.Tag(typ))
	if !ok {
		return Fail(tlv.StatusNotImplemented, "pipe type %s is not implemented", tlv.Tag(typ))
	}
	p, err := f(ctx, req)
	if err != nil {
		return Fail(tlv.StatusFail, "%v", err)
	}

	id := c.nextID
	c.nextID++
	c.open[id] = &openPipe{typ: tlv.Tag(typ), pipe: p}
	c.logger.Verbose("pipe %s#%d created", tlv.Tag(typ), id)
	return OK(tlv.NewGroup().AddInt(tlv.FieldPipeID, int64(id)))
}

// lookup resolves the pipe a verb addresses.  A type that does not
// match the id's pipe is treated as unknown.
func (c *conn) lookup(req *tlv.Group) (uint32, *openPipe, *Response) {
	typ, _ := req.GetInt(tlv.FieldPipeType)
	id, ok := req.GetInt(tlv.FieldPipeID)
	if !ok {
		r := Fail(tlv.StatusUsageError, "pipe id missing")
		return 0, nil, &r
	}
	op, ok := c.open[uint32(id)]
	if !ok || op.typ != tlv.Tag(typ) {
		r := Fail(tlv.StatusNotFound, "no pipe %s#%d", tlv.Tag(typ), id)
		return 0, nil, &r
	}
	return uint32(id), op, nil
}

func (c *conn) read(req *tlv.Group) Response {
	_, op, fail := c.lookup(req)
	if fail != nil {
		return *fail
	}
	r, ok := op.pipe.(ChunkReader)
	if !ok {
		return Fail(tlv.StatusNotImplemented, "pipe %s does not support read", op.typ)
	}
	size := DefaultReadSize
	if n, ok := req.GetInt(tlv.FieldLength); ok && n > 0 {
		size = int(n)
	}
	data, err := r.ReadChunk(size)
	if err != nil {
		return Fail(tlv.StatusRWError, "%v", err)
	}
	return OK(tlv.NewGroup().AddRaw(tlv.FieldBytes, data))
}

func (c *conn) readAll(req *tlv.Group) Response {
	_, op, fail := c.lookup(req)
	if fail != nil {
		return *fail
	}
	r, ok := op.pipe.(UnitReader)
	if !ok {
		return Fail(tlv.StatusNotImplemented, "pipe %s does not support readall", op.typ)
	}
	data, err := r.ReadUnit()
	if err != nil {
		return Fail(tlv.StatusRWError, "%v", err)
	}
	return OK(tlv.NewGroup().AddRaw(tlv.FieldBytes, data))
}

func (c *conn) write(req *tlv.Group) Response {
	_, op, fail := c.lookup(req)
	if fail != nil {
		return *fail
	}
	w, ok := op.pipe.(io.Writer)
	if !ok {
		return Fail(tlv.StatusNotImplemented, "pipe %s does not support write", op.typ)
	}
	data, _ := req.GetRaw(tlv.FieldBytes)
	n, err := w.Write(data)
	if err != nil {
		return Fail(tlv.StatusRWError, "%v", err)
	}
	return OK(tlv.NewGroup().AddInt(tlv.FieldLength, int64(n)))
}

func (c *conn) destroy(req *tlv.Group) Response {
	id, op, fail := c.lookup(req)
	if fail != nil {
		return *fail
	}
	delete(c.open, id)
	c.logger.Verbose("pipe %s#%d destroyed", op.typ, id)
	if err := op.pipe.Destroy(); err != nil {
		return Fail(tlv.StatusRWError, "%v", err)
	}
	return OK(nil)
}

func (c *conn) destroyAll() {
	for id, op := range c.open {
		if err := op.pipe.Destroy(); err != nil {
			c.logger.Warn("destroy %s#%d: %v", op.typ, id, err)
		}
		delete(c.open, id)
	}
}
