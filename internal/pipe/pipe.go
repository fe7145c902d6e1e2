// Package pipe is the client side of the pipe multiplexer.
//
// Every pipe verb is an ordinary command on the channel, so pipe I/O
// obeys the same single-flight rule as any other call.  The Manager
// keeps a local view of each pipe it has created so that verbs on a
// pipe already known to be closed fail without a round trip.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"tlvlink/internal/channel"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/tlv"
	"tlvlink/util"
)

// State is a pipe's lifecycle position as seen by the controller.
type State int

const (
	Idle State = iota
	Open
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Pipe identifies one peer-side data channel.  The ID is assigned by
// the peer and means nothing once the pipe is destroyed.
type Pipe struct {
	Type  tlv.Tag
	ID    uint32
	State State
}

func (p Pipe) String() string { return fmt.Sprintf("%s#%d", p.Type, p.ID) }

type key struct {
	typ tlv.Tag
	id  uint32
}

// Manager issues pipe verbs through a Caller and tracks pipe state.
type Manager struct {
	caller  channel.Caller
	logger  *util.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	pipes map[key]*Pipe // destroyed pipes stay as Closed tombstones
}

// NewManager returns a Manager issuing verbs through caller.
func NewManager(caller channel.Caller, logger *util.Logger, m *metrics.Collector) *Manager {
	return &Manager{
		caller:  caller,
		logger:  util.OrQuiet(logger).Named("pipe"),
		metrics: m,
		pipes:   make(map[key]*Pipe),
	}
}

func address(typ tlv.Tag, id uint32) *tlv.Group {
	return tlv.NewGroup().
		AddInt(tlv.FieldPipeType, int64(typ)).
		AddInt(tlv.FieldPipeID, int64(id))
}

// Create asks the peer to open a pipe of typ.  A refusal fails with
// ErrPipeOpen carrying the peer's detail.
func (m *Manager) Create(ctx context.Context, typ tlv.Tag, args *tlv.Group) (Pipe, error) {
	req := tlv.NewGroup().AddInt(tlv.FieldPipeType, int64(typ)).Append(args)
	res, err := m.caller.Call(ctx, tlv.CallPipeCreate, req)
	if err != nil {
		pe := &tlerr.PipeError{Op: "create", Type: typ, Err: err}
		var ce *tlerr.CommandError
		if errors.As(err, &ce) {
			pe.Err, pe.Detail = tlerr.ErrPipeOpen, ce.Detail
		}
		return Pipe{}, pe
	}

	raw, ok := res.Reply.GetInt(tlv.FieldPipeID)
	if !ok || raw < 0 || raw > math.MaxUint32 {
		return Pipe{}, &tlerr.PipeError{Op: "create", Type: typ, Err: &tlerr.ProtocolError{
			Op: "create reply", Err: fmt.Errorf("bad or missing pipe id (%d)", raw),
		}}
	}

	p := &Pipe{Type: typ, ID: uint32(raw), State: Open}
	m.mu.Lock()
	m.pipes[key{typ, p.ID}] = p
	m.mu.Unlock()

	m.metrics.PipeOpened()
	m.logger.Verbose("opened %s", p)
	return *p, nil
}

// Read returns up to size bytes currently available.  A short or empty
// read is not end of stream.
func (m *Manager) Read(ctx context.Context, typ tlv.Tag, id uint32, size int) ([]byte, error) {
	return m.fetch(ctx, "read", tlv.CallPipeRead, typ, id, size)
}

// ReadAll returns one complete unit as framed by the peer.
func (m *Manager) ReadAll(ctx context.Context, typ tlv.Tag, id uint32) ([]byte, error) {
	return m.fetch(ctx, "readall", tlv.CallPipeReadAll, typ, id, 0)
}

func (m *Manager) fetch(ctx context.Context, op string, verb, typ tlv.Tag, id uint32, size int) ([]byte, error) {
	if err := m.usable(op, typ, id); err != nil {
		return nil, err
	}
	req := address(typ, id)
	if size > 0 {
		req.AddInt(tlv.FieldLength, int64(size))
	}
	res, err := m.caller.Call(ctx, verb, req)
	if err != nil {
		return nil, m.failed(op, typ, id, err)
	}
	data, ok := res.Reply.GetRaw(tlv.FieldBytes)
	if !ok {
		return nil, &tlerr.PipeError{Op: op, Type: typ, ID: id, Err: &tlerr.ProtocolError{
			Op: op + " reply", Err: errors.New("no bytes field"),
		}}
	}
	return data, nil
}

// Write sends data to a sink pipe and returns how many bytes the peer
// accepted.
func (m *Manager) Write(ctx context.Context, typ tlv.Tag, id uint32, data []byte) (int, error) {
	if err := m.usable("write", typ, id); err != nil {
		return 0, err
	}
	res, err := m.caller.Call(ctx, tlv.CallPipeWrite, address(typ, id).AddRaw(tlv.FieldBytes, data))
	if err != nil {
		return 0, m.failed("write", typ, id, err)
	}
	n, ok := res.Reply.GetInt(tlv.FieldLength)
	if !ok {
		return 0, &tlerr.PipeError{Op: "write", Type: typ, ID: id, Err: &tlerr.ProtocolError{
			Op: "write reply", Err: errors.New("no length field"),
		}}
	}
	return int(n), nil
}

// Destroy releases the peer-side pipe.  Destroying a pipe that is
// already gone is harmless and reports ErrPipeClosed.
func (m *Manager) Destroy(ctx context.Context, typ tlv.Tag, id uint32) error {
	m.mu.Lock()
	p, known := m.pipes[key{typ, id}]
	if known {
		if p.State == Closed || p.State == Closing {
			m.mu.Unlock()
			return &tlerr.PipeError{Op: "destroy", Type: typ, ID: id, Err: tlerr.ErrPipeClosed}
		}
		p.State = Closing
	}
	m.mu.Unlock()

	_, err := m.caller.Call(ctx, tlv.CallPipeDestroy, address(typ, id))
	m.markClosed(typ, id)
	if err != nil {
		return m.failed("destroy", typ, id, err)
	}
	m.logger.Verbose("destroyed %s#%d", typ, id)
	return nil
}

// Lookup returns the local view of a pipe.
func (m *Manager) Lookup(typ tlv.Tag, id uint32) (Pipe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipes[key{typ, id}]
	if !ok {
		return Pipe{}, false
	}
	return *p, true
}

// MarkStreaming records that a background reader owns the pipe.
func (m *Manager) MarkStreaming(typ tlv.Tag, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipes[key{typ, id}]; ok && p.State == Open {
		p.State = Streaming
	}
}

// Open returns the pipes not yet closed, ordered by type then id.
func (m *Manager) Open() []Pipe {
	m.mu.Lock()
	out := make([]Pipe, 0, len(m.pipes))
	for _, p := range m.pipes {
		if p.State != Closed {
			out = append(out, *p)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// usable fails fast for a pipe this manager already destroyed.
func (m *Manager) usable(op string, typ tlv.Tag, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipes[key{typ, id}]; ok && p.State == Closed {
		return &tlerr.PipeError{Op: op, Type: typ, ID: id, Err: tlerr.ErrPipeClosed}
	}
	return nil
}

// failed converts a call error into a PipeError.  NotFound from the
// peer means the pipe is gone.
func (m *Manager) failed(op string, typ tlv.Tag, id uint32, err error) error {
	var ce *tlerr.CommandError
	if errors.As(err, &ce) && ce.Status == tlv.StatusNotFound {
		m.markClosed(typ, id)
		return &tlerr.PipeError{Op: op, Type: typ, ID: id, Err: tlerr.ErrPipeClosed, Detail: ce.Detail}
	}
	return &tlerr.PipeError{Op: op, Type: typ, ID: id, Err: err}
}

func (m *Manager) markClosed(typ tlv.Tag, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipes[key{typ, id}]
	if !ok {
		m.pipes[key{typ, id}] = &Pipe{Type: typ, ID: id, State: Closed}
		return
	}
	if p.State != Closed {
		p.State = Closed
		m.metrics.PipeClosed()
	}
}
