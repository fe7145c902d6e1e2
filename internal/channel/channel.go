// Package channel implements the command channel: a tagged request is
// written to the transport and the caller blocks until the reply frame
// arrives.
//
// Replies carry no correlation id and are matched to requests purely
// by arrival order, so exactly one round trip may be in flight per
// transport.  Channel enforces that with a lock held from the first
// request byte to the last reply byte.  Pipe reads issued by background
// readers are ordinary calls and queue behind the same lock.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/tlv"
	"tlvlink/util"
)

var (
	// ErrNoStatus reports a reply without a status record.
	ErrNoStatus = errors.New("reply has no status")

	// ErrTagMismatch reports a reply echoing a different call tag than
	// the request in flight, meaning the stream is out of step.
	ErrTagMismatch = errors.New("reply is for a different call")
)

// Caller is the one operation the pipe layer and feature code need.
// *Channel and *session.Session implement it.
type Caller interface {
	Call(ctx context.Context, tag tlv.Tag, args *tlv.Group) (*Result, error)
}

// Result is a decoded reply.
type Result struct {
	Tag    tlv.Tag
	Status tlv.Status
	Reply  *tlv.Group
}

// OK reports whether the peer returned StatusSuccess.
func (r *Result) OK() bool { return r.Status == tlv.StatusSuccess }

// Err returns a *errors.CommandError for a non-success status, or nil.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	detail, _ := r.Reply.GetString(tlv.FieldError)
	return &tlerr.CommandError{Tag: r.Tag, Status: r.Status, Detail: detail}
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel's logger.
func WithLogger(l *util.Logger) Option { return func(c *Channel) { c.logger = l } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(c *Channel) { c.metrics = m } }

// WithMaxFrame bounds the body size of both requests and replies.
// Agents should be configured with the same limit.
func WithMaxFrame(n int) Option { return func(c *Channel) { c.maxFrame = n } }

// Channel serialises request/reply round trips over one transport.
type Channel struct {
	rw       io.ReadWriter
	maxFrame int
	logger   *util.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	broken error // set once the stream can no longer be trusted
}

// New returns a Channel speaking over rw.  The channel does not own
// rw; closing the transport is the session's job.
func New(rw io.ReadWriter, opts ...Option) *Channel {
	c := &Channel{rw: rw, maxFrame: tlv.DefaultMaxFrame}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = util.OrQuiet(c.logger)
	return c
}

// Call sends tag with args and blocks until the reply is read.
//
// Transport failures return an error matching ErrConnectionLost and
// poison the channel: every later call fails the same way.  A reply
// that decodes badly or lacks a status, and a request larger than the
// frame limit, fail with ErrProtocol and leave the channel usable.  A non-success status returns the result
// together with a *CommandError.
//
// ctx bounds the round trip only when the transport supports
// deadlines.  An interrupted round trip poisons the channel, since the
// reply may still arrive later and would be taken for the next one.
func (c *Channel) Call(ctx context.Context, tag tlv.Tag, args *tlv.Group) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, c.broken
	}

	stop := c.watch(ctx)
	reply, err := c.roundTrip(tag, args)
	stop()

	if err != nil {
		var pe *tlerr.ProtocolError
		if errors.As(err, &pe) && !errors.Is(err, tlerr.ErrConnectionLost) {
			return nil, err
		}
		if ctxErr := contextErr(ctx); ctxErr != nil {
			err = &tlerr.ConnError{Op: "call", Err: fmt.Errorf("%w (%v)", ctxErr, err)}
		}
		c.broken = err
		c.metrics.RecordError(err.Error())
		c.logger.Verbose("%s: %v", tag, err)
		return nil, err
	}

	res, err := c.result(tag, reply)
	if err != nil {
		return nil, err
	}
	c.metrics.CommandIssued()
	if !res.OK() {
		c.metrics.CommandFailed()
		return res, res.Err()
	}
	return res, nil
}

// Err returns the error that poisoned the channel, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *Channel) roundTrip(tag tlv.Tag, args *tlv.Group) (*tlv.Group, error) {
	req := tlv.NewGroup().AddInt(tlv.FieldCall, int64(tag)).Append(args)
	if size := req.Size(); size > c.maxFrame {
		// Nothing was written, so the stream is still in step.
		err := fmt.Errorf("%w: request is %d bytes (limit %d)", tlv.ErrFrameTooLarge, size, c.maxFrame)
		return nil, &tlerr.ProtocolError{Op: "encode " + tag.String(), Err: err}
	}

	buf := util.GetBuf()
	*buf = tlv.AppendFrame(*buf, req)
	n, err := c.rw.Write(*buf)
	util.PutBuf(buf)
	c.metrics.BytesSent(int64(n))
	if err != nil {
		return nil, &tlerr.ConnError{Op: "write", Err: err}
	}
	c.logger.Debug("-> %s (%d bytes)", tag, n)

	reply, n, err := tlv.ReadFrame(c.rw, c.maxFrame)
	c.metrics.BytesReceived(int64(n))
	switch {
	case err == nil:
	case errors.Is(err, tlv.ErrMalformed):
		// The whole frame was consumed, so the next reply starts clean.
		return nil, &tlerr.ProtocolError{Op: "decode reply", Err: err}
	case errors.Is(err, tlv.ErrFrameTooLarge):
		return nil, &tlerr.ConnError{Op: "read", Err: &tlerr.ProtocolError{Op: "read reply", Err: err}}
	default:
		return nil, &tlerr.ConnError{Op: "read", Err: err}
	}

	if echoed, ok := reply.GetInt(tlv.FieldCall); ok && tlv.Tag(echoed) != tag {
		err := fmt.Errorf("%w: sent %s, got %s", ErrTagMismatch, tag, tlv.Tag(echoed))
		return nil, &tlerr.ConnError{Op: "read", Err: &tlerr.ProtocolError{Op: "match reply", Err: err}}
	}
	return reply, nil
}

func (c *Channel) result(tag tlv.Tag, reply *tlv.Group) (*Result, error) {
	status, ok := reply.GetInt(tlv.FieldStatus)
	if !ok {
		return nil, &tlerr.ProtocolError{Op: tag.String(), Err: ErrNoStatus}
	}
	res := &Result{Tag: tag, Status: tlv.Status(status), Reply: reply}
	c.logger.Debug("<- %s %s (%d records)", tag, res.Status, reply.Len())
	return res, nil
}

// ── Deadlines ────────────────────────────────────────────────────────

// contextErr is ctx.Err, but also reports an expired deadline that the
// transport noticed before the context's own timer fired.
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watch maps ctx onto transport deadlines for the duration of one round
// trip.  The returned func must be called before the lock is released.
func (c *Channel) watch(ctx context.Context) (stop func()) {
	d, ok := c.rw.(deadliner)
	if !ok || ctx.Done() == nil {
		return func() {}
	}

	if dl, ok := ctx.Deadline(); ok {
		d.SetDeadline(dl) //nolint:errcheck
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			d.SetDeadline(time.Unix(1, 0)) //nolint:errcheck // unblock pending I/O now
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
		d.SetDeadline(time.Time{}) //nolint:errcheck
	}
}
