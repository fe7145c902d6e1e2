// Package session owns one connection to an agent: the transport, the
// command channel over it, the pipe manager, and the registry of
// device streams fed by background readers.
//
// Stream teardown always runs in the same order: the registration is
// removed, its reader is told to stop and joined, and only then is the
// pipe destroyed.  A reader therefore never issues a verb on a pipe id
// the peer has already released.
package session

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tlvlink/internal/channel"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/internal/pipe"
	"tlvlink/internal/retry"
	"tlvlink/internal/sink"
	"tlvlink/internal/task"
	"tlvlink/tlv"
	"tlvlink/util"
)

const (
	// DefaultGracePeriod bounds Close before the transport is cut.
	DefaultGracePeriod = 5 * time.Second

	// DefaultIdleInterval is how long a reader pauses after an empty read.
	DefaultIdleInterval = 20 * time.Millisecond
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(l *util.Logger) Option { return func(s *Session) { s.logger = l } }

// WithMetrics attaches a collector shared by the channel, pipes and readers.
func WithMetrics(m *metrics.Collector) Option { return func(s *Session) { s.metrics = m } }

// WithGracePeriod bounds how long Close waits before cutting the transport.
func WithGracePeriod(d time.Duration) Option { return func(s *Session) { s.grace = d } }

// WithIdleInterval sets how long a stream reader sleeps after an empty
// read before asking again.
func WithIdleInterval(d time.Duration) Option { return func(s *Session) { s.idle = d } }

// WithMaxFrame bounds the body size of every request and reply on the
// session.  Larger requests fail locally with ErrProtocol.
func WithMaxFrame(n int) Option { return func(s *Session) { s.maxFrame = n } }

// WithSinkBreaker configures the breaker that sheds units while a
// stream's sink keeps failing.
func WithSinkBreaker(c *retry.BreakerConfig) Option {
	return func(s *Session) { s.breaker = c }
}

// StreamSpec describes how to open and drain one device's pipe.
type StreamSpec struct {
	PipeType tlv.Tag
	Args     *tlv.Group
	// ReadSize > 0 drains with read(ReadSize); 0 drains with readall.
	ReadSize int
}

// StreamInfo is a snapshot of one registration.
type StreamInfo struct {
	Device   string
	Pipe     pipe.Pipe
	SinkPath string
	Units    int64
	Started  time.Time
	// Err is why the reader stopped on its own, if it has.
	Err error
}

type registration struct {
	device  string
	spec    StreamSpec
	sink    io.Writer
	started time.Time
	units   atomic.Int64

	// Set under Session.mu once the pipe is open.  A registration
	// without a task is still starting and is invisible to Streams.
	pipe pipe.Pipe
	task *task.Task
}

// Session is one controller-side connection.
type Session struct {
	ID uuid.UUID

	conn     io.ReadWriteCloser
	ch       *channel.Channel
	pipes    *pipe.Manager
	logger   *util.Logger
	metrics  *metrics.Collector
	grace    time.Duration
	idle     time.Duration
	maxFrame int
	breaker  *retry.BreakerConfig

	// ctx is handed to background calls and cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*registration
	closed  bool

	background task.Group
	closeOnce  sync.Once
	closeErr   error
}

// New wraps an established connection.  The Session owns conn and
// closes it in Close.
func New(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		ID:       uuid.New(),
		conn:     conn,
		grace:    DefaultGracePeriod,
		idle:     DefaultIdleInterval,
		maxFrame: tlv.DefaultMaxFrame,
		streams:  make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = util.OrQuiet(s.logger).Named("session " + s.ID.String()[:8])
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ch = channel.New(conn,
		channel.WithLogger(s.logger.Named("channel")),
		channel.WithMetrics(s.metrics),
		channel.WithMaxFrame(s.maxFrame),
	)
	s.pipes = pipe.NewManager(s.ch, s.logger, s.metrics)
	return s
}

// Call issues one command and waits for its reply.
func (s *Session) Call(ctx context.Context, tag tlv.Tag, args *tlv.Group) (*channel.Result, error) {
	if s.isClosed() {
		return nil, tlerr.ErrSessionClosed
	}
	return s.ch.Call(ctx, tag, args)
}

// Pipes returns the session's pipe manager.
func (s *Session) Pipes() *pipe.Manager { return s.pipes }

// Metrics returns the collector the session reports to, possibly nil.
func (s *Session) Metrics() *metrics.Collector { return s.metrics }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Background runs fn as a tracked task that Close stops and joins.
func (s *Session) Background(name string, fn func(t *task.Task) error) *task.Task {
	return s.background.Go(name, fn)
}

// Track hands an already started task to the session so Close joins it.
func (s *Session) Track(t *task.Task) { s.background.Add(t) }

// Err returns the error that broke the connection, or nil.
func (s *Session) Err() error { return s.ch.Err() }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Streams ──────────────────────────────────────────────────────────

// StartStream opens spec's pipe and starts a reader copying each unit
// into w.  A device already registered fails with ErrAlreadyStreaming
// and leaves the existing stream untouched.  If the pipe cannot be
// opened the device stays unregistered.
func (s *Session) StartStream(ctx context.Context, device string, spec StreamSpec, w io.Writer) error {
	reg := &registration{device: device, spec: spec, sink: w}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &tlerr.StreamError{Device: device, Err: tlerr.ErrSessionClosed}
	}
	if _, busy := s.streams[device]; busy {
		s.mu.Unlock()
		return &tlerr.StreamError{Device: device, Err: tlerr.ErrAlreadyStreaming}
	}
	s.streams[device] = reg
	s.mu.Unlock()

	p, err := s.pipes.Create(ctx, spec.PipeType, spec.Args)
	if err != nil {
		s.mu.Lock()
		delete(s.streams, device)
		s.mu.Unlock()
		return &tlerr.StreamError{Device: device, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		delete(s.streams, device)
		s.mu.Unlock()
		s.pipes.Destroy(ctx, p.Type, p.ID) //nolint:errcheck
		return &tlerr.StreamError{Device: device, Err: tlerr.ErrSessionClosed}
	}
	reg.pipe = p
	reg.started = time.Now()
	reg.task = task.Go("stream "+device, func(t *task.Task) error { return s.read(t, reg) })
	s.mu.Unlock()

	s.pipes.MarkStreaming(p.Type, p.ID)
	s.metrics.StreamStarted()
	s.logger.Info("streaming %s from %s", device, p)
	return nil
}

// StopStream tears down device's stream: deregister, stop and join the
// reader, destroy the pipe, close the sink if it is an io.Closer.
func (s *Session) StopStream(ctx context.Context, device string) error {
	s.mu.Lock()
	reg, ok := s.streams[device]
	if !ok || reg.task == nil {
		s.mu.Unlock()
		return &tlerr.StreamError{Device: device, Err: tlerr.ErrNotStreaming}
	}
	delete(s.streams, device)
	s.mu.Unlock()

	reg.task.Stop()
	readErr := reg.task.Wait()
	if readErr != nil {
		s.logger.Verbose("reader for %s had stopped: %v", device, readErr)
	}

	err := s.pipes.Destroy(ctx, reg.pipe.Type, reg.pipe.ID)
	if errors.Is(err, tlerr.ErrPipeClosed) {
		err = nil
	}
	if c, ok := reg.sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.metrics.StreamStopped()
	s.logger.Info("stopped %s after %d units", device, reg.units.Load())
	if err != nil {
		return &tlerr.StreamError{Device: device, Err: err}
	}
	return nil
}

// Streams returns the current registrations sorted by device.
func (s *Session) Streams() []StreamInfo {
	s.mu.Lock()
	out := make([]StreamInfo, 0, len(s.streams))
	for _, reg := range s.streams {
		if reg.task == nil {
			continue
		}
		info := StreamInfo{
			Device:   reg.device,
			Pipe:     reg.pipe,
			SinkPath: sink.PathOf(reg.sink),
			Units:    reg.units.Load(),
			Started:  reg.started,
		}
		if !reg.task.Alive() {
			info.Err = reg.task.Wait()
		}
		if p, ok := s.pipes.Lookup(reg.pipe.Type, reg.pipe.ID); ok {
			info.Pipe = p
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// registered reports whether reg is still the live registration for
// its device.
func (s *Session) registered(reg *registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[reg.device] == reg
}

// read is the body of a stream's background task.  It stops when the
// registration is removed or the task is told to stop, and exits with
// an error if the pipe fails underneath it.
func (s *Session) read(t *task.Task, reg *registration) error {
	breaker := retry.NewBreaker(s.breaker)
	typ, id := reg.pipe.Type, reg.pipe.ID
	log := s.logger.Named(reg.device)

	for {
		if t.Stopping() || !s.registered(reg) {
			log.Verbose("reader exiting: deregistered")
			return nil
		}

		var data []byte
		var err error
		if reg.spec.ReadSize > 0 {
			data, err = s.pipes.Read(s.ctx, typ, id, reg.spec.ReadSize)
		} else {
			data, err = s.pipes.ReadAll(s.ctx, typ, id)
		}
		if err != nil {
			if t.Stopping() {
				return nil
			}
			log.Verbose("reader exiting: %v", err)
			return err
		}
		if len(data) == 0 {
			time.Sleep(s.idle)
			continue
		}

		err = breaker.Execute(func() error {
			_, werr := reg.sink.Write(data)
			return werr
		})
		switch {
		case err == nil:
			reg.units.Add(1)
			s.metrics.UnitDelivered()
		case errors.Is(err, retry.ErrOpen):
			log.Debug("dropped %d bytes: %v", len(data), err)
		default:
			s.metrics.RecordError(err.Error())
			log.Warn("sink write: %v", err)
		}
	}
}

// ── Teardown ─────────────────────────────────────────────────────────

// Close stops every stream and background task, destroys pipes that
// are still open, and closes the transport.  If that takes longer than
// the grace period the transport is closed early so stalled readers
// unblock.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}

func (s *Session) close() error {
	s.mu.Lock()
	s.closed = true
	devices := make([]string, 0, len(s.streams))
	for d, reg := range s.streams {
		if reg.task != nil {
			devices = append(devices, d)
		}
	}
	s.mu.Unlock()
	sort.Strings(devices)

	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.teardown(ctx, devices) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		s.logger.Warn("teardown exceeded %v; closing transport", s.grace)
		s.cancel()
		s.conn.Close() //nolint:errcheck
		err = <-done
	}

	s.cancel()
	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
		s.logger.Debug("close transport: %v", cerr)
	}
	// Tasks that outlived the grace period fail fast now that the
	// transport is gone; join them before reporting closed.
	s.background.WaitAll(context.Background())
	s.logger.Verbose("closed")
	return err
}

func (s *Session) teardown(ctx context.Context, devices []string) error {
	var errs []error
	for _, d := range devices {
		if err := s.StopStream(ctx, d); err != nil && !errors.Is(err, tlerr.ErrConnectionLost) {
			errs = append(errs, err)
		}
	}

	s.background.StopAll()
	if !s.background.WaitAll(ctx) {
		errs = append(errs, tlerr.ErrTimeout)
	}

	for _, p := range s.pipes.Open() {
		err := s.pipes.Destroy(ctx, p.Type, p.ID)
		if err != nil && !errors.Is(err, tlerr.ErrPipeClosed) && !errors.Is(err, tlerr.ErrConnectionLost) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
