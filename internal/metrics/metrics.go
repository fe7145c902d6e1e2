// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a controller session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a session.
type Collector struct {
	commandsTotal   atomic.Int64
	commandFailures atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	pipesActive     atomic.Int64
	pipesTotal      atomic.Int64
	streamsActive   atomic.Int64
	unitsDelivered  atomic.Int64
	dialAttempts    atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastCommand  time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Command metrics ──────────────────────────────────────────────────

// CommandIssued records one completed request/reply round trip.
func (c *Collector) CommandIssued() {
	if c == nil {
		return
	}
	c.commandsTotal.Add(1)
	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()
}

// CommandFailed records a reply carrying a non-success status.
func (c *Collector) CommandFailed() {
	if c == nil {
		return
	}
	c.commandFailures.Add(1)
}

// Commands returns the number of round trips completed.
func (c *Collector) Commands() int64 {
	if c == nil {
		return 0
	}
	return c.commandsTotal.Load()
}

// CommandFailures returns the number of non-success replies.
func (c *Collector) CommandFailures() int64 {
	if c == nil {
		return 0
	}
	return c.commandFailures.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the transport.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the transport.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Pipe and stream metrics ──────────────────────────────────────────

// PipeOpened increments both the active and total pipe counters.
func (c *Collector) PipeOpened() {
	if c == nil {
		return
	}
	c.pipesActive.Add(1)
	c.pipesTotal.Add(1)
}

// PipeClosed decrements the active pipe counter.
func (c *Collector) PipeClosed() {
	if c == nil {
		return
	}
	c.pipesActive.Add(-1)
}

// ActivePipes returns the number of pipes currently open.
func (c *Collector) ActivePipes() int64 {
	if c == nil {
		return 0
	}
	return c.pipesActive.Load()
}

// TotalPipes returns the lifetime pipe count.
func (c *Collector) TotalPipes() int64 {
	if c == nil {
		return 0
	}
	return c.pipesTotal.Load()
}

// StreamStarted increments the active stream gauge.
func (c *Collector) StreamStarted() {
	if c == nil {
		return
	}
	c.streamsActive.Add(1)
}

// StreamStopped decrements the active stream gauge.
func (c *Collector) StreamStopped() {
	if c == nil {
		return
	}
	c.streamsActive.Add(-1)
}

// ActiveStreams returns the number of running stream readers.
func (c *Collector) ActiveStreams() int64 {
	if c == nil {
		return 0
	}
	return c.streamsActive.Load()
}

// UnitDelivered records one chunk or frame handed to a sink.
func (c *Collector) UnitDelivered() {
	if c == nil {
		return
	}
	c.unitsDelivered.Add(1)
}

// UnitsDelivered returns the number of units handed to sinks.
func (c *Collector) UnitsDelivered() int64 {
	if c == nil {
		return 0
	}
	return c.unitsDelivered.Load()
}

// ── Transport metrics ────────────────────────────────────────────────

// DialAttempt records one attempt to reach the agent.
func (c *Collector) DialAttempt() {
	if c == nil {
		return
	}
	c.dialAttempts.Add(1)
}

// DialAttempts returns the number of dial attempts made.
func (c *Collector) DialAttempts() int64 {
	if c == nil {
		return 0
	}
	return c.dialAttempts.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	CommandsTotal    int64  `json:"commands_total"`
	CommandFailures  int64  `json:"command_failures"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	PipesActive      int64  `json:"pipes_active"`
	PipesTotal       int64  `json:"pipes_total"`
	StreamsActive    int64  `json:"streams_active"`
	UnitsDelivered   int64  `json:"units_delivered"`
	DialAttempts     int64  `json:"dial_attempts"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastCommand      string `json:"last_command,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		CommandsTotal:   c.commandsTotal.Load(),
		CommandFailures: c.commandFailures.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		PipesActive:     c.pipesActive.Load(),
		PipesTotal:      c.pipesTotal.Load(),
		StreamsActive:   c.streamsActive.Load(),
		UnitsDelivered:  c.unitsDelivered.Load(),
		DialAttempts:    c.dialAttempts.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastCommand.IsZero() {
		s.LastCommand = c.lastCommand.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
