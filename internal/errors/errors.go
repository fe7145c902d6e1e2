// Package errors provides the error taxonomy for tlvlink.
//
// Sentinels name the condition; structured types carry the context
// (operation, tag, pipe id, peer detail) and unwrap to their sentinel,
// so callers branch with Is and report with Error.
//
//	ConnectionLost    transport broken, fatal to the session
//	Protocol          malformed frame, fatal to the current call only
//	PipeOpen, PipeClosed          peer refused or already released a pipe
//	AlreadyStreaming, NotStreaming  stream registry preconditions
//	CommandFailed     peer ran the command and reported a non-success status
package errors

import (
	"errors"
	"fmt"
	"net"

	"tlvlink/tlv"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrProtocol         = errors.New("protocol error")
	ErrPipeOpen         = errors.New("pipe could not be opened")
	ErrPipeClosed       = errors.New("pipe is closed")
	ErrAlreadyStreaming = errors.New("device is already streaming")
	ErrNotStreaming     = errors.New("device is not streaming")
	ErrCommandFailed    = errors.New("command failed")
	ErrSessionClosed    = errors.New("session is closed")

	ErrNotConnected    = errors.New("not connected")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Protocol errors ──────────────────────────────────────────────────

// ConnError reports a transport failure during a round trip.  It
// matches ErrConnectionLost.
type ConnError struct {
	Op  string // "write", "read", "closed"
	Err error
}

func (e *ConnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrConnectionLost)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrConnectionLost, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Is(target error) bool { return target == ErrConnectionLost }

// ProtocolError reports a reply that could not be understood.  It
// matches ErrProtocol.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrProtocol, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// CommandError reports a non-success status from the peer.  It
// matches ErrCommandFailed.
type CommandError struct {
	Tag    tlv.Tag
	Status tlv.Status
	Detail string // peer-supplied, may be empty
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v: %s", e.Tag, ErrCommandFailed, e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// PipeError reports a failed pipe verb.  Err is ErrPipeOpen, ErrPipeClosed
// or the underlying channel error.
type PipeError struct {
	Op     string // "create", "read", "readall", "write", "destroy"
	Type   tlv.Tag
	ID     uint32
	Err    error
	Detail string
}

func (e *PipeError) Error() string {
	msg := fmt.Sprintf("pipe %s %s#%d: %v", e.Op, e.Type, e.ID, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *PipeError) Unwrap() error { return e.Err }

// StreamError reports a stream registry failure for one device.
type StreamError struct {
	Device string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ── Transport and configuration errors ──────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "listen", "accept", "upgrade"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // flag name without dashes
	Value   interface{} // nil if missing
	Message string
	Hint    string // optional
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying by a caller.
// Session-fatal and precondition errors never are.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsFatal reports whether err invalidates the whole session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrSessionClosed)
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
