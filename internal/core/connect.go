package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/internal/retry"
	"tlvlink/internal/transport"
	"tlvlink/util"
)

// ConnectMode dials a remote address and hands the connection to
// Handler.  Failed dials are retried per Backoff.
type ConnectMode struct {
	Dialer  transport.Dialer
	Handler ConnHandler
	Network string
	Address string
	Backoff *retry.Backoff // nil: a single attempt
	Metrics *metrics.Collector
	Logger  *util.Logger
}

// Run dials, serves the connection and closes it.  The dialer is closed
// when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()
	log := util.OrQuiet(m.Logger)

	conn, err := m.dial(ctx, log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()

	log.Verbose("connected to %s", conn.RemoteAddr())
	return m.Handler.ServeConn(ctx, conn)
}

func (m *ConnectMode) dial(ctx context.Context, log *util.Logger) (net.Conn, error) {
	b := m.Backoff
	if b == nil {
		b = &retry.Backoff{Attempts: 1}
	}
	policy := *b
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Verbose("attempt %d failed: %v; retrying in %v", attempt, err, wait.Round(time.Millisecond))
	}

	var conn net.Conn
	err := policy.Do(ctx, func(attempt int) error {
		m.Metrics.DialAttempt()
		log.Debug("dialing %s (%s), attempt %d", m.Address, m.Network, attempt)
		c, err := m.Dialer.Dial(ctx, m.Network, m.Address)
		if err != nil {
			m.Metrics.RecordError(err.Error())
			if ctx.Err() != nil || permanentDialError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// permanentDialError reports failures that another attempt would only
// repeat.
func permanentDialError(err error) bool {
	return errors.Is(err, tlerr.ErrAuthFailed) || errors.Is(err, tlerr.ErrHostKeyMismatch)
}
