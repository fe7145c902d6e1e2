package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	tlerr "tlvlink/internal/errors"
	"tlvlink/util"
)

// SSHConfig holds everything needed to reach an SSH bastion.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// Prompt reads a secret from the operator.  Nil reads from the
	// terminal with echo disabled.
	Prompt func(prompt string) ([]byte, error)
}

func (c *SSHConfig) addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHDialer routes connections through an SSH bastion.  The SSH client
// is established on the first Dial and re-established on a later Dial
// once the previous client has gone away.
type SSHDialer struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer creates a dialer for cfg.  Nothing is dialled yet.
func NewSSHDialer(cfg *SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHDialer{config: cfg, logger: util.OrQuiet(logger).Named("ssh")}
}

// Dial opens a direct-tcpip channel to address from the bastion.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("forwarding to %s", address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, tlerr.WrapSSH("forward", d.config.Host, d.config.Port, fmt.Errorf("%s: %w", address, err))
	}
	return conn, nil
}

// Alive reports whether an SSH client is currently connected.
func (d *SSHDialer) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// Close tears down the SSH client.  Connections forwarded through it
// are closed with it.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	cfg := d.config
	auth, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, tlerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hk, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, tlerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         cfg.ConnTimeout,
		BannerCallback: func(message string) error {
			d.logger.Info("%s", strings.TrimRight(message, "\n"))
			return nil
		},
	}

	addr := cfg.addr()
	d.logger.Verbose("connecting to %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, tlerr.Wrap("dial", addr, err)
	}
	// The handshake itself ignores ctx; bound it with a deadline.
	deadline := time.Now().Add(cfg.ConnTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	tcpConn.SetDeadline(deadline) //nolint:errcheck

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientCfg)
	if err != nil {
		tcpConn.Close()
		return nil, tlerr.WrapSSH("handshake", cfg.Host, cfg.Port, classifyHandshake(err))
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	d.client = client
	go d.monitor(client)
	d.logger.Verbose("connected to %s", addr)
	return client, nil
}

// monitor forgets client once its connection ends so the next Dial
// reconnects.
func (d *SSHDialer) monitor(client *ssh.Client) {
	err := client.Wait()

	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug("connection closed: %v", err)
	} else {
		d.logger.Debug("connection closed")
	}
}

// classifyHandshake attaches a sentinel to the two handshake failures
// callers act on.
func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w: %v", tlerr.ErrHostKeyMismatch, err)
		}
		return fmt.Errorf("%w: unknown host: %v", tlerr.ErrHostKeyMismatch, err)
	}
	if strings.Contains(err.Error(), "knownhosts: key mismatch") {
		return fmt.Errorf("%w: %v", tlerr.ErrHostKeyMismatch, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", tlerr.ErrAuthFailed, err)
	}
	return err
}
