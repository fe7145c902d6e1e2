package core

import (
	"fmt"
	"io"
	"os"
	"time"

	"tlvlink/config"
	"tlvlink/internal/capability"
	"tlvlink/internal/metrics"
	"tlvlink/internal/peer"
	"tlvlink/internal/retry"
	"tlvlink/internal/session"
	"tlvlink/internal/transport"
	"tlvlink/util"
)

// BuildOption adjusts what Build wires into a mode.
type BuildOption func(*builder)

// WithMetrics shares m with the session and dialer.
func WithMetrics(m *metrics.Collector) BuildOption {
	return func(b *builder) { b.metrics = m }
}

// WithOutput redirects command output (out) and progress (progress).
// The defaults are os.Stdout and os.Stderr.
func WithOutput(out, progress io.Writer) BuildOption {
	return func(b *builder) { b.out, b.progress = out, progress }
}

type builder struct {
	cfg      *config.Config
	logger   *util.Logger
	metrics  *metrics.Collector
	out      io.Writer
	progress io.Writer
}

// Build constructs the Mode cfg describes.  cfg must already be
// validated.
func Build(cfg *config.Config, logger *util.Logger, opts ...BuildOption) (Mode, error) {
	b := &builder{cfg: cfg, logger: util.OrQuiet(logger), out: os.Stdout, progress: os.Stderr}
	for _, o := range opts {
		o(b)
	}

	handler, err := b.handler()
	if err != nil {
		return nil, err
	}
	if cfg.Listen {
		return b.listen(handler), nil
	}
	return b.connect(handler)
}

// ── mode builders ────────────────────────────────────────────────────

func (b *builder) connect(h ConnHandler) (Mode, error) {
	cfg := b.cfg
	address, err := util.ResolveAddr(cfg.Host, cfg.Port, cfg.NoDNS)
	if err != nil {
		return nil, err
	}
	return &ConnectMode{
		Dialer:  b.dialer(),
		Handler: h,
		Network: "tcp",
		Address: address,
		Backoff: retry.DialBackoff(cfg.DialAttempts),
		Metrics: b.metrics,
		Logger:  b.logger,
	}, nil
}

func (b *builder) listen(h ConnHandler) Mode {
	cfg := b.cfg
	address := util.FormatAddr(cfg.Host, cfg.LocalPort)
	logger := b.logger

	listen := func() (transport.Listener, error) {
		return transport.ListenTCP(address, logger)
	}
	if cfg.Transport == config.TransportWS {
		listen = func() (transport.Listener, error) {
			return transport.ListenWS(address, cfg.WSPath, logger)
		}
	}
	return &ListenMode{
		Listen:   listen,
		Handler:  h,
		KeepOpen: cfg.Agent,
		Logger:   logger,
	}
}

// ── shared helpers ───────────────────────────────────────────────────

func (b *builder) handler() (ConnHandler, error) {
	if b.cfg.Agent {
		return &Agent{Peer: NewAgentPeer(b.cfg.AgentDir, b.logger, peer.WithMaxFrame(b.cfg.MaxFrame))}, nil
	}
	c, err := b.capability()
	if err != nil {
		return nil, err
	}
	return &Controller{
		Capability: c,
		Options: []session.Option{
			session.WithLogger(b.logger),
			session.WithMetrics(b.metrics),
			session.WithGracePeriod(b.cfg.GracePeriod),
			session.WithMaxFrame(b.cfg.MaxFrame),
		},
		Logger: b.logger,
	}, nil
}

// dialer stacks the websocket transport on top of the SSH tunnel when
// both are configured.
func (b *builder) dialer() transport.Dialer {
	cfg := b.cfg
	var base transport.Dialer
	if cfg.TunnelEnabled {
		base = transport.NewSSHDialer(&transport.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.Timeout,
		}, b.logger)
	}

	if cfg.Transport == config.TransportWS {
		return &transport.WSDialer{
			Path:    cfg.WSPath,
			Timeout: cfg.Timeout,
			Via:     base,
			Logger:  b.logger,
		}
	}
	if base != nil {
		return base
	}
	return &transport.TCPDialer{
		Timeout:   cfg.Timeout,
		LocalPort: cfg.LocalPort,
		Logger:    b.logger,
	}
}

// capability maps the selected action onto its command.
func (b *builder) capability() (capability.Capability, error) {
	cfg := b.cfg
	switch {
	case cfg.Getwd:
		return &capability.GetwdCommand{Out: b.out}, nil
	case cfg.Find != "":
		return &capability.FindCommand{
			Options: capability.FindOptions{
				Keyword:   cfg.Find,
				Path:      cfg.FindPath,
				Recursive: cfg.Recursive,
				After:     unixOrZero(cfg.After),
				Before:    unixOrZero(cfg.Before),
			},
			Out:      b.out,
			Progress: b.progress,
		}, nil
	case cfg.CamList:
		return &capability.CamListCommand{Out: b.out}, nil
	case cfg.CamSnap != 0:
		return &capability.CamSnapCommand{
			ID:     cfg.CamSnap,
			Output: outputOr(cfg.OutputPath, "cam%d.jpg", cfg.CamSnap),
			Out:    b.out,
		}, nil
	case cfg.CamStream != 0:
		return &capability.CamStreamCommand{
			ID:       cfg.CamStream,
			Output:   outputOr(cfg.OutputPath, "cam%d-live.jpg", cfg.CamStream),
			Duration: cfg.Duration,
			Out:      b.out,
		}, nil
	case cfg.MicList:
		return &capability.MicListCommand{Out: b.out}, nil
	case cfg.MicStream != 0:
		return &capability.MicStreamCommand{
			ID:       cfg.MicStream,
			Output:   outputOr(cfg.OutputPath, "mic%d.raw", cfg.MicStream),
			Duration: cfg.Duration,
			Out:      b.out,
		}, nil
	case cfg.MicPlay != "":
		return &capability.MicPlayCommand{File: cfg.MicPlay, Out: b.out}, nil
	}
	return nil, fmt.Errorf("no action selected")
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func outputOr(path, format string, id int) string {
	if path != "" {
		return path
	}
	return fmt.Sprintf(format, id)
}
