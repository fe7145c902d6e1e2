// Package config defines the runtime configuration for tlvlink and the
// helpers that fill it from files, the environment and the tunnel spec.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	tlerr "tlvlink/internal/errors"
)

// Config holds every tuneable for one tlvlink run.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host      string        `toml:"host"`
	Port      int           `toml:"port"`
	LocalPort int           `toml:"local_port"` // listen port with -l, source port otherwise
	Listen    bool          `toml:"listen"`
	Agent     bool          `toml:"agent"`     // serve commands instead of issuing them
	Transport string        `toml:"transport"` // "tcp" or "ws"
	WSPath    string        `toml:"ws_path"`
	Timeout   time.Duration `toml:"timeout"`
	NoDNS     bool          `toml:"no_dns"`

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string `toml:"tunnel"` // raw [user@]host[:port] from -T
	TunnelEnabled  bool   `toml:"-"`
	TunnelUser     string `toml:"-"`
	TunnelHost     string `toml:"-"`
	TunnelPort     int    `toml:"-"`
	SSHKeyPath     string `toml:"ssh_key"`
	SSHPassword    bool   `toml:"ssh_password"` // true → prompt interactively
	UseSSHAgent    bool   `toml:"ssh_agent"`
	StrictHostKey  bool   `toml:"strict_hostkey"`
	KnownHostsPath string `toml:"known_hosts"`

	// ── Protocol ─────────────────────────────────────────────────────
	MaxFrame     int           `toml:"max_frame"`
	GracePeriod  time.Duration `toml:"grace_period"`
	DialAttempts int           `toml:"dial_attempts"`

	// ── Agent ────────────────────────────────────────────────────────
	AgentDir string `toml:"agent_dir"` // reported by fs.getwd; empty = process cwd

	// ── Actions (exactly one when not an agent) ──────────────────────
	Getwd     bool          `toml:"-"`
	Find      string        `toml:"-"` // keyword
	FindPath  string        `toml:"-"`
	Recursive bool          `toml:"-"`
	After     int64         `toml:"-"` // unix seconds, 0 = unbounded
	Before    int64         `toml:"-"`
	CamList   bool          `toml:"-"`
	CamSnap   int           `toml:"-"` // device id, 0 = unset
	CamStream int           `toml:"-"`
	MicList   bool          `toml:"-"`
	MicStream int           `toml:"-"`
	MicPlay   string        `toml:"-"` // local audio file
	Duration  time.Duration `toml:"-"` // stream length, 0 = until interrupted

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int    `toml:"verbose"`
	Metrics    bool   `toml:"metrics"`
	OutputPath string `toml:"-"`
}

// Actions lists the flag names of every action selected in c.
func (c *Config) Actions() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(c.Getwd, "getwd")
	add(c.Find != "", "find")
	add(c.CamList, "cam-list")
	add(c.CamSnap != 0, "cam-snap")
	add(c.CamStream != 0, "cam-stream")
	add(c.MicList, "mic-list")
	add(c.MicStream != 0, "mic-stream")
	add(c.MicPlay != "", "mic-play")
	return out
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the Tunnel* fields.  An empty
// spec disables the tunnel.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &tlerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec, Message: err.Error()}
	}
	c.TunnelEnabled = true
	c.TunnelUser, c.TunnelHost, c.TunnelPort = user, host, port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Listen {
		if c.LocalPort == 0 {
			return &tlerr.ConfigError{Field: "port", Message: "listen mode requires a port",
				Hint: "tlvlink -l -p 4444 ..."}
		}
		if c.TunnelEnabled {
			return &tlerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
				Message: "listen mode through an SSH tunnel is not supported"}
		}
	} else {
		if c.Host == "" {
			return &tlerr.ConfigError{Field: "host", Message: "hostname is required",
				Hint: "use --help for usage"}
		}
		if c.Port < 1 || c.Port > 65535 {
			return &tlerr.ConfigError{Field: "port", Value: c.Port, Message: "destination port must be 1-65535"}
		}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &tlerr.ConfigError{Field: "port", Value: c.LocalPort, Message: "local port must be 0-65535"}
	}

	switch c.Transport {
	case TransportTCP, TransportWS:
	default:
		return &tlerr.ConfigError{Field: "transport", Value: c.Transport,
			Message: "unknown transport", Hint: "use tcp or ws"}
	}

	actions := c.Actions()
	switch {
	case c.Agent && len(actions) > 0:
		return &tlerr.ConfigError{Field: actions[0], Message: "agent mode takes no action"}
	case !c.Agent && len(actions) == 0:
		return &tlerr.ConfigError{Field: "find", Message: "an action is required",
			Hint: "pick one of --getwd, --find, --cam-list, --cam-snap, --cam-stream, --mic-list, --mic-stream, --mic-play"}
	case len(actions) > 1:
		return &tlerr.ConfigError{Field: actions[1], Message: fmt.Sprintf("cannot be combined with --%s", actions[0])}
	}

	for _, id := range []struct {
		name string
		v    int
	}{{"cam-snap", c.CamSnap}, {"cam-stream", c.CamStream}, {"mic-stream", c.MicStream}} {
		if id.v < 0 {
			return &tlerr.ConfigError{Field: id.name, Value: id.v, Message: "device ids start at 1"}
		}
	}
	if c.Duration < 0 {
		return &tlerr.ConfigError{Field: "duration", Value: c.Duration, Message: "must not be negative"}
	}
	if c.After != 0 && c.Before != 0 && c.After > c.Before {
		return &tlerr.ConfigError{Field: "after", Value: c.After, Message: "later than --before"}
	}

	if c.MaxFrame < MinMaxFrame {
		return &tlerr.ConfigError{Field: "max-frame", Value: c.MaxFrame,
			Message: fmt.Sprintf("must be at least %d", MinMaxFrame)}
	}
	if c.GracePeriod < 0 {
		return &tlerr.ConfigError{Field: "grace-period", Value: c.GracePeriod, Message: "must not be negative"}
	}
	if c.DialAttempts < 1 {
		return &tlerr.ConfigError{Field: "dial-attempts", Value: c.DialAttempts, Message: "must be at least 1"}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &tlerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}
	return nil
}
