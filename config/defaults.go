package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so CLI flags, the config file and the
// environment start from the same values.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	TransportTCP = "tcp"
	TransportWS  = "ws"

	// DefaultWSPath is the upgrade path for the websocket transport.
	DefaultWSPath = "/tlv"

	// DefaultConnTimeout bounds TCP connects and SSH handshakes.
	DefaultConnTimeout = 30 * time.Second

	// DefaultMaxFrame caps a single protocol frame.
	DefaultMaxFrame = 16 << 20

	// MinMaxFrame is the smallest frame cap that still fits a pipe
	// read reply.
	MinMaxFrame = 64 << 10

	// DefaultGracePeriod is how long session teardown waits for stream
	// readers before cutting the transport.
	DefaultGracePeriod = 5 * time.Second

	// DefaultDialAttempts is how many times connect mode dials before
	// giving up.
	DefaultDialAttempts = 3

	// DefaultEnvFile is loaded when present and --env-file is not given.
	DefaultEnvFile = ".env"
)

// Default returns a Config populated with the defaults above.
func Default() *Config {
	return &Config{
		Transport:    TransportTCP,
		WSPath:       DefaultWSPath,
		Timeout:      DefaultConnTimeout,
		MaxFrame:     DefaultMaxFrame,
		GracePeriod:  DefaultGracePeriod,
		DialAttempts: DefaultDialAttempts,
	}
}
