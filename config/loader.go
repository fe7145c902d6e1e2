package config

// loader.go - configuration loading from files and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables
//   3. .env file  (copied into the environment, never over existing vars)
//   4. TOML config file
//   5. Defaults   (defaults.go)

import (
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	tlerr "tlvlink/internal/errors"
)

// LoadFile overlays the TOML file at path onto cfg.  Keys the file sets
// replace cfg's values; unknown keys are an error so typos do not pass
// silently.
func LoadFile(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return &tlerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return &tlerr.ConfigError{Field: "config", Value: path,
			Message: "unknown keys: " + strings.Join(keys, ", ")}
	}
	return nil
}

// LoadDotEnv copies the variables in a .env file into the process
// environment.  A missing file is only an error when required.
func LoadDotEnv(path string, required bool) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &tlerr.ConfigError{Field: "env-file", Value: path, Message: err.Error()}
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TLVLINK_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("1m30s") or plain seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TLVLINK_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("TLVLINK_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := envInt("TLVLINK_LOCAL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if envBool("TLVLINK_LISTEN") {
		cfg.Listen = true
	}
	if envBool("TLVLINK_AGENT") {
		cfg.Agent = true
	}
	if v := os.Getenv("TLVLINK_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("TLVLINK_WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if envBool("TLVLINK_NO_DNS") {
		cfg.NoDNS = true
	}
	if v := envDuration("TLVLINK_TIMEOUT"); v > 0 {
		cfg.Timeout = v
	}

	// SSH tunnel
	if v := os.Getenv("TLVLINK_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("TLVLINK_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("TLVLINK_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("TLVLINK_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("TLVLINK_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("TLVLINK_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Protocol
	if v := envInt("TLVLINK_MAX_FRAME"); v > 0 {
		cfg.MaxFrame = v
	}
	if v := envDuration("TLVLINK_GRACE_PERIOD"); v > 0 {
		cfg.GracePeriod = v
	}
	if v := envInt("TLVLINK_DIAL_ATTEMPTS"); v > 0 {
		cfg.DialAttempts = v
	}
	if v := os.Getenv("TLVLINK_AGENT_DIR"); v != "" {
		cfg.AgentDir = v
	}

	// Output
	if v := envInt("TLVLINK_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("TLVLINK_METRICS") {
		cfg.Metrics = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}
