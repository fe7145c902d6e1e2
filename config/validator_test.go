package config

import (
	"errors"
	"strings"
	"testing"

	tlerr "tlvlink/internal/errors"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages naming the offending flag.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
		wantSub   string
	}{
		{
			name:      "listen no port has hint",
			cfg:       valid(func(c *Config) { c.Listen = true }),
			wantField: "port",
			wantSub:   "hint:",
		},
		{
			name:      "no action lists the choices",
			cfg:       valid(func(c *Config) { c.Getwd = false }),
			wantField: "find",
			wantSub:   "--mic-play",
		},
		{
			name:      "second action is blamed",
			cfg:       valid(func(c *Config) { c.MicList = true }),
			wantField: "mic-list",
			wantSub:   "cannot be combined with --getwd",
		},
		{
			name:      "transport hint",
			cfg:       valid(func(c *Config) { c.Transport = "quic" }),
			wantField: "transport",
			wantSub:   "--transport=quic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			var ce *tlerr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("got %T (%v), want *ConfigError", err, err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

// TestParseTunnelSpec_EdgeCases covers additional tunnel specs.
func TestParseTunnelSpec_EdgeCases(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"user@host.with.dots:22", false},
		{"user@host-with-dashes", false},
		{"host:0", true},
		{"host:65536", true},
		{"user@", false}, // "user@" is taken as the hostname
		{"", true},
		{":22", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, _, _, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseTunnelSpec(%q) err = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
