// Package config holds the client configuration consumed by the core.
// Parsing and validation of the outer surfaces (flags, files) live in cmd.
package config

import (
	"crypto/tls"
	"time"

	"github.com/camtun/camtun/internal/svctable"
)

// ProbeSpec describes one port probe the discovery engine runs against
// every candidate host.
type ProbeSpec struct {
	Port  uint16
	Kind  svctable.Kind
	Paths []string // candidate paths for MJPEG probing
}

// Config stores all tunable parameters. Zero values are replaced by the
// defaults below when the client is constructed.
type Config struct {
	// Relay endpoint.
	RelayHost string
	RelayPort uint16

	// TLS server identity. Empty means verify against RelayHost.
	ServerName string

	// TLSConfig, when non-nil, replaces the default verification policy
	// entirely (custom roots, pinning). ServerName is ignored then.
	TLSConfig *tls.Config

	// Discovery.
	ScanRanges       []string // CIDR ranges to probe; empty disables range probing
	Probes           []ProbeSpec
	ScanInterval     time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	MaxProbeHosts    int // hard cap on hosts enumerated from ScanRanges
	EnableMDNS       bool
	EnableSSDP       bool

	// Reconnection.
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	BackoffJitter    float64       // fractional randomization of each delay, e.g. 0.2 for ±20%
	StableResetAfter time.Duration // sustained Active time before backoff resets

	// Keepalive.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// Sessions.
	MaxSessions           int
	MaxSessionsPerService int
	DialTimeout           time.Duration

	// Framing.
	MaxFramePayload int

	// Persisted state file (identity + cached service table).
	StateFile string
}

// DefaultProbes covers the known service kinds on their conventional ports.
func DefaultProbes() []ProbeSpec {
	return []ProbeSpec{
		{Port: 554, Kind: svctable.KindRTSP},
		{Port: 80, Kind: svctable.KindHTTP},
		{Port: 8080, Kind: svctable.KindMJPEG, Paths: []string{"/video", "/mjpg/video.mjpg", "/stream"}},
	}
}

// WithDefaults fills in zero-valued fields and returns the config.
func (c Config) WithDefaults() Config {
	if c.RelayPort == 0 {
		c.RelayPort = 8900
	}
	if len(c.Probes) == 0 {
		c.Probes = DefaultProbes()
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProbeConcurrency == 0 {
		c.ProbeConcurrency = 32
	}
	if c.MaxProbeHosts == 0 {
		c.MaxProbeHosts = 1024
	}
	if c.BackoffFloor == 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = 60 * time.Second
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = 0.2
	}
	if c.StableResetAfter == 0 {
		c.StableResetAfter = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 25 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 10 * time.Second
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 64
	}
	if c.MaxSessionsPerService == 0 {
		c.MaxSessionsPerService = 8
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxFramePayload == 0 {
		c.MaxFramePayload = 64 * 1024
	}
	if c.StateFile == "" {
		c.StateFile = "camtun-state.json"
	}
	return c
}
