// Package config loads WRAITH node configuration from TOML, the format
// the teacher's own daemons (e.g. its mailproxy/server configs) use via
// BurntSushi/toml. Every option enumerated in spec.md §6 has a field
// here, grouped the way the spec groups them. Default supplies the default
// values, Load decodes a file over them, and Validate only rejects
// settings that cannot be used; it fills in nothing.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend selects the datagram transport implementation.
type Backend string

const (
	BackendUDP    Backend = "udp"
	BackendAFXDP  Backend = "afxdp"
	BackendIOUring Backend = "iouring"
)

// ObfuscationLevel selects how aggressively outbound traffic is shaped to
// resemble another protocol.
type ObfuscationLevel string

const (
	ObfuscationNone     ObfuscationLevel = "none"
	ObfuscationLow      ObfuscationLevel = "low"
	ObfuscationMedium   ObfuscationLevel = "medium"
	ObfuscationHigh     ObfuscationLevel = "high"
	ObfuscationParanoid ObfuscationLevel = "paranoid"
)

// MultiPeerStrategy selects the transfer coordinator's chunk-assignment
// policy.
type MultiPeerStrategy string

const (
	StrategyFastestFirst MultiPeerStrategy = "FastestFirst"
	StrategyRoundRobin   MultiPeerStrategy = "RoundRobin"
)

// RateLimitConfig groups spec.md §6's rate_limit.* options.
type RateLimitConfig struct {
	ConnectionsPerIPPerMin  float64 `toml:"connections_per_ip_per_min"`
	PacketsPerSessionPerSec float64 `toml:"packets_per_session_per_sec"`
	BytesPerSessionPerSec   float64 `toml:"bytes_per_session_per_sec"`
}

// CircuitBreakerConfig groups spec.md §6's circuit_breaker.* options.
type CircuitBreakerConfig struct {
	Threshold int           `toml:"threshold"`
	Cooldown  time.Duration `toml:"cooldown"`
}

// PingConfig groups spec.md §6's ping.* options.
type PingConfig struct {
	InitialTimeout time.Duration `toml:"initial_timeout"`
	Retries        int           `toml:"retries"`
	Backoff        float64       `toml:"backoff"`
}

// MultiPeerConfig groups spec.md §6's multi_peer.* options.
type MultiPeerConfig struct {
	Strategy MultiPeerStrategy `toml:"strategy"`
}

// NoiseConfig groups spec.md §6's noise.* options.
type NoiseConfig struct {
	Prologue string `toml:"prologue"`
}

// Config is the full, enumerated node configuration surface from
// spec.md §6.
type Config struct {
	ListenAddr            string           `toml:"listen_addr"`
	Backend               Backend          `toml:"backend"`
	MaxConcurrentSessions int              `toml:"max_concurrent_sessions"`
	SessionIdleTimeout    time.Duration    `toml:"session_idle_timeout"`
	ChunkSize             int              `toml:"chunk_size"`
	RekeyIntervalMessages int              `toml:"rekey_interval_messages"`
	RekeyIntervalSeconds  int              `toml:"rekey_interval_seconds"`
	ObfuscationLevel      ObfuscationLevel `toml:"obfuscation_level"`

	RateLimit      RateLimitConfig      `toml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Ping           PingConfig           `toml:"ping"`
	MultiPeer      MultiPeerConfig      `toml:"multi_peer"`
	Noise          NoiseConfig          `toml:"noise"`
}

// Default returns a Config populated with the defaults named elsewhere
// in the spec (idle timeout 60s, ping 1s/3 retries/2x backoff, rekey
// every 2^16 messages or 600s, etc.).
func Default() Config {
	return Config{
		ListenAddr:            "0.0.0.0:7777",
		Backend:               BackendUDP,
		MaxConcurrentSessions: 4096,
		SessionIdleTimeout:    60 * time.Second,
		ChunkSize:             1 << 20,
		RekeyIntervalMessages: 1 << 16,
		RekeyIntervalSeconds:  600,
		ObfuscationLevel:      ObfuscationNone,
		RateLimit: RateLimitConfig{
			ConnectionsPerIPPerMin:  60,
			PacketsPerSessionPerSec: 2000,
			BytesPerSessionPerSec:   50 << 20,
		},
		CircuitBreaker: CircuitBreakerConfig{Threshold: 5, Cooldown: 1 * time.Second},
		Ping:           PingConfig{InitialTimeout: 1 * time.Second, Retries: 3, Backoff: 2.0},
		MultiPeer:      MultiPeerConfig{Strategy: StrategyFastestFirst},
	}
}

// Load reads and parses a TOML configuration file at path, applying
// Default()'s values for anything the file does not set.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be started safely.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	switch c.Backend {
	case BackendUDP, BackendAFXDP, BackendIOUring:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	switch c.ObfuscationLevel {
	case ObfuscationNone, ObfuscationLow, ObfuscationMedium, ObfuscationHigh, ObfuscationParanoid:
	default:
		return fmt.Errorf("config: unknown obfuscation level %q", c.ObfuscationLevel)
	}
	switch c.MultiPeer.Strategy {
	case StrategyFastestFirst, StrategyRoundRobin:
	default:
		return fmt.Errorf("config: unknown multi_peer strategy %q", c.MultiPeer.Strategy)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("config: max_concurrent_sessions must be positive")
	}
	return nil
}
