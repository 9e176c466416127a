// Package config provides the configuration schema and loader for the
// voicewire client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voicewire client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps [time.Duration] so YAML values like "5s" or "250ms" decode
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the voicewire client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Peer      PeerConfig      `yaml:"peer"`
	Admin     AdminConfig     `yaml:"admin"`
	Audio     AudioConfig     `yaml:"audio"`
	KeepAlive KeepAliveConfig `yaml:"keep_alive"`
	LogLevel  LogLevel        `yaml:"log_level"`
}

// PeerConfig identifies the remote peer and bounds the connection attempt.
type PeerConfig struct {
	// Host is the peer hostname or IP literal.
	Host string `yaml:"host"`

	// Port is the peer TCP port. Defaults to 8080.
	Port int `yaml:"port"`

	// HandshakeTimeout bounds the wait for the handshake reply.
	// Defaults to 5s.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// AdminConfig configures the local admin HTTP listener serving health and
// metrics endpoints. An empty ListenAddr disables it.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig tunes the capture/playback pipeline.
type AudioConfig struct {
	// BufferDuration sizes the capture buffer. Defaults to 100ms.
	BufferDuration Duration `yaml:"buffer_duration"`

	// Disabled skips device negotiation entirely; the session runs with
	// synthetic zero volume updates.
	Disabled bool `yaml:"disabled"`
}

// KeepAliveConfig tunes the periodic link probes.
type KeepAliveConfig struct {
	// Period is the fixed interval between probes. Defaults to 5s.
	Period Duration `yaml:"period"`

	// WarmUp is the initial delay before the first probe. Defaults to 2s.
	WarmUp Duration `yaml:"warm_up"`

	// Timeout bounds the wait for each PONG. Defaults to 3s.
	Timeout Duration `yaml:"timeout"`
}

// Defaults applied by [applyDefaults] when the corresponding field is zero.
const (
	DefaultPeerPort         = 8080
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultBufferDuration   = 100 * time.Millisecond
	DefaultKeepAlivePeriod  = 5 * time.Second
	DefaultKeepAliveWarmUp  = 2 * time.Second
	DefaultKeepAliveTimeout = 3 * time.Second
)

// applyDefaults fills the zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Peer.Port == 0 {
		c.Peer.Port = DefaultPeerPort
	}
	if c.Peer.HandshakeTimeout <= 0 {
		c.Peer.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.Audio.BufferDuration <= 0 {
		c.Audio.BufferDuration = Duration(DefaultBufferDuration)
	}
	if c.KeepAlive.Period <= 0 {
		c.KeepAlive.Period = Duration(DefaultKeepAlivePeriod)
	}
	if c.KeepAlive.WarmUp <= 0 {
		c.KeepAlive.WarmUp = Duration(DefaultKeepAliveWarmUp)
	}
	if c.KeepAlive.Timeout <= 0 {
		c.KeepAlive.Timeout = Duration(DefaultKeepAliveTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
}
