// Package config loads the TOML configuration of one device.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/channel"
	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
)

// Mode is the execution mode of a device.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeSimulation Mode = "simulation"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config holds the complete device configuration.
type Config struct {
	Device   DeviceConfig   `toml:"device"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Session  SessionConfig  `toml:"session"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Channels ChannelsConfig `toml:"channels"`
	Logging  LoggingConfig  `toml:"logging"`
}

// DeviceConfig identifies the device. Ids are 32-byte lower hex.
type DeviceConfig struct {
	DeviceID    ids.DeviceID    `toml:"device_id"`
	AuthorityID ids.AuthorityID `toml:"authority_id"`
	ContextID   ids.ContextID   `toml:"context_id"`
	Mode        Mode            `toml:"mode"`
	// Seed drives deterministic simulations; hex encoded.
	Seed string `toml:"seed"`
}

// LedgerConfig selects where the journal is kept.
type LedgerConfig struct {
	Backend string `toml:"backend"`
	// Dir is the badger directory.
	Dir string `toml:"dir"`
}

// SessionConfig holds protocol session limits, in account epochs.
type SessionConfig struct {
	DKDTTLEpochs       uint64 `toml:"dkd_ttl_epochs"`
	AwaitTimeoutEpochs uint64 `toml:"await_timeout_epochs"`
}

// BridgeConfig tunes command dispatch.
type BridgeConfig struct {
	CommandBuffer  int           `toml:"command_buffer"`
	EventBuffer    int           `toml:"event_buffer"`
	CommandTimeout time.Duration `toml:"command_timeout"`
	AutoRetry      bool          `toml:"auto_retry"`
	MaxRetries     uint64        `toml:"max_retries"`
	RetryBackoff   time.Duration `toml:"retry_backoff"`
}

// ChannelsConfig tunes the secure channel registry.
type ChannelsConfig struct {
	MaxChannels          int           `toml:"max_channels"`
	AutoReconnect        bool          `toml:"auto_reconnect"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	Graceful             bool          `toml:"graceful"`
	TeardownTimeout      time.Duration `toml:"teardown_timeout"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string         `toml:"level"`
	Format logging.Format `toml:"format"`
}

// Default returns the configuration used for every key a file omits.
func Default() *Config {
	b := bridge.DefaultConfig()
	ch := channel.DefaultConfig()
	return &Config{
		Device: DeviceConfig{Mode: ModeProduction},
		Ledger: LedgerConfig{Backend: BackendMemory},
		Session: SessionConfig{
			DKDTTLEpochs:       choreo.DefaultDKDTTLEpochs,
			AwaitTimeoutEpochs: choreo.DefaultAwaitTimeoutEpochs,
		},
		Bridge: BridgeConfig{
			CommandBuffer:  b.CommandBuffer,
			EventBuffer:    b.EventBuffer,
			CommandTimeout: b.CommandTimeout,
			AutoRetry:      b.AutoRetry,
			MaxRetries:     b.MaxRetries,
			RetryBackoff:   b.RetryBackoff,
		},
		Channels: ChannelsConfig{
			MaxChannels:          ch.MaxChannels,
			AutoReconnect:        ch.AutoReconnect,
			MaxReconnectAttempts: ch.MaxReconnectAttempts,
			Graceful:             ch.Graceful,
			TeardownTimeout:      ch.TeardownTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: logging.FormatConsole},
	}
}

// Load decodes the file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads TOML from r over Default and validates the result.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate returns every problem with c at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	invalid := func(field, format string, args ...any) {
		result = multierror.Append(result, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Device.Mode {
	case ModeProduction:
		if ids.IsZero(c.Device.DeviceID) {
			invalid("device.device_id", "required in production mode")
		}
		if ids.IsZero(c.Device.AuthorityID) {
			invalid("device.authority_id", "required in production mode")
		}
		if c.Device.Seed != "" {
			invalid("device.seed", "only simulations take a seed")
		}
	case ModeSimulation:
		if _, err := c.Device.SeedBytes(); err != nil {
			invalid("device.seed", "%v", err)
		}
	default:
		invalid("device.mode", "must be %q or %q, got %q", ModeProduction, ModeSimulation, c.Device.Mode)
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Ledger.Dir == "" {
			invalid("ledger.dir", "required for the badger backend")
		}
	default:
		invalid("ledger.backend", "must be %q or %q, got %q", BackendMemory, BackendBadger, c.Ledger.Backend)
	}

	if c.Session.DKDTTLEpochs == 0 {
		invalid("session.dkd_ttl_epochs", "must be positive")
	}
	if c.Session.AwaitTimeoutEpochs == 0 {
		invalid("session.await_timeout_epochs", "must be positive")
	}

	if c.Bridge.CommandBuffer <= 0 {
		invalid("bridge.command_buffer", "must be positive")
	}
	if c.Bridge.EventBuffer <= 0 {
		invalid("bridge.event_buffer", "must be positive")
	}
	if c.Bridge.CommandTimeout <= 0 {
		invalid("bridge.command_timeout", "must be positive")
	}
	if c.Bridge.AutoRetry && c.Bridge.RetryBackoff <= 0 {
		invalid("bridge.retry_backoff", "must be positive when auto_retry is set")
	}

	if c.Channels.MaxChannels <= 0 {
		invalid("channels.max_channels", "must be positive")
	}
	if c.Channels.MaxReconnectAttempts < 0 {
		invalid("channels.max_reconnect_attempts", "must not be negative")
	}
	if c.Channels.Graceful && c.Channels.TeardownTimeout <= 0 {
		invalid("channels.teardown_timeout", "must be positive for graceful teardown")
	}

	if _, err := logging.New(logging.Options{Level: c.Logging.Level, Format: c.Logging.Format, Output: io.Discard}); err != nil {
		invalid("logging", "%v", err)
	}
	return result.ErrorOrNil()
}

// ErrNoSeed is returned for a simulation without a seed.
var ErrNoSeed = errors.New("simulation seed missing")

// SeedBytes decodes the simulation seed.
func (d DeviceConfig) SeedBytes() ([]byte, error) {
	if d.Seed == "" {
		return nil, ErrNoSeed
	}
	seed, err := hex.DecodeString(d.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed is not hex: %w", err)
	}
	if len(seed) != ids.Size {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ids.Size)
	}
	return seed, nil
}

// Options returns the bridge configuration.
func (b BridgeConfig) Options() bridge.Config {
	return bridge.Config{
		CommandBuffer:  b.CommandBuffer,
		EventBuffer:    b.EventBuffer,
		CommandTimeout: b.CommandTimeout,
		AutoRetry:      b.AutoRetry,
		MaxRetries:     b.MaxRetries,
		RetryBackoff:   b.RetryBackoff,
	}
}

// Options returns the channel registry configuration.
func (c ChannelsConfig) Options() channel.Config {
	return channel.Config{
		MaxChannels:          c.MaxChannels,
		Graceful:             c.Graceful,
		TeardownTimeout:      c.TeardownTimeout,
		AutoReconnect:        c.AutoReconnect,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
	}
}

// Options returns the root logger options.
func (l LoggingConfig) Options(out io.Writer) logging.Options {
	return logging.Options{Level: l.Level, Format: l.Format, Output: out}
}
