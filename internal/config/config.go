// Package config manages hidiod daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hid-io/gohidio/internal/hidio"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete hidiod configuration.
type Config struct {
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Protocol ProtocolConfig `koanf:"protocol"`
	Devices  []DeviceConfig `koanf:"devices"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9102").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ProtocolConfig holds the default protocol core capacities.
// These can be overridden per device.
type ProtocolConfig struct {
	// MTU is the default transport chunk capacity in bytes. Must be one
	// of the HID report sizes the protocol is carried over.
	MTU int `koanf:"mtu"`

	// RxQueueDepth is the inbound byte queue depth in chunks.
	RxQueueDepth int `koanf:"rx_queue_depth"`

	// TxQueueDepth is the outbound byte queue depth in chunks.
	TxQueueDepth int `koanf:"tx_queue_depth"`

	// PayloadCapacity bounds the reassembly buffer payload in bytes.
	// Zero disables the bound.
	PayloadCapacity int `koanf:"payload_capacity"`

	// MaxIDs bounds the id list decoded from a SupportedIds
	// acknowledgement. Overlong lists are truncated silently, which is
	// wire-observable; the bound is therefore explicit configuration
	// rather than a constant.
	MaxIDs int `koanf:"max_ids"`

	// ContinuationTimeout resets an in-progress reassembly that has seen
	// no continuation chunk for this long. Zero disables the timeout.
	ContinuationTimeout time.Duration `koanf:"continuation_timeout"`
}

// DeviceConfig describes a declarative HID device from the configuration
// file. Each entry opens one hidraw device on daemon startup.
type DeviceConfig struct {
	// Path is the hidraw device node (e.g., "/dev/hidraw0").
	Path string `koanf:"path"`

	// Name is an optional human-readable label used in logs and metrics.
	// Defaults to the path.
	Name string `koanf:"name"`

	// MTU overrides the default transport chunk capacity for this device.
	MTU int `koanf:"mtu"`

	// NumberedReports indicates the device uses numbered HID reports: the
	// transport strips the report id byte on read and prepends it on write.
	NumberedReports bool `koanf:"numbered_reports"`
}

// Label returns the device's log/metrics label: Name when set, Path
// otherwise.
func (dc DeviceConfig) Label() string {
	if dc.Name != "" {
		return dc.Name
	}
	return dc.Path
}

// EffectiveMTU returns the device's chunk capacity, falling back to the
// protocol default.
func (dc DeviceConfig) EffectiveMTU(defaults ProtocolConfig) int {
	if dc.MTU != 0 {
		return dc.MTU
	}
	return defaults.MTU
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The 64-byte MTU matches USB 2.0 full-speed HID reports, the transport
// the protocol was designed around. The 1 KiB payload capacity covers
// every currently specified command's worst case while keeping a
// misbehaving peer from growing host memory without bound.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9102",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Protocol: ProtocolConfig{
			MTU:                 hidio.DefaultMaxLen,
			RxQueueDepth:        8,
			TxQueueDepth:        8,
			PayloadCapacity:     1024,
			MaxIDs:              64,
			ContinuationTimeout: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for hidiod configuration.
// Variables are named HIDIO_<section>_<key>, e.g., HIDIO_METRICS_ADDR.
const envPrefix = "HIDIO_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (HIDIO_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	HIDIO_METRICS_ADDR -> metrics.addr
//	HIDIO_METRICS_PATH -> metrics.path
//	HIDIO_LOG_LEVEL    -> log.level
//	HIDIO_LOG_FORMAT   -> log.format
//	HIDIO_PROTOCOL_MTU -> protocol.mtu
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// HIDIO_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms HIDIO_METRICS_ADDR -> metrics.addr.
// Strips the HIDIO_ prefix and lowercases. Section names never contain
// underscores, but several protocol keys do (rx_queue_depth), so only the
// first underscore becomes a separator.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"protocol.mtu":                  defaults.Protocol.MTU,
		"protocol.rx_queue_depth":       defaults.Protocol.RxQueueDepth,
		"protocol.tx_queue_depth":       defaults.Protocol.TxQueueDepth,
		"protocol.payload_capacity":     defaults.Protocol.PayloadCapacity,
		"protocol.max_ids":              defaults.Protocol.MaxIDs,
		"protocol.continuation_timeout": defaults.Protocol.ContinuationTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidMTU indicates a chunk capacity outside the HID report sizes.
	ErrInvalidMTU = errors.New("mtu must be one of 7, 8, 63, 64, 1023, 1024")

	// ErrInvalidQueueDepth indicates a byte queue depth below 1.
	ErrInvalidQueueDepth = errors.New("queue depth must be >= 1")

	// ErrInvalidPayloadCapacity indicates a negative reassembly bound.
	ErrInvalidPayloadCapacity = errors.New("protocol.payload_capacity must be >= 0")

	// ErrInvalidMaxIDs indicates a supported-id bound below 1.
	ErrInvalidMaxIDs = errors.New("protocol.max_ids must be >= 1")

	// ErrEmptyDevicePath indicates a device entry without a path.
	ErrEmptyDevicePath = errors.New("device path must not be empty")

	// ErrDuplicateDevicePath indicates two device entries share a path.
	ErrDuplicateDevicePath = errors.New("duplicate device path")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if !validMTU(cfg.Protocol.MTU) {
		return fmt.Errorf("protocol.mtu %d: %w", cfg.Protocol.MTU, ErrInvalidMTU)
	}

	if cfg.Protocol.RxQueueDepth < 1 || cfg.Protocol.TxQueueDepth < 1 {
		return ErrInvalidQueueDepth
	}

	if cfg.Protocol.PayloadCapacity < 0 {
		return ErrInvalidPayloadCapacity
	}

	if cfg.Protocol.MaxIDs < 1 {
		return ErrInvalidMaxIDs
	}

	return validateDevices(cfg)
}

// validMTU reports whether n is one of the HID report sizes.
func validMTU(n int) bool {
	for _, size := range hidio.ValidChunkSizes {
		if n == size {
			return true
		}
	}
	return false
}

// validateDevices checks each declarative device entry for correctness.
func validateDevices(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Devices))

	for i, dc := range cfg.Devices {
		if dc.Path == "" {
			return fmt.Errorf("devices[%d]: %w", i, ErrEmptyDevicePath)
		}

		if dc.MTU != 0 && !validMTU(dc.MTU) {
			return fmt.Errorf("devices[%d] mtu %d: %w", i, dc.MTU, ErrInvalidMTU)
		}

		if _, dup := seen[dc.Path]; dup {
			return fmt.Errorf("devices[%d] path %q: %w", i, dc.Path, ErrDuplicateDevicePath)
		}
		seen[dc.Path] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
