// Package config loads the echo device configuration from defaults, an
// optional YAML file and CDCECHO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ardnew/cdcecho/cdc"
	"github.com/ardnew/cdcecho/echo"
)

// EnvPrefix is the prefix of environment overrides, e.g. CDCECHO_LOG_LEVEL.
const EnvPrefix = "CDCECHO"

// Link kinds.
const (
	LinkMem  = "mem"
	LinkFIFO = "fifo"
)

// Config is the root configuration.
type Config struct {
	Device      DeviceConfig      `mapstructure:"device"`
	Buffers     BuffersConfig     `mapstructure:"buffers"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Link        LinkConfig        `mapstructure:"link"`
	Log         LogConfig         `mapstructure:"log"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// DeviceConfig is how the device identifies itself on the bus.
type DeviceConfig struct {
	VendorID     uint16 `mapstructure:"vendor_id"`
	ProductID    uint16 `mapstructure:"product_id"`
	Manufacturer string `mapstructure:"manufacturer"`
	Product      string `mapstructure:"product"`
	SerialNumber string `mapstructure:"serial_number"`
	// CompositeIAD reports the device as a composite with an Interface
	// Association Descriptor, needed by Windows.
	CompositeIAD bool `mapstructure:"composite_iad"`
	// MaxPacketSize is the bulk endpoint packet size.
	MaxPacketSize int `mapstructure:"max_packet_size"`
}

// BuffersConfig sizes the fixed buffers.
type BuffersConfig struct {
	// Packet is the echo task's packet buffer. It must be at least the
	// endpoint packet size or a full packet overflows it.
	Packet           int `mapstructure:"packet"`
	ConfigDescriptor int `mapstructure:"config_descriptor"`
	BOSDescriptor    int `mapstructure:"bos_descriptor"`
	Control          int `mapstructure:"control"`
}

// HeartbeatConfig controls the status LED.
type HeartbeatConfig struct {
	HalfPeriod time.Duration `mapstructure:"half_period"`
}

// LinkConfig selects the bus the device is exposed on.
type LinkConfig struct {
	// Kind: mem or fifo
	Kind   string `mapstructure:"kind"`
	BusDir string `mapstructure:"bus_dir"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
	// File, if set, receives the log instead of stderr.
	File     string         `mapstructure:"file"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DiagnosticsConfig enables debugging aids.
type DiagnosticsConfig struct {
	// Trace logs the payload of every echoed packet.
	Trace bool `mapstructure:"trace"`

	// CPUProfile and HeapProfile are pprof output paths, empty to disable.
	CPUProfile  string `mapstructure:"cpu_profile"`
	HeapProfile string `mapstructure:"heap_profile"`
}

// Default returns the stock device configuration.
func Default() *Config {
	id := cdc.DefaultIdentity
	layout := cdc.DefaultLayout
	return &Config{
		Device: DeviceConfig{
			VendorID:      id.VendorID,
			ProductID:     id.ProductID,
			Manufacturer:  id.Manufacturer,
			Product:       id.Product,
			SerialNumber:  id.SerialNumber,
			CompositeIAD:  id.CompositeIAD,
			MaxPacketSize: layout.MaxPacketSize,
		},
		Buffers: BuffersConfig{
			Packet:           echo.DefaultPacketSize,
			ConfigDescriptor: layout.ConfigDescriptorSize,
			BOSDescriptor:    layout.BOSDescriptorSize,
			Control:          layout.ControlBufferSize,
		},
		Heartbeat: HeartbeatConfig{HalfPeriod: time.Second},
		Link: LinkConfig{
			Kind:   LinkFIFO,
			BusDir: filepath.Join(os.TempDir(), "cdcecho"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Rotation: RotationConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// SetDefaults seeds v with the default configuration so that environment
// variables and flags override keys that appear in no file.
func SetDefaults(v *viper.Viper) {
	cfg := Default()
	v.SetDefault("device.vendor_id", cfg.Device.VendorID)
	v.SetDefault("device.product_id", cfg.Device.ProductID)
	v.SetDefault("device.manufacturer", cfg.Device.Manufacturer)
	v.SetDefault("device.product", cfg.Device.Product)
	v.SetDefault("device.serial_number", cfg.Device.SerialNumber)
	v.SetDefault("device.composite_iad", cfg.Device.CompositeIAD)
	v.SetDefault("device.max_packet_size", cfg.Device.MaxPacketSize)
	v.SetDefault("buffers.packet", cfg.Buffers.Packet)
	v.SetDefault("buffers.config_descriptor", cfg.Buffers.ConfigDescriptor)
	v.SetDefault("buffers.bos_descriptor", cfg.Buffers.BOSDescriptor)
	v.SetDefault("buffers.control", cfg.Buffers.Control)
	v.SetDefault("heartbeat.half_period", cfg.Heartbeat.HalfPeriod)
	v.SetDefault("link.kind", cfg.Link.Kind)
	v.SetDefault("link.bus_dir", cfg.Link.BusDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("diagnostics.trace", cfg.Diagnostics.Trace)
	v.SetDefault("diagnostics.cpu_profile", cfg.Diagnostics.CPUProfile)
	v.SetDefault("diagnostics.heap_profile", cfg.Diagnostics.HeapProfile)
}

// Load reads the configuration through v, which may already have flags
// bound to it. A nil v uses a fresh instance. If path is empty,
// CDCECHO_CONFIG is consulted, then cdcecho.yaml in the working directory
// and ~/.cdcecho; a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cdcecho")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cdcecho"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes string enumerations.
func (c *Config) Validate() error {
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("invalid buffers: %w", err)
	}
	if c.Buffers.Packet <= 0 || c.Buffers.Packet > echo.MaxPacketSize {
		return fmt.Errorf("invalid buffers.packet: %d", c.Buffers.Packet)
	}
	if c.Heartbeat.HalfPeriod <= 0 {
		return fmt.Errorf("invalid heartbeat.half_period: %v", c.Heartbeat.HalfPeriod)
	}

	c.Link.Kind = strings.ToLower(strings.TrimSpace(c.Link.Kind))
	switch c.Link.Kind {
	case LinkMem:
	case LinkFIFO:
		if c.Link.BusDir == "" {
			return errors.New("link.bus_dir is required for the fifo link")
		}
	default:
		return fmt.Errorf("invalid link.kind: %q", c.Link.Kind)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	return nil
}

// Identity returns the device identity for the descriptor builder.
func (c *Config) Identity() cdc.Identity {
	id := cdc.DefaultIdentity
	id.VendorID = c.Device.VendorID
	id.ProductID = c.Device.ProductID
	id.Manufacturer = c.Device.Manufacturer
	id.Product = c.Device.Product
	id.SerialNumber = c.Device.SerialNumber
	id.CompositeIAD = c.Device.CompositeIAD
	return id
}

// Layout returns the descriptor buffer layout.
func (c *Config) Layout() cdc.Layout {
	return cdc.Layout{
		MaxPacketSize:        c.Device.MaxPacketSize,
		ConfigDescriptorSize: c.Buffers.ConfigDescriptor,
		BOSDescriptorSize:    c.Buffers.BOSDescriptor,
		ControlBufferSize:    c.Buffers.Control,
	}
}
