package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/user/herald-blue/util"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// SensorConfig holds the timing knobs of the BLE sensor.
type SensorConfig struct {
	// AdvertRestartInterval is how long an advert runs before the
	// transmitter tears it down and starts a fresh one.
	AdvertRestartInterval time.Duration `yaml:"advert_restart_interval"`
	// PayloadSharingInterval bounds how recently a payload must have been
	// read for it to be shared with other peers.
	PayloadSharingInterval time.Duration `yaml:"payload_sharing_interval"`
	// DeviceExpiry is how long a device may go without updates before
	// the receiver removes it from the registry.
	DeviceExpiry  time.Duration `yaml:"device_expiry"`
	TimerInterval time.Duration `yaml:"timer_interval"`
	ReadCacheSize int           `yaml:"read_cache_size"`
}

// SimulationConfig drives cmd/herald-sim.
type SimulationConfig struct {
	Peers    int           `yaml:"peers"`
	MTU      int           `yaml:"mtu"`
	Duration time.Duration `yaml:"duration"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Sensor:   DefaultSensorConfig(),
		Simulation: SimulationConfig{
			Peers:    3,
			MTU:      23,
			Duration: 10 * time.Second,
		},
	}
}

// DefaultSensorConfig returns the sensor defaults on their own, for
// callers that embed a sensor without a config file.
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		AdvertRestartInterval:  15 * time.Minute,
		PayloadSharingInterval: 5 * time.Minute,
		DeviceExpiry:           15 * time.Minute,
		TimerInterval:          time.Second,
		ReadCacheSize:          256,
	}
}

// WithDefaults returns s with every non-positive field replaced by its
// default, so a zero SensorConfig behaves like DefaultSensorConfig.
func (s SensorConfig) WithDefaults() SensorConfig {
	d := DefaultSensorConfig()
	if s.AdvertRestartInterval <= 0 {
		s.AdvertRestartInterval = d.AdvertRestartInterval
	}
	if s.PayloadSharingInterval <= 0 {
		s.PayloadSharingInterval = d.PayloadSharingInterval
	}
	if s.DeviceExpiry <= 0 {
		s.DeviceExpiry = d.DeviceExpiry
	}
	if s.TimerInterval <= 0 {
		s.TimerInterval = d.TimerInterval
	}
	if s.ReadCacheSize <= 0 {
		s.ReadCacheSize = d.ReadCacheSize
	}
	return s
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return util.GetConfigPath()
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default when
// it does not. Any other read or parse failure is returned.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	if err := c.Sensor.Validate(); err != nil {
		return err
	}

	if c.Simulation.Peers < 0 {
		return errors.New("simulation.peers must be >= 0")
	}
	if c.Simulation.MTU != 0 && c.Simulation.MTU < 23 {
		return errors.Errorf("simulation.mtu must be at least 23, got %d", c.Simulation.MTU)
	}

	return nil
}

// Validate checks the sensor timings.
func (s SensorConfig) Validate() error {
	if s.AdvertRestartInterval <= 0 {
		return errors.New("sensor.advert_restart_interval must be > 0")
	}
	if s.PayloadSharingInterval <= 0 {
		return errors.New("sensor.payload_sharing_interval must be > 0")
	}
	if s.DeviceExpiry <= 0 {
		return errors.New("sensor.device_expiry must be > 0")
	}
	if s.TimerInterval <= 0 {
		return errors.New("sensor.timer_interval must be > 0")
	}
	if s.ReadCacheSize <= 0 {
		return errors.New("sensor.read_cache_size must be > 0")
	}
	return nil
}
