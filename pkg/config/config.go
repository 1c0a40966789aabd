// Package config loads blesurvey settings from defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BLESURVEY_DATABASE
const EnvPrefix = "BLESURVEY_"

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level" default:"info"`
	Database string `yaml:"database" json:"database" default:"blesurvey.db"`

	// Adapter is the Linux HCI device index (hci0 = 0)
	Adapter     int           `yaml:"adapter" json:"adapter" default:"0"`
	ActiveScan  bool          `yaml:"active_scan" json:"active_scan" default:"false"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" default:"30s"`

	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay" default:"60s"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval" default:"2s"`
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout" default:"45s"`
	MaxSessions    int           `yaml:"max_sessions" json:"max_sessions" default:"4"`
	ConnectRate    float64       `yaml:"connect_rate" json:"connect_rate" default:"2"`

	AdvertBuffer uint32 `yaml:"advert_buffer" json:"advert_buffer" default:"4096"`
	ConnectQueue int    `yaml:"connect_queue" json:"connect_queue" default:"256"`
	ResultQueue  int    `yaml:"result_queue" json:"result_queue" default:"64"`

	TargetServices []string `yaml:"target_services" json:"target_services"`
	AllowList      []string `yaml:"allow_list" json:"allow_list"`
	BlockList      []string `yaml:"block_list" json:"block_list"`
	DeviceIDChar   string   `yaml:"device_id_char" json:"device_id_char" default:"64b81e3c-d60c-4f08-8396-9351b04f7591"`
	PublicAddrChar string   `yaml:"public_addr_char" json:"public_addr_char" default:"00002a23-0000-1000-8000-00805f9b34fb"`
}

// DefaultTargetServices is the advertised service set a device must carry to be surveyed
var DefaultTargetServices = []string{
	"e45c1747-a0a4-44ab-8c06-a956df58d93a",
	"64b81e3c-d60c-4f08-8396-9351b04f7591",
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.TargetServices = append([]string(nil), DefaultTargetServices...)
	return cfg
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides fields from BLESURVEY_* environment variables
func ApplyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = splitList(v)
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE", &cfg.Database)
	str("DEVICE_ID_CHAR", &cfg.DeviceIDChar)
	str("PUBLIC_ADDR_CHAR", &cfg.PublicAddrChar)
	list("TARGET_SERVICES", &cfg.TargetServices)
	list("ALLOW_LIST", &cfg.AllowList)
	list("BLOCK_LIST", &cfg.BlockList)

	durations := map[string]*time.Duration{
		"DIAL_TIMEOUT":    &cfg.DialTimeout,
		"RETRY_DELAY":     &cfg.RetryDelay,
		"POLL_INTERVAL":   &cfg.PollInterval,
		"SESSION_TIMEOUT": &cfg.SessionTimeout,
	}
	for name, dst := range durations {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"ADAPTER":       &cfg.Adapter,
		"MAX_SESSIONS":  &cfg.MaxSessions,
		"CONNECT_QUEUE": &cfg.ConnectQueue,
		"RESULT_QUEUE":  &cfg.ResultQueue,
	}
	for name, dst := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv(EnvPrefix + "ADVERT_BUFFER"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %sADVERT_BUFFER: %w", EnvPrefix, err)
		}
		cfg.AdvertBuffer = uint32(n)
	}
	if v := os.Getenv(EnvPrefix + "CONNECT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sCONNECT_RATE: %w", EnvPrefix, err)
		}
		cfg.ConnectRate = f
	}
	if v := os.Getenv(EnvPrefix + "ACTIVE_SCAN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sACTIVE_SCAN: %w", EnvPrefix, err)
		}
		cfg.ActiveScan = b
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Adapter < 0 {
		return fmt.Errorf("adapter index cannot be negative: %d", c.Adapter)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive, got %v", c.RetryDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout cannot be negative, got %v", c.SessionTimeout)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", c.MaxSessions)
	}
	if c.ConnectRate < 0 {
		return fmt.Errorf("connect_rate cannot be negative, got %v", c.ConnectRate)
	}
	if c.AdvertBuffer == 0 || c.ConnectQueue <= 0 || c.ResultQueue <= 0 {
		return fmt.Errorf("advert_buffer, connect_queue and result_queue must be positive")
	}
	if c.DeviceIDChar == "" || c.PublicAddrChar == "" {
		return fmt.Errorf("device_id_char and public_addr_char are required")
	}
	if _, err := device.ValidateUUID(c.DeviceIDChar); err != nil {
		return fmt.Errorf("invalid device_id_char: %w", err)
	}
	if _, err := device.ValidateUUID(c.PublicAddrChar); err != nil {
		return fmt.Errorf("invalid public_addr_char: %w", err)
	}
	if len(c.TargetServices) > 0 {
		if _, err := device.ValidateUUID(c.TargetServices...); err != nil {
			return fmt.Errorf("invalid target_services: %w", err)
		}
	}
	return nil
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
