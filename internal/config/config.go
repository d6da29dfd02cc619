// Package config loads the blecentral YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Backend   string          `yaml:"backend"` // "hci" or "host"
	HCI       HCIConfig       `yaml:"hci"`
	Target    TargetConfig    `yaml:"target"`
	Scan      ScanConfig      `yaml:"scan"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Indicator IndicatorConfig `yaml:"indicator"`
	OSC       OSCConfig       `yaml:"osc"`
}

// HCIConfig holds settings for the local HCI controller backend.
type HCIConfig struct {
	DeviceID int    `yaml:"device_id"` // hciN
	ScanMode string `yaml:"scan_mode"` // "passive" or "active"
}

// TargetConfig selects the GATT profile to subscribe to.
type TargetConfig struct {
	Profile            string `yaml:"profile"` // "keypress", "heart-rate" or "custom"
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// ScanConfig holds scan filter settings.
type ScanConfig struct {
	RSSIThreshold int `yaml:"rssi_threshold"` // dBm
}

// TimeoutConfig holds lifecycle timeouts.
type TimeoutConfig struct {
	Connect        time.Duration `yaml:"connect"`
	DiscoveryStage time.Duration `yaml:"discovery_stage"` // 0 disables
	ScanRetryMax   time.Duration `yaml:"scan_retry_max"`
}

// IndicatorConfig selects where LED state goes.
type IndicatorConfig struct {
	Backend string `yaml:"backend"` // "log" or "osc"
}

// OSCConfig holds the OSC receiver settings.
type OSCConfig struct {
	Address              string `yaml:"address"` // host:port
	ForwardNotifications bool   `yaml:"forward_notifications"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  "hci",
		HCI: HCIConfig{
			DeviceID: 0,
			ScanMode: "passive",
		},
		Target: TargetConfig{
			Profile: "keypress",
		},
		Scan: ScanConfig{
			RSSIThreshold: int(central.DefaultRSSIThreshold),
		},
		Timeouts: TimeoutConfig{
			Connect:        10 * time.Second,
			DiscoveryStage: 10 * time.Second,
			ScanRetryMax:   30 * time.Second,
		},
		Indicator: IndicatorConfig{
			Backend: "log",
		},
		OSC: OSCConfig{
			Address: "127.0.0.1:9000",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in the path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Target.Profile = strings.ToLower(strings.TrimSpace(cfg.Target.Profile))
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Backend {
	case "hci", "host":
	default:
		return fmt.Errorf("backend must be \"hci\" or \"host\", got %q", c.Backend)
	}

	if c.HCI.DeviceID < 0 {
		return fmt.Errorf("hci.device_id must be >= 0, got %d", c.HCI.DeviceID)
	}
	if _, err := c.HCI.Mode(); err != nil {
		return err
	}

	if _, err := c.Target.Resolve(); err != nil {
		return err
	}

	if c.Scan.RSSIThreshold < -127 || c.Scan.RSSIThreshold >= 0 {
		return fmt.Errorf("scan.rssi_threshold must be between -127 and -1 dBm, got %d", c.Scan.RSSIThreshold)
	}

	if c.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be > 0")
	}
	if c.Timeouts.DiscoveryStage < 0 {
		return fmt.Errorf("timeouts.discovery_stage must be >= 0")
	}
	if c.Timeouts.ScanRetryMax < time.Second {
		return fmt.Errorf("timeouts.scan_retry_max must be >= 1s")
	}

	switch c.Indicator.Backend {
	case "log", "osc":
	default:
		return fmt.Errorf("indicator.backend must be \"log\" or \"osc\", got %q", c.Indicator.Backend)
	}

	if c.Indicator.Backend == "osc" || c.OSC.ForwardNotifications {
		host, port, err := net.SplitHostPort(c.OSC.Address)
		if err != nil || host == "" {
			return fmt.Errorf("osc.address must be host:port, got %q", c.OSC.Address)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("osc.address has invalid port %q", port)
		}
	}

	return nil
}

// Mode returns the scan mode.
func (h HCIConfig) Mode() (central.ScanMode, error) {
	switch h.ScanMode {
	case "passive", "":
		return central.ScanPassive, nil
	case "active":
		return central.ScanActive, nil
	default:
		return 0, fmt.Errorf("hci.scan_mode must be \"passive\" or \"active\", got %q", h.ScanMode)
	}
}

// Resolve returns the GATT profile the target names.
func (t TargetConfig) Resolve() (central.Profile, error) {
	switch t.Profile {
	case "keypress", "":
		return central.KeyPressProfile, nil
	case "heart-rate":
		return central.HeartRateProfile, nil
	case "custom":
		svc, err := ParseUUID(t.ServiceUUID)
		if err != nil {
			return central.Profile{}, fmt.Errorf("target.service_uuid: %w", err)
		}
		chr, err := ParseUUID(t.CharacteristicUUID)
		if err != nil {
			return central.Profile{}, fmt.Errorf("target.characteristic_uuid: %w", err)
		}
		return central.Profile{Name: "custom", Service: svc, Characteristic: chr}, nil
	default:
		return central.Profile{}, fmt.Errorf("target.profile must be keypress, heart-rate, or custom, got %q", t.Profile)
	}
}

// ParseUUID parses a canonical 128-bit UUID or a 4-hex-digit 16-bit UUID
// into over-the-air (little-endian) byte order.
func ParseUUID(s string) (ble.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty UUID")
	}
	if len(s) == 4 || (len(s) == 6 && strings.HasPrefix(strings.ToLower(s), "0x")) {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid 16-bit UUID %q: %w", s, err)
		}
		return ble.UUID16(uint16(v)), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	// uuid.UUID is big-endian; the air format is little-endian.
	out := make(ble.UUID, 16)
	for i := range u {
		out[15-i] = u[i]
	}
	return out, nil
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CentralOptions converts the config into central options. The profile must
// have been checked by Validate.
func (c *Config) CentralOptions() (central.Options, error) {
	profile, err := c.Target.Resolve()
	if err != nil {
		return central.Options{}, err
	}
	mode, err := c.HCI.Mode()
	if err != nil {
		return central.Options{}, err
	}
	opts := central.DefaultOptions()
	opts.Profile = profile
	opts.ScanMode = mode
	opts.RSSIThreshold = int8(c.Scan.RSSIThreshold)
	opts.ConnectTimeout = c.Timeouts.Connect
	opts.StageTimeout = c.Timeouts.DiscoveryStage
	opts.ScanRetryMax = c.Timeouts.ScanRetryMax
	return opts, nil
}

const defaultHeader = `# blecentral configuration
#
# backend:          hci (local controller, Linux) or host (OS Bluetooth service)
# target.profile:   keypress, heart-rate, or custom (set both UUIDs)
# rssi_threshold:   weakest accepted advertisement in dBm
# discovery_stage:  per GATT discovery step; 0 disables the timeout
`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "config.yaml" {
		return "", errors.New("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
