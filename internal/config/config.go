// Package config loads the daemon's tuning configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/presence.report/internal/snapmux"
)

// Config represents the daemon configuration. All fields are pointers so a
// partial JSON file only overrides what it names; the Get* methods provide
// the fallback defaults.
type Config struct {
	// HTTP server
	ListenAddr *string `json:"listen_addr,omitempty"`

	// Transport selection: "udp", "serial" or "mock"
	Transport *string `json:"transport,omitempty"`

	// UDP transport params
	UDPListenAddr    *string `json:"udp_listen_addr,omitempty"`
	DeviceAddr       *string `json:"device_addr,omitempty"`
	UDPReceiveBuffer *int    `json:"udp_receive_buffer,omitempty"`

	// Serial transport params
	SerialPort *string              `json:"serial_port,omitempty"`
	Serial     *snapmux.PortOptions `json:"serial,omitempty"`

	// Mock transport params
	MockFixturePath *string `json:"mock_fixture_path,omitempty"`
	MockInterval    *string `json:"mock_interval,omitempty"` // duration string like "500ms"

	// Journal params
	DBPath           *string `json:"db_path,omitempty"`
	StatsWindowHours *int    `json:"stats_window_hours,omitempty"`
}

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Transport != nil {
		switch *c.Transport {
		case "udp", "serial", "mock":
		default:
			return fmt.Errorf("transport must be udp, serial or mock, got %q", *c.Transport)
		}
	}

	if c.MockInterval != nil && *c.MockInterval != "" {
		if _, err := time.ParseDuration(*c.MockInterval); err != nil {
			return fmt.Errorf("invalid mock_interval '%s': %w", *c.MockInterval, err)
		}
	}

	if c.StatsWindowHours != nil && *c.StatsWindowHours < 1 {
		return fmt.Errorf("stats_window_hours must be at least 1, got %d", *c.StatsWindowHours)
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}
	return nil
}

func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil {
		return ":8080"
	}
	return *c.ListenAddr
}

func (c *Config) GetTransport() string {
	if c.Transport == nil {
		return "udp"
	}
	return *c.Transport
}

func (c *Config) GetUDPListenAddr() string {
	if c.UDPListenAddr == nil {
		return ":9001"
	}
	return *c.UDPListenAddr
}

func (c *Config) GetDeviceAddr() string {
	if c.DeviceAddr == nil {
		return ""
	}
	return *c.DeviceAddr
}

func (c *Config) GetUDPReceiveBuffer() int {
	if c.UDPReceiveBuffer == nil {
		return 1 << 20 // 1MB
	}
	return *c.UDPReceiveBuffer
}

func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

func (c *Config) GetSerialOptions() snapmux.PortOptions {
	if c.Serial == nil {
		return snapmux.PortOptions{}
	}
	return *c.Serial
}

func (c *Config) GetMockFixturePath() string {
	if c.MockFixturePath == nil {
		return ""
	}
	return *c.MockFixturePath
}

func (c *Config) GetMockInterval() time.Duration {
	if c.MockInterval == nil || *c.MockInterval == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.MockInterval)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "presence.db"
	}
	return *c.DBPath
}

func (c *Config) GetStatsWindowHours() int {
	if c.StatsWindowHours == nil {
		return 24
	}
	return *c.StatsWindowHours
}
