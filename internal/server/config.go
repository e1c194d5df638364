package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tool configuration.
type Config struct {
	mu sync.RWMutex

	// K-line interface and edge capture
	KLine   KLineConfig   `yaml:"kline" json:"kline"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`

	// Baud synchronization
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Session protocol / simulated radio
	Radio RadioConfig `yaml:"radio" json:"radio"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type KLineConfig struct {
	Type     string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	InitBaud int    `yaml:"init_baud" json:"initBaud"` // UART rate before sync
	Address  int    `yaml:"address" json:"address"`    // module address sent at 5 baud
}

type CaptureConfig struct {
	Type         string `yaml:"type" json:"type"` // "gpio" or "demo"
	Pin          string `yaml:"pin" json:"pin"`   // e.g. GPIO17
	TimerClockHz uint32 `yaml:"timer_clock_hz" json:"timerClockHz"`
	Prescaler    int    `yaml:"prescaler" json:"prescaler"` // 1, 8, 64, 256 or 1024
}

type SyncConfig struct {
	TimeoutMs int `yaml:"timeout_ms" json:"timeoutMs"`
	PollUs    int `yaml:"poll_us" json:"pollUs"`
}

type RadioConfig struct {
	Type   string `yaml:"type" json:"type"`     // "demo" or "none"
	Preset string `yaml:"preset" json:"preset"` // demo radio, see kwp.PresetNames
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultPath is where Save writes a config that was not loaded from a file.
const DefaultPath = "/etc/kwp1281-tool/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultPath,
		KLine: KLineConfig{
			Type:     "demo",
			PortPath: "/dev/ttyUSB0",
			InitBaud: 10400,
			Address:  0x56,
		},
		Capture: CaptureConfig{
			Type:         "demo",
			Pin:          "GPIO17",
			TimerClockHz: 20_000_000,
			Prescaler:    8,
		},
		Sync: SyncConfig{
			TimeoutMs: 1000,
			PollUs:    50,
		},
		Radio: RadioConfig{
			Type:   "demo",
			Preset: "premium5",
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/kwp1281-tool",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: KLINE_TYPE, KLINE_PORT, KLINE_ADDRESS, SYNC_TIMEOUT_MS,
// CAPTURE_TYPE, CAPTURE_PIN, RADIO_TYPE, RADIO_PRESET, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KLINE_TYPE"); v != "" {
		c.KLine.Type = v
	}
	if v := os.Getenv("KLINE_PORT"); v != "" {
		c.KLine.PortPath = v
	}
	if v := os.Getenv("KLINE_ADDRESS"); v != "" {
		// accepts 0x56 as well as 86
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			c.KLine.Address = int(n)
		}
	}
	if v := os.Getenv("SYNC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.TimeoutMs = n
		}
	}
	if v := os.Getenv("CAPTURE_TYPE"); v != "" {
		c.Capture.Type = v
	}
	if v := os.Getenv("CAPTURE_PIN"); v != "" {
		c.Capture.Pin = v
	}
	if v := os.Getenv("RADIO_TYPE"); v != "" {
		c.Radio.Type = v
	}
	if v := os.Getenv("RADIO_PRESET"); v != "" {
		c.Radio.Preset = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// SyncTimeout returns the configured sync timeout.
func (c *Config) SyncTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sync.TimeoutMs) * time.Millisecond
}

// PollInterval returns the configured first-edge poll interval.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sync.PollUs) * time.Microsecond
}

// SessionType returns the radio protocol attempts actually use. The demo radio
// only answers on the demo K-line; a real line falls back to "none".
func (c *Config) SessionType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Radio.Type == "demo" && c.KLine.Type != "demo" {
		return "none"
	}
	return c.Radio.Type
}

// RadioPreset returns the selected demo radio.
func (c *Config) RadioPreset() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Radio.Preset
}

// LoggingEnabled reports whether attempts are written to CSV.
func (c *Config) LoggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Enabled
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
