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

	"github.com/shaunagostinho/evdash/internal/controller"
	"github.com/shaunagostinho/evdash/internal/session"
	"github.com/shaunagostinho/evdash/internal/transport"
	"github.com/shaunagostinho/evdash/internal/trip"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// The paired controller and its seed record
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Link to the controller
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`

	// Pack model for remaining-range estimates
	Battery trip.Battery `yaml:"battery" json:"battery"`

	GPS     GPSConfig     `yaml:"gps" json:"gps"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

// ControllerConfig seeds the controller record the first time the dashboard
// sees Serial. Afterwards the stored record wins and edits go through
// /api/controller.
type ControllerConfig struct {
	Serial         string              `yaml:"serial" json:"serial"`
	Name           string              `yaml:"name" json:"name"`
	PreferGPSSpeed bool                `yaml:"prefer_gps_speed" json:"preferGpsSpeed"`
	AllowAnonymous bool                `yaml:"allow_anonymous" json:"allowAnonymous"`
	Geometry       controller.Geometry `yaml:"geometry" json:"geometry"`
	OwnerID        string              `yaml:"owner_id" json:"ownerId"`
}

type TransportConfig struct {
	Type           string                 `yaml:"type" json:"type"` // "bluez", "serial" or "demo"
	BlueZ          transport.BlueZConfig  `yaml:"bluez" json:"bluez"`
	Serial         transport.SerialConfig `yaml:"serial" json:"serial"`
	DemoIntervalMs int                    `yaml:"demo_interval_ms" json:"demoIntervalMs"`
}

type ReconnectConfig struct {
	ImmediateRetries int `yaml:"immediate_retries" json:"immediateRetries"`
	MaxAttempts      int `yaml:"max_attempts" json:"maxAttempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" json:"initialBackoffMs"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" json:"maxBackoffMs"`
	ConnectTimeoutMs int `yaml:"connect_timeout_ms" json:"connectTimeoutMs"`
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	PollMs   int    `yaml:"poll_ms" json:"pollMs"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"dbPath"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Serial: "DEMO-0001",
			Name:   "Demo scooter",
			Geometry: controller.Geometry{
				TireWidthMM:   100,
				TireAspect:    80,
				RimDiameterIn: 17,
				GearRatio:     8.5,
			},
		},
		Transport: TransportConfig{
			Type: "demo",
			BlueZ: transport.BlueZConfig{
				Adapter:        "hci0",
				ResolveTimeout: 10 * time.Second,
			},
			Serial: transport.SerialConfig{
				PortPath:     "/dev/ttyUSB0",
				BaudRate:     115200,
				StallTimeout: 5 * time.Second,
			},
			DemoIntervalMs: 100,
		},
		Reconnect: ReconnectConfig{
			ImmediateRetries: 2,
			MaxAttempts:      10,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
			ConnectTimeoutMs: 15000,
		},
		Battery: trip.Battery{
			CapacityWh: 1500,
			EmptyV:     60,
			FullV:      84,
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			PollMs:   100,
		},
		Storage: StorageConfig{
			DBPath: "/var/lib/evdash/evdash.db",
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/evdash",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
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

	// .env next to the config, then in CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
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
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// envOverride binds one environment variable to a config field.
type envOverride struct {
	key string
	set func(v string)
}

// envOverrides lists the supported variables in application order;
// BLE_ADDRESS keys the address by the serial, so it follows CONTROLLER_SERIAL.
func (c *Config) envOverrides() []envOverride {
	return []envOverride{
		{"CONTROLLER_SERIAL", setString(&c.Controller.Serial)},
		{"TRANSPORT_TYPE", setString(&c.Transport.Type)},
		{"BLE_ADAPTER", setString(&c.Transport.BlueZ.Adapter)},
		{"BLE_ADDRESS", func(v string) {
			if c.Transport.BlueZ.Addresses == nil {
				c.Transport.BlueZ.Addresses = make(map[string]string)
			}
			c.Transport.BlueZ.Addresses[c.Controller.Serial] = v
		}},
		{"SERIAL_PORT", setString(&c.Transport.Serial.PortPath)},
		{"SERIAL_BAUD", setInt(&c.Transport.Serial.BaudRate)},
		{"GPS_TYPE", setString(&c.GPS.Type)},
		{"GPS_PORT", setString(&c.GPS.PortPath)},
		{"GPS_BAUD", setInt(&c.GPS.BaudRate)},
		{"LISTEN_ADDR", setString(&c.Server.ListenAddr)},
		{"DB_PATH", setString(&c.Storage.DBPath)},
		{"LOG_ENABLED", func(v string) { c.Logging.Enabled = v == "1" || v == "true" || v == "yes" }},
		{"LOG_PATH", setString(&c.Logging.Path)},
		{"LOG_INTERVAL_MS", setInt(&c.Logging.Interval)},
	}
}

func (c *Config) applyEnvOverrides() {
	for _, o := range c.envOverrides() {
		if v := os.Getenv(o.key); v != "" {
			o.set(v)
		}
	}
}

func setString(dst *string) func(string) {
	return func(v string) { *dst = v }
}

// setInt ignores values that do not parse.
func setInt(dst *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/evdash/config.yaml"
	}

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
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
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
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// SeedController is the record created for Controller.Serial when the store
// has none yet.
func (c *Config) SeedController() *controller.Controller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := &controller.Controller{
		Serial:         c.Controller.Serial,
		Name:           c.Controller.Name,
		AllowAnonymous: c.Controller.AllowAnonymous,
		PreferGPSSpeed: c.Controller.PreferGPSSpeed,
		Geometry:       c.Controller.Geometry,
	}
	if c.Controller.OwnerID != "" {
		rec.OwnerIDs = []string{c.Controller.OwnerID}
	}
	return rec
}

// SessionConfig maps the reconnect and battery sections onto session tuning.
func (c *Config) SessionConfig() session.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return session.Config{
		ImmediateRetries: c.Reconnect.ImmediateRetries,
		MaxAttempts:      c.Reconnect.MaxAttempts,
		InitialBackoff:   ms(c.Reconnect.InitialBackoffMs),
		MaxBackoff:       ms(c.Reconnect.MaxBackoffMs),
		ConnectTimeout:   ms(c.Reconnect.ConnectTimeoutMs),
		Battery:          c.Battery,
	}
}

// DefaultSerial is the controller the API acts on when a request names none.
func (c *Config) DefaultSerial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Controller.Serial
}
