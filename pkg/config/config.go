// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml strings like "500ms" and plain nanosecond
// integers, and marshals back to the string form.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config holds all TrackFlow configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine     EngineConfig     `yaml:"engine"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EngineConfig controls run ingestion and flushing.
type EngineConfig struct {
	FlushRows        int      `yaml:"flush_rows"`
	FlushInterval    Duration `yaml:"flush_interval"`
	QueueCapacity    int      `yaml:"queue_capacity"`
	MaxWriteFailures int      `yaml:"max_write_failures"`
	CompactOnClose   bool     `yaml:"compact_on_close"`
}

// ServerConfig for the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig for the experiments tree.
type StorageConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// CheckpointConfig for the optional Redis heartbeat.
type CheckpointConfig struct {
	Enabled   bool     `yaml:"enabled"`
	RedisAddr string   `yaml:"redis_addr"`
	RedisDB   int      `yaml:"redis_db"`
	Prefix    string   `yaml:"prefix"`
	TTL       Duration `yaml:"ttl"`
}

// TelemetryConfig for optional OTLP tracing.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Version: 1,
		Engine: EngineConfig{
			FlushRows:        50,
			FlushInterval:    Duration(500 * time.Millisecond),
			QueueCapacity:    65536,
			MaxWriteFailures: 5,
		},
		Server: ServerConfig{
			Port:        8080,
			Host:        "localhost",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			BaseDir: filepath.Join(homeDir, ".trackflow", "experiments"),
		},
		Checkpoint: CheckpointConfig{
			RedisAddr: "localhost:6379",
			Prefix:    "trackflow:runs:",
			TTL:       Duration(24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()

	// Load from paths in order (later overrides earlier)
	paths := m.getConfigPaths()
	for _, path := range paths {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing files
			if !os.IsNotExist(err) {
				return err
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/trackflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".trackflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".trackflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Merge non-zero values
	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Engine
	if src.Engine.FlushRows != 0 {
		m.config.Engine.FlushRows = src.Engine.FlushRows
	}
	if src.Engine.FlushInterval != 0 {
		m.config.Engine.FlushInterval = src.Engine.FlushInterval
	}
	if src.Engine.QueueCapacity != 0 {
		m.config.Engine.QueueCapacity = src.Engine.QueueCapacity
	}
	if src.Engine.MaxWriteFailures != 0 {
		m.config.Engine.MaxWriteFailures = src.Engine.MaxWriteFailures
	}
	if src.Engine.CompactOnClose {
		m.config.Engine.CompactOnClose = true
	}

	// Server
	if src.Server.Port != 0 {
		m.config.Server.Port = src.Server.Port
	}
	if src.Server.Host != "" {
		m.config.Server.Host = src.Server.Host
	}
	if len(src.Server.CORSOrigins) > 0 {
		m.config.Server.CORSOrigins = src.Server.CORSOrigins
	}

	// Storage
	if src.Storage.BaseDir != "" {
		m.config.Storage.BaseDir = src.Storage.BaseDir
	}

	// Checkpoint
	if src.Checkpoint.Enabled {
		m.config.Checkpoint.Enabled = true
	}
	if src.Checkpoint.RedisAddr != "" {
		m.config.Checkpoint.RedisAddr = src.Checkpoint.RedisAddr
	}
	if src.Checkpoint.RedisDB != 0 {
		m.config.Checkpoint.RedisDB = src.Checkpoint.RedisDB
	}
	if src.Checkpoint.Prefix != "" {
		m.config.Checkpoint.Prefix = src.Checkpoint.Prefix
	}
	if src.Checkpoint.TTL != 0 {
		m.config.Checkpoint.TTL = src.Checkpoint.TTL
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("TRACKFLOW_BASE_DIR"); v != "" {
		m.config.Storage.BaseDir = v
	}
	if v := os.Getenv("TRACKFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			m.config.Server.Port = port
		}
	}
	if v := os.Getenv("TRACKFLOW_FLUSH_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.config.Engine.FlushRows = n
		}
	}
	if v := os.Getenv("TRACKFLOW_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			m.config.Engine.FlushInterval = Duration(d)
		}
	}
	if v := os.Getenv("TRACKFLOW_REDIS_ADDR"); v != "" {
		m.config.Checkpoint.Enabled = true
		m.config.Checkpoint.RedisAddr = v
	}
	if v := os.Getenv("TRACKFLOW_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Enabled = true
		m.config.Telemetry.Endpoint = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file and returns
// the written path.
func (m *Manager) Save() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	configDir := filepath.Join(home, ".trackflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return "", err
	}

	path := filepath.Join(configDir, "config.yaml")
	return path, os.WriteFile(path, data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
