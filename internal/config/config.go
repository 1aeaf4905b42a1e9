// Package config loads and saves the kernel configuration from
// config.toml under the NanoOs home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Defaults for the kernel tunables.
const (
	DefaultNumProcesses = 8
	DefaultNumMessages  = 16
	DefaultMemorySize   = 48 * 1024
)

// Config represents the ~/.nanoos/config.toml file.
type Config struct {
	NumProcesses int    `toml:"num_processes,omitempty" json:"num_processes"`
	NumMessages  int    `toml:"num_messages,omitempty" json:"num_messages"`
	MemorySize   int    `toml:"memory_size,omitempty" json:"memory_size"`
	HostnameFile string `toml:"hostname_file,omitempty" json:"hostname_file"`
	Users        []User `toml:"users,omitempty" json:"users"`
}

// User is one configured login: an ID, a name, and the checksum of the
// username/password pair.
type User struct {
	ID       int    `toml:"id" json:"id"`
	Username string `toml:"username" json:"username"`
	Checksum uint32 `toml:"checksum" json:"checksum"`
}

// configDirOverride is set by the --config-dir flag. NANOOS_HOME is read
// by Home itself.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > NANOOS_HOME env > ~/.nanoos
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("NANOOS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".nanoos")
	}
	return filepath.Join(home, ".nanoos")
}

// Path returns the full path to config.toml.
func Path() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the NanoOs home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml and returns a Config struct. If the file does not
// exist it returns the defaults.
func Load() (*Config, error) {
	cfg := &Config{
		NumProcesses: DefaultNumProcesses,
		NumMessages:  DefaultNumMessages,
		MemorySize:   DefaultMemorySize,
	}
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	if cfg.NumProcesses == 0 {
		cfg.NumProcesses = DefaultNumProcesses
	}
	if cfg.NumMessages == 0 {
		cfg.NumMessages = DefaultNumMessages
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(Path(), data, 0o644)
}

// Hostname reads the configured hostname file, falling back to "nanoos".
// The file defaults to etc/hostname inside the NanoOs home, mirroring
// /etc/hostname on the device.
func (c *Config) Hostname() string {
	path := c.HostnameFile
	if path == "" {
		path = filepath.Join(Home(), "etc", "hostname")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "nanoos"
	}
	hostname := strings.TrimSpace(string(data))
	if hostname == "" {
		return "nanoos"
	}
	return hostname
}

// validKeys lists the keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"num_processes": true,
	"num_messages":  true,
	"memory_size":   true,
	"hostname_file": true,
}

// Get retrieves a single config value by key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by key.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "num_processes":
		return strconv.Itoa(cfg.NumProcesses), nil
	case "num_messages":
		return strconv.Itoa(cfg.NumMessages), nil
	case "memory_size":
		return strconv.Itoa(cfg.MemorySize), nil
	case "hostname_file":
		return cfg.HostnameFile, nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "num_processes", "num_messages", "memory_size":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for %s: %s", key, value)
		}
		switch key {
		case "num_processes":
			cfg.NumProcesses = n
		case "num_messages":
			cfg.NumMessages = n
		case "memory_size":
			cfg.MemorySize = n
		}
	case "hostname_file":
		cfg.HostnameFile = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
