// Package config handles mailroom configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mailroom/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailroom/config.yaml, /etc/mailroom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailroom", "config.yaml"))
	}

	paths = append(paths, "/etc/mailroom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mailroom configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
	Email     email.Config   `yaml:"email"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Contacts  ContactsConfig `yaml:"contacts"`
	Cache     CacheConfig    `yaml:"cache"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig configures new-mail notifications over MQTT.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtt://localhost:1883 or
	// mqtts://broker:8883.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix roots every published topic. Default: "mailroom".
	TopicPrefix string `yaml:"topic_prefix"`

	// DeviceName distinguishes several mailroom instances on one
	// broker. Default: "mailroom".
	DeviceName string `yaml:"device_name"`

	// DiscoveryPrefix is the Home Assistant discovery prefix. Default:
	// "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ContactsConfig points at the address book used for recipient trust.
type ContactsConfig struct {
	// File is a vCard file. Contacts carry their trust zone in
	// CATEGORIES (owner, trusted, known).
	File string `yaml:"file"`

	// CardDAV optionally refreshes File from a CardDAV server.
	CardDAV CardDAVConfig `yaml:"carddav"`
}

// Configured reports whether an address book file is set.
func (c ContactsConfig) Configured() bool {
	return c.File != ""
}

// CardDAVConfig holds CardDAV server parameters.
type CardDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AddressBook is the address book path. Empty uses the first one
	// the server reports.
	AddressBook string `yaml:"address_book"`

	// SyncIntervalSec is how often to re-sync. Default: 3600.
	SyncIntervalSec int `yaml:"sync_interval_sec"`
}

// Configured reports whether a CardDAV URL is set.
func (c CardDAVConfig) Configured() bool {
	return c.URL != ""
}

// CacheConfig controls the local copy of fetched folders that the API
// serves when the server cannot be reached in time.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxAgeSec drops cached folders older than this. Default: 86400.
	MaxAgeSec int `yaml:"max_age_sec"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, defaults are applied and the result is
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// accounts.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Email.ApplyDefaults()
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mailroom"
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "mailroom"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Contacts.CardDAV.SyncIntervalSec == 0 {
		c.Contacts.CardDAV.SyncIntervalSec = 3600
	}
	if c.Cache.MaxAgeSec == 0 {
		c.Cache.MaxAgeSec = 86400
	}
}

// Validate checks the configuration for errors. Returns the first
// problem found.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	if err := c.Email.Validate(); err != nil {
		return err
	}
	if c.Contacts.CardDAV.Configured() && !c.Contacts.Configured() {
		return fmt.Errorf("contacts.carddav requires contacts.file to store the synced address book")
	}
	return nil
}
