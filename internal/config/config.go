// Package config loads the broker's YAML configuration file into typed
// defaults, following the same gopkg.in/yaml.v3 shape the teacher's
// cmd/goqtt/main.go used inline before it was promoted to its own
// package.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the pub/sub bus implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendNATS   Backend = "nats"
)

// TTL mirrors the config table in spec.md §6. Durations are parsed from
// Go duration strings ("1h", "60s") with the spec's defaults applied when
// a key is absent.
type TTL struct {
	Subscriptions  time.Duration `yaml:"subscriptions"`
	Packets        time.Duration `yaml:"packets"`
	CheckFrequency time.Duration `yaml:"checkFrequency"`
}

// Auth configures the sqlite-backed username/password store.
type Auth struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// Config is the full broker configuration, loaded from a YAML file.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Port             int     `yaml:"port"`
	BaseRetryTimeout time.Duration `yaml:"baseRetryTimeout"`
	MaxConnections   int     `yaml:"maxConnections"`
	Backend          Backend `yaml:"backend"`
	NATSURL          string  `yaml:"natsUrl"`
	StorePath        string  `yaml:"storePath"`

	TTL  TTL  `yaml:"ttl"`
	Auth Auth `yaml:"auth"`
}

// Default returns the spec.md §6 configuration defaults.
func Default() Config {
	return Config{
		Name:             "mist",
		Port:             1883,
		BaseRetryTimeout: time.Second,
		MaxConnections:   100000,
		Backend:          BackendMemory,
		StorePath:        "./store/mist.db",
		TTL: TTL{
			Subscriptions:  time.Hour,
			Packets:        time.Hour,
			CheckFrequency: time.Minute,
		},
		Auth: Auth{SQLitePath: "./store/auth.db"},
	}
}

// Load reads and parses the YAML file at path, applying Default() for any
// zero-valued field the file leaves unset.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.BaseRetryTimeout == 0 {
		cfg.BaseRetryTimeout = d.BaseRetryTimeout
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if cfg.Backend == "" {
		cfg.Backend = d.Backend
	}
	if cfg.StorePath == "" {
		cfg.StorePath = d.StorePath
	}
	if cfg.TTL.Subscriptions == 0 {
		cfg.TTL.Subscriptions = d.TTL.Subscriptions
	}
	if cfg.TTL.Packets == 0 {
		cfg.TTL.Packets = d.TTL.Packets
	}
	if cfg.TTL.CheckFrequency == 0 {
		cfg.TTL.CheckFrequency = d.TTL.CheckFrequency
	}
	if cfg.Auth.SQLitePath == "" {
		cfg.Auth.SQLitePath = d.Auth.SQLitePath
	}
}
