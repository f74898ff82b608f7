// Package config holds the configuration of the checksum daemon and CLI.
//
// Values are layered: Default, then an optional YAML file, then DCELLAR_*
// environment variables, then command line flags. Sizes are written the
// way people write them ("16MiB", "512KiB") and parsed with go-units.
//
// The redundancy section is not a tuning knob. It must match the layout
// the storage providers verify uploads against.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/dcellar/dcellar-checksum/internal/models"
)

// Config is the full configuration.
type Config struct {
	Redundancy     models.RedundancyConfig
	WorkerPoolSize int
	TaskTimeout    time.Duration

	// DatabasePath is the bolt file backing the result cache.
	DatabasePath string
	Cache        CacheConfig
	Server       ServerConfig
}

// CacheConfig controls how long computed results are kept.
type CacheConfig struct {
	TTL           time.Duration
	CleanInterval time.Duration
}

// ServerConfig configures the local HTTP daemon.
type ServerConfig struct {
	Port           int
	MaxConnections int
	MaxUploadSize  int64
	SessionTTL     time.Duration
}

// Default returns the configuration matching the storage network.
func Default() Config {
	return Config{
		Redundancy: models.RedundancyConfig{
			SegmentSize:  16 * units.MiB,
			DataBlocks:   4,
			ParityBlocks: 2,
		},
		WorkerPoolSize: 6,
		TaskTimeout:    2 * time.Minute,
		Cache: CacheConfig{
			TTL:           7 * 24 * time.Hour,
			CleanInterval: time.Hour,
		},
		Server: ServerConfig{
			Port:           8081,
			MaxConnections: 64,
			MaxUploadSize:  4 * units.GiB,
			SessionTTL:     30 * time.Minute,
		},
	}
}

// InitPaths fills in paths left empty with locations under ~/.dcellar.
func (c *Config) InitPaths() error {
	if c.DatabasePath != "" {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	c.DatabasePath = filepath.Join(home, ".dcellar", "checksum", "database", "checksums.db")
	return nil
}

type yamlConfig struct {
	Redundancy struct {
		SegmentSize  string `yaml:"segment_size"`
		DataBlocks   int    `yaml:"data_blocks"`
		ParityBlocks int    `yaml:"parity_blocks"`
	} `yaml:"redundancy"`
	WorkerPoolSize int    `yaml:"worker_pool_size"`
	TaskTimeout    string `yaml:"task_timeout"`
	DatabasePath   string `yaml:"database_path"`
	Cache          struct {
		TTL           string `yaml:"ttl"`
		CleanInterval string `yaml:"clean_interval"`
	} `yaml:"cache"`
	Server struct {
		Port           int    `yaml:"port"`
		MaxConnections int    `yaml:"max_connections"`
		MaxUploadSize  string `yaml:"max_upload_size"`
		SessionTTL     string `yaml:"session_ttl"`
	} `yaml:"server"`
}

// LoadFromFile reads a YAML configuration file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.Redundancy.SegmentSize != "" {
		if cfg.Redundancy.SegmentSize, err = ParseSize(yc.Redundancy.SegmentSize); err != nil {
			return Config{}, fmt.Errorf("parse redundancy.segment_size: %w", err)
		}
	}
	if yc.Redundancy.DataBlocks != 0 {
		cfg.Redundancy.DataBlocks = yc.Redundancy.DataBlocks
	}
	if yc.Redundancy.ParityBlocks != 0 {
		cfg.Redundancy.ParityBlocks = yc.Redundancy.ParityBlocks
	}
	if yc.WorkerPoolSize != 0 {
		cfg.WorkerPoolSize = yc.WorkerPoolSize
	}
	if err := parseDuration(yc.TaskTimeout, "task_timeout", &cfg.TaskTimeout); err != nil {
		return Config{}, err
	}
	if yc.DatabasePath != "" {
		cfg.DatabasePath = yc.DatabasePath
	}
	if err := parseDuration(yc.Cache.TTL, "cache.ttl", &cfg.Cache.TTL); err != nil {
		return Config{}, err
	}
	if err := parseDuration(yc.Cache.CleanInterval, "cache.clean_interval", &cfg.Cache.CleanInterval); err != nil {
		return Config{}, err
	}
	if yc.Server.Port != 0 {
		cfg.Server.Port = yc.Server.Port
	}
	if yc.Server.MaxConnections != 0 {
		cfg.Server.MaxConnections = yc.Server.MaxConnections
	}
	if yc.Server.MaxUploadSize != "" {
		if cfg.Server.MaxUploadSize, err = ParseSize(yc.Server.MaxUploadSize); err != nil {
			return Config{}, fmt.Errorf("parse server.max_upload_size: %w", err)
		}
	}
	if err := parseDuration(yc.Server.SessionTTL, "server.session_ttl", &cfg.Server.SessionTTL); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromEnv applies DCELLAR_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DCELLAR_SEGMENT_SIZE"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("parse DCELLAR_SEGMENT_SIZE: %w", err)
		}
		c.Redundancy.SegmentSize = size
	}
	if err := envInt("DCELLAR_DATA_BLOCKS", &c.Redundancy.DataBlocks); err != nil {
		return err
	}
	if err := envInt("DCELLAR_PARITY_BLOCKS", &c.Redundancy.ParityBlocks); err != nil {
		return err
	}
	if err := envInt("DCELLAR_WORKER_POOL_SIZE", &c.WorkerPoolSize); err != nil {
		return err
	}
	if v := os.Getenv("DCELLAR_TASK_TIMEOUT"); v != "" {
		if err := parseDuration(v, "DCELLAR_TASK_TIMEOUT", &c.TaskTimeout); err != nil {
			return err
		}
	}
	if v := os.Getenv("DCELLAR_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("DCELLAR_CACHE_TTL"); v != "" {
		if err := parseDuration(v, "DCELLAR_CACHE_TTL", &c.Cache.TTL); err != nil {
			return err
		}
	}
	if v := os.Getenv("DCELLAR_CACHE_CLEAN_INTERVAL"); v != "" {
		if err := parseDuration(v, "DCELLAR_CACHE_CLEAN_INTERVAL", &c.Cache.CleanInterval); err != nil {
			return err
		}
	}
	if err := envInt("DCELLAR_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := envInt("DCELLAR_MAX_CONNECTIONS", &c.Server.MaxConnections); err != nil {
		return err
	}
	if v := os.Getenv("DCELLAR_MAX_UPLOAD_SIZE"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("parse DCELLAR_MAX_UPLOAD_SIZE: %w", err)
		}
		c.Server.MaxUploadSize = size
	}
	if v := os.Getenv("DCELLAR_SESSION_TTL"); v != "" {
		if err := parseDuration(v, "DCELLAR_SESSION_TTL", &c.Server.SessionTTL); err != nil {
			return err
		}
	}
	return nil
}

// Load layers an optional file (skipped when path is empty) and the
// environment over Default and fills in default paths. Callers apply their
// flags on the result and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.InitPaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Redundancy.SegmentSize <= 0 {
		return errors.New("config: segment size must be positive")
	}
	if c.Redundancy.DataBlocks <= 0 {
		return errors.New("config: data blocks must be positive")
	}
	if c.Redundancy.ParityBlocks < 0 {
		return errors.New("config: parity blocks must not be negative")
	}
	if c.Redundancy.ShardCount() > 256 {
		return fmt.Errorf("config: %d shards exceed the reed-solomon limit of 256", c.Redundancy.ShardCount())
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("config: worker pool size must be positive")
	}
	if c.TaskTimeout < 0 {
		return errors.New("config: task timeout must not be negative")
	}
	if c.Cache.CleanInterval <= 0 {
		return errors.New("config: cache clean interval must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("config: max connections must be positive")
	}
	return nil
}

// ParseSize parses a human readable size such as "16MiB" or "512k".
// Binary and decimal suffixes both mean powers of 1024.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

func parseDuration(s, name string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}
