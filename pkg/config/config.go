package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Storage configuration
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	LibraryPath  string `yaml:"library_path"`

	// Synchronization
	UtilityPrefix   string        `yaml:"utility_prefix"`
	TrimBound       int           `yaml:"trim_bound"`
	TrimScope       string        `yaml:"trim_scope"`
	TouchInterval   time.Duration `yaml:"touch_interval"`
	HashParallelism int           `yaml:"hash_parallelism"`
	StoreRetries    int           `yaml:"store_retries"`
	DigestCacheSize int           `yaml:"digest_cache_size"`

	// Thumbnails
	ThumbnailSize      int           `yaml:"thumbnail_size"`
	ThumbnailWorkers   int           `yaml:"thumbnail_workers"`
	ThumbnailQueue     int           `yaml:"thumbnail_queue"`
	ThumbnailBatch     int           `yaml:"thumbnail_batch"`
	ThumbnailCacheSize int           `yaml:"thumbnail_cache_size"`
	RenderTimeout      time.Duration `yaml:"render_timeout"`
	PreloadLimit       int           `yaml:"preload_limit"`

	// Maintenance
	BackupKeep          int           `yaml:"backup_keep"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	WatchResources      bool          `yaml:"watch_resources"`

	// P2P configuration
	P2PEnabled     bool     `yaml:"p2p_enabled"`
	ListenAddress  string   `yaml:"listen_address"`
	Port           int      `yaml:"port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// API configuration
	APIPort int `yaml:"api_port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:             "./data",
		UtilityPrefix:       "mat_",
		TrimBound:           100,
		TrimScope:           "tracked",
		TouchInterval:       time.Hour,
		HashParallelism:     4,
		StoreRetries:        3,
		DigestCacheSize:     4096,
		ThumbnailSize:       128,
		ThumbnailWorkers:    2,
		ThumbnailQueue:      2000,
		ThumbnailBatch:      8,
		ThumbnailCacheSize:  512,
		RenderTimeout:       30 * time.Second,
		PreloadLimit:        256,
		BackupKeep:          10,
		MaintenanceInterval: 10 * time.Minute,
		WatchResources:      true,
		ListenAddress:       "0.0.0.0",
		Port:                4001,
		APIPort:             8080,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load reads a YAML file on top of the defaults. A missing path is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate fills derived paths and rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "material_library.db")
	}
	if c.LibraryPath == "" {
		c.LibraryPath = filepath.Join(c.DataDir, "material_library.mlib")
	}
	if c.TrimBound < 0 {
		return fmt.Errorf("trim_bound must be >= 0, got %d", c.TrimBound)
	}
	if c.TrimScope != "" && c.TrimScope != "tracked" && c.TrimScope != "open" {
		return fmt.Errorf("trim_scope must be tracked or open, got %q", c.TrimScope)
	}
	if c.HashParallelism < 1 {
		c.HashParallelism = 1
	}
	if c.ThumbnailWorkers < 1 {
		return fmt.Errorf("thumbnail_workers must be >= 1, got %d", c.ThumbnailWorkers)
	}
	if c.ThumbnailQueue < 1 {
		return fmt.Errorf("thumbnail_queue must be >= 1, got %d", c.ThumbnailQueue)
	}
	if c.ThumbnailBatch < 1 {
		c.ThumbnailBatch = 1
	}
	if c.ThumbnailSize < 16 {
		return fmt.Errorf("thumbnail_size must be >= 16, got %d", c.ThumbnailSize)
	}
	return nil
}
