package vmm

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the cache/pool/device parameters of a Context: a plain
// struct with a Default constructor, optionally loaded from YAML.
type Config struct {
	PhysCacheEntries   int `yaml:"phys_cache_entries"`
	TLBCacheEntries    int `yaml:"tlb_cache_entries"`
	PagingCacheEntries int `yaml:"paging_cache_entries"`

	ProcessTableCapacity int `yaml:"process_table_capacity"`

	WorkerPoolSize      int `yaml:"worker_pool_size"`
	WorkerQueueCapacity int `yaml:"worker_queue_capacity"`

	Is64Bit bool `yaml:"is_64bit"`

	// MaintenanceInterval is the period internal/maintenance falls back
	// to for its interval-scheduled sweeps when no explicit cron
	// expression is configured.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// ShutdownTimeout bounds how long Close waits for the worker pool to
	// drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns sensible defaults for a single-host deployment.
func DefaultConfig() Config {
	return Config{
		PhysCacheEntries:     0x4000,
		TLBCacheEntries:      0x1000,
		PagingCacheEntries:   0x1000,
		ProcessTableCapacity: 4096,
		WorkerPoolSize:       32,
		WorkerQueueCapacity:  32 * 8,
		Is64Bit:              true,
		MaintenanceInterval:  30 * time.Second,
		ShutdownTimeout:      5 * time.Second,
	}
}

// LoadConfigFile reads a YAML config file, applying it over DefaultConfig
// for any field left unset in the file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
