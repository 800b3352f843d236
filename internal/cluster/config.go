package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls the shape of an in-process cluster.
type Config struct {
	// Nodes is the number of address spaces to spin up.
	Nodes int `yaml:"nodes"`

	// MailboxDepth bounds each node's inbound message queue. Senders
	// block when a mailbox is full, which keeps a slow node from
	// accumulating unbounded state.
	MailboxDepth int `yaml:"mailbox_depth"`

	// ReplicaCacheSize bounds the per-node cache of recently resolved
	// remote views. Zero disables the cache.
	ReplicaCacheSize int `yaml:"replica_cache_size"`

	// LogLevel is a zerolog level name; empty means disabled.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a small cluster suitable for tests and the
// simulator.
func DefaultConfig() Config {
	return Config{
		Nodes:            2,
		MailboxDepth:     1024,
		ReplicaCacheSize: 128,
	}
}

// LoadConfig reads a YAML cluster configuration, filling unset fields
// from the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cluster: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cluster: parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Nodes < 1 {
		return fmt.Errorf("cluster: config needs at least one node, got %d", c.Nodes)
	}
	if c.MailboxDepth < 1 {
		return fmt.Errorf("cluster: mailbox depth must be positive, got %d", c.MailboxDepth)
	}
	if c.ReplicaCacheSize < 0 {
		return fmt.Errorf("cluster: negative replica cache size %d", c.ReplicaCacheSize)
	}
	return nil
}
