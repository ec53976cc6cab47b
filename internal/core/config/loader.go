package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/haivt/syncq/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 30 * time.Second
	}

	for i := range cfg.Collections {
		c := &cfg.Collections[i]
		if c.Name == "" {
			return nil, fmt.Errorf("collection %d has no name", i)
		}
		if c.Kind == "" {
			c.Kind = domain.CollectionKindDocument
		}
		if c.Kind != domain.CollectionKindDocument && c.Kind != domain.CollectionKindBlob {
			return nil, fmt.Errorf("collection %s: unknown kind %q", c.Name, c.Kind)
		}
		if c.BatchSize == 0 {
			c.BatchSize = 25
		}
		if c.PollInterval == 0 {
			c.PollInterval = 5 * time.Second
		}
		if c.StuckTimeout == 0 {
			c.StuckTimeout = 5 * time.Minute
		}
		if c.MaxRetries == 0 {
			c.MaxRetries = 3
		}
		if c.InitialDelay == 0 {
			c.InitialDelay = 1 * time.Second
		}
		if c.MaxDelay == 0 {
			c.MaxDelay = 30 * time.Second
		}
		if c.QuotaShare == 0 {
			c.QuotaShare = 1.0 / float64(len(cfg.Collections))
		}
	}

	return &cfg, nil
}
