package config

import (
	"time"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/remote"
	redisclient "github.com/haivt/syncq/internal/infra/redis"
	"github.com/haivt/syncq/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Collections []CollectionConfig `yaml:"collections"`
	Remote      remote.Config      `yaml:"remote"`
	Redis       redisclient.Config `yaml:"redis"`
	Logging     LoggingConfig      `yaml:"logging"`
	Database    postgres.Config    `yaml:"database"`
	FlowDir     string             `yaml:"flow_dir"` // directory of flow YAML files, empty disables flows
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CollectionConfig holds replay settings for one collection.
type CollectionConfig struct {
	Name           string                `yaml:"name"`
	Kind           domain.CollectionKind `yaml:"kind"`            // document, blob
	ConflictPolicy string                `yaml:"conflict_policy"` // last-write-wins, theirs, merge, manual
	BatchSize      int                   `yaml:"batch_size"`
	PollInterval   time.Duration         `yaml:"poll_interval"`
	StuckTimeout   time.Duration         `yaml:"stuck_timeout"`
	MaxRetries     int                   `yaml:"max_retries"`
	InitialDelay   time.Duration         `yaml:"initial_delay"`
	MaxDelay       time.Duration         `yaml:"max_delay"`
	QuotaShare     float64               `yaml:"quota_share"` // fraction of the daily remote quota
}
