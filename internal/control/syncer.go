// Package control wires storage, the remote client, and the per-collection
// replayers into one process lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/haivt/syncq/internal/core/checkpoint"
	"github.com/haivt/syncq/internal/core/config"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/core/flow"
	"github.com/haivt/syncq/internal/infra/remote"
	redisclient "github.com/haivt/syncq/internal/infra/redis"
	"github.com/haivt/syncq/internal/infra/storage"
	"github.com/haivt/syncq/internal/infra/storage/memory"
	"github.com/haivt/syncq/internal/infra/storage/postgres"
	"github.com/haivt/syncq/internal/sync/conflict"
	"github.com/haivt/syncq/internal/sync/health"
	"github.com/haivt/syncq/internal/sync/replay"
	"github.com/haivt/syncq/internal/sync/retry"
)

// Syncer is the main application struct that manages the replay lifecycle.
type Syncer struct {
	cfg           *config.AppConfig
	replayers     map[string]*replay.Replayer
	healthMon     *health.Monitor
	healthServer  *health.Server
	mutationRepo  storage.MutationRepository
	documentRepo  storage.DocumentRepository
	checkpointMgr checkpoint.Manager
	db            *postgres.DB
	redisClient   *redisclient.Client
	flows         map[string]*flow.Definition
	log           *slog.Logger
}

// NewSyncer creates a Syncer with all dependencies initialized.
func NewSyncer(cfg *config.AppConfig) (*Syncer, error) {
	// 1. Initialize Storage
	var mutationRepo storage.MutationRepository
	var documentRepo storage.DocumentRepository
	var checkpointRepo storage.CheckpointRepository
	var conflictRepo storage.ConflictRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		mutationRepo = postgres.NewMutationRepo(db)
		documentRepo = postgres.NewDocumentRepo(db)
		checkpointRepo = postgres.NewCheckpointRepo(db)
		conflictRepo = postgres.NewConflictRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		mutationRepo = memory.NewMutationRepo(store)
		documentRepo = memory.NewDocumentRepo(store)
		checkpointRepo = memory.NewCheckpointRepo(store)
		conflictRepo = memory.NewConflictRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Initialize Shared Components
	checkpointMgr := checkpoint.NewManager(checkpointRepo)

	allocation := make(map[string]float64)
	for _, c := range cfg.Collections {
		allocation[c.Name] = c.QuotaShare
	}
	quota := cfg.Remote.DailyQuota
	if quota == 0 {
		quota = 10000
	}
	quotaTracker := remote.NewQuotaTracker(quota, allocation)

	remoteClient, err := remote.NewClient(cfg.Remote, quotaTracker)
	if err != nil {
		return nil, fmt.Errorf("failed to init remote client: %w", err)
	}

	// 3. Optional Redis coordination
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, running single-instance", "error", err)
			redisClient = nil
		}
	}

	// 4. Per-collection Replayers
	replayers := make(map[string]*replay.Replayer)
	collectionNames := make([]string, 0, len(cfg.Collections))
	for _, c := range cfg.Collections {
		replayCfg := replay.Config{
			Collection:   c.Name,
			Kind:         c.Kind,
			Policy:       conflict.Policy(c.ConflictPolicy),
			BatchSize:    c.BatchSize,
			PollInterval: c.PollInterval,
			StuckTimeout: c.StuckTimeout,
			Retry: retry.Config{
				MaxRetries:   c.MaxRetries,
				InitialDelay: c.InitialDelay,
				MaxDelay:     c.MaxDelay,
			},
		}

		var coord replay.Coordinator
		if redisClient != nil {
			coord = redisClient
		}

		r, err := replay.New(
			replayCfg,
			mutationRepo,
			documentRepo,
			conflictRepo,
			checkpointMgr,
			remoteClient,
			quotaTracker,
			coord,
			slog.Default(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to init replayer for %s: %w", c.Name, err)
		}
		replayers[c.Name] = r
		collectionNames = append(collectionNames, c.Name)
	}

	// 5. Flow definitions
	flows, err := loadFlows(cfg.FlowDir)
	if err != nil {
		return nil, err
	}

	// 6. Health Monitor and Server
	healthMon := health.NewMonitor(collectionNames, mutationRepo, checkpointMgr, quotaTracker)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Syncer{
		cfg:           cfg,
		replayers:     replayers,
		healthMon:     healthMon,
		healthServer:  healthServer,
		mutationRepo:  mutationRepo,
		documentRepo:  documentRepo,
		checkpointMgr: checkpointMgr,
		db:            db,
		redisClient:   redisClient,
		flows:         flows,
		log:           slog.Default(),
	}, nil
}

// loadFlows loads every flow definition in dir. An empty dir disables flows.
func loadFlows(dir string) (map[string]*flow.Definition, error) {
	flows := make(map[string]*flow.Definition)
	if dir == "" {
		return flows, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := flow.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := flows[def.Name]; dup {
			return nil, fmt.Errorf("duplicate flow %q", def.Name)
		}
		flows[def.Name] = def
	}
	return flows, nil
}

// Flow returns a loaded flow definition by name.
func (s *Syncer) Flow(name string) (*flow.Definition, bool) {
	def, ok := s.flows[name]
	return def, ok
}

// Enqueue adds a mutation to the local queue.
func (s *Syncer) Enqueue(ctx context.Context, m *domain.Mutation) error {
	return s.mutationRepo.Enqueue(ctx, m)
}

// Start starts the syncer and all its components.
func (s *Syncer) Start(ctx context.Context) error {
	go func() {
		if err := s.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Health server failed", "error", err)
		}
	}()

	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}

	for name, r := range s.replayers {
		s.log.Info("Starting replayer", "collection", name)
		go func(name string, r *replay.Replayer) {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("Replayer failed", "collection", name, "error", err)
			}
		}(name, r)
	}

	return nil
}

// Stop stops the syncer.
func (s *Syncer) Stop(ctx context.Context) error {
	s.log.Info("Stopping Syncer...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.healthServer.Stop(stopCtx)
}
