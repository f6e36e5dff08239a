package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/formsync/formsync/internal/api"
	"github.com/formsync/formsync/internal/app"
	"github.com/formsync/formsync/internal/app/maintenance"
	"github.com/formsync/formsync/internal/cache"
	"github.com/formsync/formsync/internal/collab"
	"github.com/formsync/formsync/internal/database"
	"github.com/formsync/formsync/internal/monitoring"
	"github.com/formsync/formsync/internal/monitoring/checks"
	"github.com/formsync/formsync/internal/realtime"
	"github.com/formsync/formsync/internal/store"
	"github.com/formsync/formsync/pkg/logger"
)

const probeTimeout = 3 * time.Second

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Cache     cache.Store
	CacheName string
	Redis     *cache.RedisClient
	Hub       *realtime.Hub
	Manager   *collab.Manager
	Cleaner   *maintenance.Cleaner
	Health    *monitoring.HealthManager
	Router    *gin.Engine
}

// bootstrapRuntime initialises the database, the label cache, the
// collaboration engine and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err = database.Ping(pingCtx, stack.DB)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	purger := stack.selectCache(cfg, log)

	responses, err := store.NewResponseStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise response store: %w", err)
	}
	labels := store.NewCachedLabels(responses, stack.Cache, cfg.Cache.LabelTTL)

	stack.Hub = realtime.NewHub(realtime.Options{
		SendBuffer:     cfg.Collab.SendBuffer,
		AllowedOrigins: cfg.Collab.AllowedOrigins,
	})

	redis := stack.Redis
	stack.Manager, err = collab.NewManager(collab.Config{
		Transport:       stack.Hub,
		Responses:       responses,
		Labels:          labels,
		LockTimeout:     cfg.Collab.LockTimeout,
		FlushDelay:      cfg.Collab.FlushDelay,
		FlushTimeout:    cfg.Collab.FlushTimeout,
		ActivityHistory: cfg.Collab.ActivityHistory,
		StorageName:     stack.CacheName,
		CacheStatus:     func() bool { return redis != nil },
	})
	if err != nil {
		return nil, fmt.Errorf("initialise collaboration manager: %w", err)
	}

	stack.Health = monitoring.NewHealthManager()
	stack.Health.RegisterLiveness(checks.Collab(stack.Manager))
	stack.Health.RegisterReadiness(checks.Database(stack.DB, probeTimeout))
	var redisPinger checks.RedisPinger
	if stack.Redis != nil {
		redisPinger = stack.Redis
	}
	stack.Health.RegisterReadiness(checks.Redis(redisPinger, cfg.Cache.BackendName() == cache.BackendRedis, probeTimeout))

	stack.Cleaner = maintenance.NewCleaner(stack.Manager, purger,
		maintenance.WithStatsSchedule(cfg.Monitoring.StatsSchedule),
		maintenance.WithSweepSchedule(cfg.Cache.SweepSchedule),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:  cfg,
		Hub:     stack.Hub,
		Manager: stack.Manager,
		Health:  stack.Health,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// selectCache picks the label cache backend. An unreachable Redis falls
// back to memory so collaboration keeps working.
func (s *runtimeStack) selectCache(cfg *app.Config, log *zap.Logger) maintenance.Purger {
	switch cfg.Cache.BackendName() {
	case cache.BackendRedis:
		client, err := cache.NewRedisClient(cfg.Cache.RedisClientConfig())
		if err == nil {
			s.Redis, s.Cache, s.CacheName = client, client, cache.BackendRedis
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			return nil
		}
		log.Warn("redis unavailable; falling back to in-memory cache", zap.Error(err))
	case cache.BackendDatabase:
		dbStore := cache.NewDatabaseStore(s.DB)
		s.Cache, s.CacheName = dbStore, cache.BackendDatabase
		return dbStore
	}

	memory := cache.NewMemoryStore()
	s.Cache, s.CacheName = memory, cache.BackendMemory
	return memory
}

// Shutdown disconnects clients, writes every pending response and releases
// resources. All failures are returned together.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var result error

	if s.Hub != nil {
		s.Hub.Close()
	}

	if s.Manager != nil {
		if err := s.Manager.FlushAll(ctx); err != nil {
			log.Warn("flush on shutdown failed", zap.Error(err))
			result = multierr.Append(result, fmt.Errorf("flush responses: %w", err))
		}
		s.Manager.Close()
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown run failed", zap.Error(err))
			result = multierr.Append(result, err)
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			result = multierr.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}

	if s.DB != nil {
		result = multierr.Append(result, closeDatabase(s.DB))
	}

	return result
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = closeDatabase(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	driver := strings.TrimSpace(dbCfg.Driver)
	if driver == "" {
		driver = "sqlite"
	}
	logger.WithModule("database").Info("database connected", zap.String("driver", driver))

	return db, nil
}

func closeDatabase(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("obtain sql db: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
