package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bardlex/gomp-miner/internal/config"
	"github.com/bardlex/gomp-miner/internal/database"
	"github.com/bardlex/gomp-miner/internal/database/influx"
	"github.com/bardlex/gomp-miner/internal/database/postgres"
	"github.com/bardlex/gomp-miner/internal/database/redis"
	"github.com/bardlex/gomp-miner/internal/mining"
	"github.com/bardlex/gomp-miner/internal/settings"
	"github.com/bardlex/gomp-miner/internal/stratum"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// settingsStore is a mining.Settings that can report its whole document
type settingsStore interface {
	mining.Settings
	Values() settings.Values
}

// databaseConfig enables every backend that has a URL configured
func databaseConfig(cfg *config.Config) (*database.Config, error) {
	dbConfig := &database.Config{}

	if cfg.RedisURL != "" {
		redisConfig, err := redis.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		dbConfig.Redis = redisConfig
	}

	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	if cfg.PostgresURL != "" {
		dbConfig.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}

	return dbConfig, nil
}

// settingsDatabaseConfig enables only what the settings backend needs
func settingsDatabaseConfig(cfg *config.Config) (*database.Config, error) {
	if cfg.SettingsBackend != config.SettingsBackendRedis {
		return &database.Config{}, nil
	}
	redisConfig, err := redis.ConfigFromURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &database.Config{Redis: redisConfig}, nil
}

// openSettings opens the configured settings backend
func openSettings(ctx context.Context, cfg *config.Config, db *database.Manager, logger *log.Logger) (settingsStore, error) {
	switch cfg.SettingsBackend {
	case config.SettingsBackendRedis:
		if db.Redis == nil {
			return nil, fmt.Errorf("settings backend %q needs REDIS_URL", cfg.SettingsBackend)
		}
		return settings.OpenRedis(ctx, db.Redis, cfg.DefaultPools, logger)
	default:
		return settings.OpenFile(cfg.SettingsPath, cfg.DefaultPools, logger)
	}
}

// stratumConfig applies the pool client settings of cfg to the defaults
func stratumConfig(cfg *config.Config) *stratum.Config {
	c := stratum.DefaultConfig()
	c.Password = cfg.PoolPassword
	c.Agent = cfg.ServiceName + "/" + cfg.Version
	c.ConnectTimeout = cfg.PoolConnectTimeout
	c.ReadTimeout = cfg.PoolReadTimeout
	c.WriteTimeout = cfg.PoolWriteTimeout
	c.KeepAliveInterval = cfg.PoolKeepAliveInterval
	c.ReconnectDelay = cfg.PoolReconnectDelay
	return c
}

// managerConfig builds the mining manager settings of cfg
func managerConfig(cfg *config.Config) (*mining.ManagerConfig, error) {
	newHasher, err := mining.HasherByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	return &mining.ManagerConfig{
		Miner: mining.MinerConfig{
			Login:            cfg.WalletAddress,
			HashRateInterval: cfg.HashRateInterval,
			NewHasher:        newHasher,
		},
		CPUCoreCount:   cfg.CPUCoreCount,
		SchedulePolicy: cfg.Policy(),
	}, nil
}

// offline is a manager working on the settings store without a running
// miner. Every call runs inline on the calling goroutine.
type offline struct {
	cfg    *config.Config
	db     *database.Manager
	store  settingsStore
	mgr    *mining.Manager
	logger *log.Logger
}

// openOffline loads configuration and the pool list for a settings command
func openOffline(ctx context.Context) (*offline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	logger := log.NewWithOutput(os.Stderr, cfg.ServiceName, cfg.Version, level, "text")

	return newOffline(ctx, cfg, logger)
}

func newOffline(ctx context.Context, cfg *config.Config, logger *log.Logger) (*offline, error) {
	dbConfig, err := settingsDatabaseConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := database.NewManager(ctx, dbConfig, logger)
	if err != nil {
		return nil, err
	}

	store, err := openSettings(ctx, cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mgrConfig, err := managerConfig(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	inline := mining.ExecutorFunc(func(fn func()) { fn() })
	mgr := mining.NewManager(mgrConfig, store, stratum.Factory(stratumConfig(cfg), logger), inline, logger)
	mgr.Load()

	return &offline{cfg: cfg, db: db, store: store, mgr: mgr, logger: logger}, nil
}

// Close releases the settings backend
func (o *offline) Close() error {
	o.mgr.Close()
	return o.db.Close()
}
