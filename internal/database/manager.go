// Package database opens the optional storage backends of the miner.
// It coordinates Redis, InfluxDB and PostgreSQL, any of which may be off.
package database

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/gomp-miner/internal/database/influx"
	"github.com/bardlex/gomp-miner/internal/database/postgres"
	"github.com/bardlex/gomp-miner/internal/database/redis"
	"github.com/bardlex/gomp-miner/internal/events"
	"github.com/bardlex/gomp-miner/pkg/circuit"
	"github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
	"github.com/bardlex/gomp-miner/pkg/retry"
)

// DefaultRetention is how long pool_stats rows are kept
const DefaultRetention = 30 * 24 * time.Hour

// Manager owns the configured database clients. A nil client means the
// backend is disabled.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories, nil without Postgres
	PoolStats *postgres.PoolStatsRepository
	Switches  *postgres.SwitchRepository

	retention time.Duration
	logger    *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems. Leave a field nil
// to disable that backend.
type Config struct {
	Postgres  *postgres.Config
	Redis     *redis.Config
	Influx    *influx.Config
	Retention time.Duration
}

// NewManager connects to every configured backend. When one fails the
// others are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		retention: cfg.Retention,
		logger:    logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "pool_history",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
	}
	m.retryConfig = retry.DatabaseConfig().WithOnRetry(func(attempt int, err error, delay time.Duration) {
		m.logger.WithError(err).Warn("database setup failed, retrying", "attempt", attempt, "delay", delay)
	})
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}

	if cfg.Redis != nil {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = client
		m.logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = client
		m.logger.Info("connected to InfluxDB", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	if cfg.Postgres != nil {
		client, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.Postgres = client

		err = retry.Do(ctx, m.retryConfig, func() error {
			return client.Migrate(ctx)
		})
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to create PostgreSQL tables"))
		}

		m.PoolStats = postgres.NewPoolStatsRepository(client.DB())
		m.Switches = postgres.NewSwitchRepository(client.DB())
		m.logger.Info("connected to PostgreSQL")
	}

	return m, nil
}

// abort closes what was opened and attaches cleanup failures to err
func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Sinks returns an event sink per open backend
func (m *Manager) Sinks() []events.Sink {
	var sinks []events.Sink
	if m.Redis != nil {
		sinks = append(sinks, redis.NewSink(m.Redis))
	}
	if m.Influx != nil {
		sinks = append(sinks, influx.NewSink(m.Influx))
	}
	if m.Postgres != nil {
		sinks = append(sinks, postgres.NewSink(m.Postgres))
	}
	return sinks
}

// Close closes all open connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
		m.Postgres = nil
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
		m.Redis = nil
	}

	if m.Influx != nil {
		m.Influx.Close()
		m.Influx = nil
	}

	return stdErrors.Join(errs...)
}

// Health checks the health of all open connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// GetPoolHistory combines what the backends know about pool. Missing
// backends and failed lookups leave their part empty.
func (m *Manager) GetPoolHistory(ctx context.Context, pool string) (*PoolHistory, error) {
	h := &PoolHistory{Pool: pool}

	err := m.circuitBreaker.Execute(ctx, func() error {
		if m.Redis != nil {
			var snap events.MinerSnapshot
			switch err := m.Redis.GetMinerSnapshot(ctx, pool, &snap); {
			case err == nil:
				h.Snapshot = &snap
			case !stdErrors.Is(err, redis.ErrNotFound):
				return errors.Wrap(err, errors.ErrorTypeDatabase, "pool_history",
					"failed to read miner snapshot").WithContext("pool", pool)
			}

			if rate, err := m.Redis.GetAverageHashrate(ctx, pool, redis.HashrateWindow); err == nil {
				h.AverageHashrate = rate
			}
			if n, err := m.Redis.GetCounter(ctx, redis.CounterPoolSwitches); err == nil {
				h.TotalSwitches = n
			}
		}

		if m.Influx != nil {
			if stats, err := m.Influx.GetShareStats(ctx, pool, 24*time.Hour); err == nil {
				h.ShareStats = stats
			}
		}

		if m.PoolStats != nil {
			rows, err := m.PoolStats.GetPoolStatsHistory(ctx, pool, 20, 0)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "pool_history",
					"failed to read pool statistics").WithContext("pool", pool)
			}
			h.Recent = rows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return h, nil
}

// StartPeriodicTasks starts background maintenance until ctx is done
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx != nil {
		// Flush InfluxDB writes every 10 seconds
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	if m.PoolStats != nil {
		// Prune old history every hour
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := m.PoolStats.DeletePoolStatsBefore(ctx, time.Now().Add(-m.retention))
					if err != nil {
						m.logger.WithError(err).Warn("failed to prune pool statistics")
						continue
					}
					if n > 0 {
						m.logger.Debug("pruned pool statistics", "rows", n)
					}
				}
			}
		}()
	}
}

// PoolHistory combines live and stored statistics of one pool
type PoolHistory struct {
	Pool            string                `json:"pool"`
	Snapshot        *events.MinerSnapshot `json:"snapshot,omitempty"`
	AverageHashrate float64               `json:"average_hashrate"`
	TotalSwitches   int64                 `json:"total_switches"`
	ShareStats      *influx.ShareStats    `json:"share_stats,omitempty"`
	Recent          []*postgres.PoolStats `json:"recent,omitempty"`
}
