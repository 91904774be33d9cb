package settings

import (
	"context"
	"errors"
	"time"

	"github.com/bardlex/gomp-miner/internal/database/redis"
	minerErrors "github.com/bardlex/gomp-miner/pkg/errors"
	"github.com/bardlex/gomp-miner/pkg/log"
)

// RedisKey is the name the settings document is stored under.
const RedisKey = "mining"

// redisTimeout bounds each settings write.
const redisTimeout = 3 * time.Second

// Backend is the part of the Redis client a RedisStore needs.
type Backend interface {
	GetSettings(ctx context.Context, name string, dest any) error
	SetSettings(ctx context.Context, name string, data any) error
}

// RedisStore keeps settings in Redis so several hosts can share one pool
// list. Reads are served from memory; writes go through to Redis.
type RedisStore struct {
	*state

	backend Backend
	logger  *log.Logger
}

// OpenRedis loads the settings document from backend.
func OpenRedis(ctx context.Context, backend Backend, defaults []string, logger *log.Logger) (*RedisStore, error) {
	s := &RedisStore{
		state:   newState(defaults),
		backend: backend,
		logger:  logger.WithComponent("settings").WithFields("backend", "redis"),
	}

	var v Values
	err := backend.GetSettings(ctx, RedisKey, &v)
	switch {
	case errors.Is(err, redis.ErrNotFound):
		s.logger.Info("no settings stored in Redis yet")
	case err != nil:
		return nil, minerErrors.Wrap(err, minerErrors.ErrorTypeDatabase, "load", "failed to load settings from Redis")
	}
	v.Pools = cleanPools(v.Pools)
	s.set(v)
	return s, nil
}

// Values returns a copy of the current settings.
func (s *RedisStore) Values() Values {
	return s.get()
}

// SetMiningPoolList replaces and saves the pool list.
func (s *RedisStore) SetMiningPoolList(pools []string) error {
	_, v := s.update(func(v *Values) { v.Pools = cleanPools(pools) })
	return s.save(v)
}

// SetMiningCPUCoreCount stores and saves the core count.
func (s *RedisStore) SetMiningCPUCoreCount(count int) error {
	_, v := s.update(func(v *Values) { v.CPUCoreCount = count })
	return s.save(v)
}

// SetMiningSchedulePolicy stores and saves the policy name.
func (s *RedisStore) SetMiningSchedulePolicy(policy string) error {
	_, v := s.update(func(v *Values) { v.SchedulePolicy = policy })
	return s.save(v)
}

func (s *RedisStore) save(v Values) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.backend.SetSettings(ctx, RedisKey, v); err != nil {
		return minerErrors.Wrap(err, minerErrors.ErrorTypeSettings, "save", "failed to save settings to Redis")
	}
	return nil
}
