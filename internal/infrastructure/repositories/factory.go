package repositories

import (
	"meshconf/internal/core/ports"
	"meshconf/internal/infrastructure/repositories/memory"
	redisrepo "meshconf/internal/infrastructure/repositories/redis"
	"meshconf/pkg/circuitbreaker"
	"meshconf/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis state repository")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory state repository")
	}

	return factory, nil
}

// CreateStateRepository creates the persistence adaptor. The Redis variant
// is wrapped in a circuit breaker so backend outages degrade rather than stall.
func (f *RepositoryFactory) CreateStateRepository() ports.StateRepository {
	if f.useRedis && f.redisClient != nil {
		inner := redisrepo.NewRedisStateRepository(f.redisClient)
		guarded := NewBreakerStateRepository(inner, circuitbreaker.DefaultConfig())
		guarded.Breaker().OnStateChange(func(from, to circuitbreaker.State) {
			f.logger.Warnw("state repository breaker transition",
				"from", from.String(),
				"to", to.String(),
			)
		})
		return guarded
	}
	return memory.NewMemoryStateRepository()
}

// RedisClient exposes the shared client for health checks. Nil when the
// memory backend is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close shuts down backend connections.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}
