package monitoring

import (
	"context"
	"time"

	"meshconf/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStateRepositoryCheck adds a persistence backend health check
func (h *HealthChecker) AddStateRepositoryCheck(repo ports.StateRepository, interval, timeout time.Duration) {
	h.AddCheck("state_repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.LoadMitigations(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies
func (h *HealthChecker) AddReadinessCheck(
	redisClient *redis.Client,
	repo ports.StateRepository,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, err
			}
		}

		if repo != nil {
			if _, err := repo.LoadMitigations(ctx); err != nil {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}
