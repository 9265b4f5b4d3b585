package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// statusTTL bounds how long an explicit status outlives its last refresh.
// A driver that stops reporting degrades to offline on expiry.
const statusTTL = 12 * time.Hour

// RedisTracker stores presence in plain string keys so the consumer and
// the API server observe the same availability.
type RedisTracker struct {
	client *redis.Client
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

func (t *RedisTracker) SetStatus(ctx context.Context, driverID string, status models.PresenceStatus) error {
	if driverID == "" {
		return apperr.Validation("driver_id", "must not be empty")
	}
	if !validStatus(status) {
		return apperr.Validation("status", "must be online, offline or busy")
	}
	if err := t.client.Set(ctx, presenceKey(driverID), string(status), statusTTL).Err(); err != nil {
		return apperr.Store("set presence", err)
	}
	return nil
}

// GetStatus returns offline for missing keys and for fetch failures; a
// driver is never dispatchable on the strength of an unreadable status.
func (t *RedisTracker) GetStatus(ctx context.Context, driverID string) (models.PresenceStatus, error) {
	v, err := t.client.Get(ctx, presenceKey(driverID)).Result()
	if err == redis.Nil {
		return models.PresenceOffline, nil
	}
	if err != nil {
		return models.PresenceOffline, apperr.Store("get presence", err)
	}
	s := models.PresenceStatus(v)
	if !validStatus(s) {
		return models.PresenceOffline, nil
	}
	return s, nil
}

func presenceKey(id string) string { return "driver:presence:" + id }
