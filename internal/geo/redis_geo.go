package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands plus a per-entity
// metadata hash for role and update time. Shared by the API server and the
// location consumer.
type RedisIndex struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
	now        func() time.Time
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key, staleAfter: DefaultStaleAfter, now: time.Now}
}

// SetStaleAfter overrides the freshness window applied by Nearby.
func (r *RedisIndex) SetStaleAfter(d time.Duration) {
	if d > 0 {
		r.staleAfter = d
	}
}

func (r *RedisIndex) Upsert(ctx context.Context, entityID string, lat, lon float64, role models.Role, at time.Time) error {
	if entityID == "" {
		return apperr.Validation("entity_id", "must not be empty")
	}
	if !validCoord(lat, lon) {
		return &apperr.InvalidCoordinateError{Lat: lat, Lon: lon}
	}
	if at.IsZero() {
		at = r.now()
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: lon, Latitude: lat, Name: entityID,
	}).Err(); err != nil {
		return apperr.Store("geoadd", err)
	}
	if err := r.client.HSet(ctx, metaKey(entityID), map[string]interface{}{
		"role":       string(role),
		"updated_at": at.UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return apperr.Store("hset", err)
	}
	return nil
}

func (r *RedisIndex) Nearby(ctx context.Context, origin models.Coord, maxMeters float64, role models.Role, exclude string) ([]models.Candidate, error) {
	if !validCoord(origin.Lat, origin.Lon) {
		return nil, &apperr.InvalidCoordinateError{Lat: origin.Lat, Lon: origin.Lon}
	}
	res, err := r.client.GeoRadius(ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: maxMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, apperr.Store("georadius", err)
	}
	cutoff := r.now().Add(-r.staleAfter)
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if g.Name == exclude {
			continue
		}
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, apperr.Store("hgetall", err)
		}
		if models.Role(meta["role"]) != role {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, meta["updated_at"])
		if err != nil || at.Before(cutoff) {
			continue
		}
		out = append(out, models.Candidate{
			EntityID:       g.Name,
			Loc:            models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMeters: g.Dist,
			UpdatedAt:      at,
		})
	}
	return out, nil
}

func metaKey(id string) string { return "position:meta:" + id }
