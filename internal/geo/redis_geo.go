package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands plus a metadata hash
// per captain (availability, vehicle class, session ref).
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func NewRedisIndexFromAddr(addr, password, key string) *RedisIndex {
	return NewRedisIndex(redis.NewClient(&redis.Options{Addr: addr, Password: password}), key)
}

func (r *RedisIndex) Upsert(ctx context.Context, c models.Captain) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Loc.Lon, Latitude: c.Loc.Lat, Name: c.ID})
	pipe.HSet(ctx, metaKey(c.ID), map[string]interface{}{
		"available":     strconv.FormatBool(c.IsAvailable),
		"vehicle_class": string(c.VehicleClass),
		"session_ref":   c.SessionRef,
		"updated":       time.Now().UTC().Format(time.RFC3339),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) SetAvailability(ctx context.Context, captainID string, available bool) error {
	return r.client.HSet(ctx, metaKey(captainID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusMeters float64) ([]models.Captain, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Captain, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		if meta["available"] != "true" {
			continue
		}
		out = append(out, models.Captain{
			ID:           g.Name,
			Loc:          models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			VehicleClass: models.VehicleClass(meta["vehicle_class"]),
			IsAvailable:  true,
			SessionRef:   meta["session_ref"],
		})
	}
	return out, nil
}

func metaKey(id string) string { return "captain:meta:" + id }
