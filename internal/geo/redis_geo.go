package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/models"
)

// RedisGeo implements LocationCache using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoFromClient wraps an existing client; used by tests and shared pools.
func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Remember(ctx context.Context, key string, c models.Coord) error {
	if !c.Valid() {
		return ErrInvalidCoord
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: key}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(key), "updated", time.Now().Format(time.RFC3339)).Err()
}

func (r *RedisGeo) Recall(ctx context.Context, key string) (models.Coord, bool) {
	res, err := r.client.GeoPos(ctx, r.key, key).Result()
	if err != nil || len(res) == 0 || res[0] == nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "location:meta:" + id }
