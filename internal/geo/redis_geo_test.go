package geo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

func newTestRedisGeo(t *testing.T) (*RedisGeo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	g := NewRedisGeoFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "tracker_geo")
	t.Cleanup(func() { _ = g.Close() })
	return g, mr
}

func TestRedisGeoRememberRecall(t *testing.T) {
	g, mr := newTestRedisGeo(t)
	ctx := context.Background()
	require.NoError(t, g.Ping(ctx))

	want := models.Coord{Lat: 12.9716, Lon: 77.5946}
	require.NoError(t, g.Remember(ctx, DeviceKey("u1"), want))

	got, ok := g.Recall(ctx, DeviceKey("u1"))
	require.True(t, ok)
	// GEO members are stored as 52-bit geohashes
	assert.InDelta(t, want.Lat, got.Lat, 1e-5)
	assert.InDelta(t, want.Lon, got.Lon, 1e-5)
	assert.NotEmpty(t, mr.HGet(metaKey(DeviceKey("u1")), "updated"))

	moved := models.Coord{Lat: 12.9279, Lon: 77.6271}
	require.NoError(t, g.Remember(ctx, DeviceKey("u1"), moved))
	got, ok = g.Recall(ctx, DeviceKey("u1"))
	require.True(t, ok)
	assert.InDelta(t, moved.Lat, got.Lat, 1e-5)
}

func TestRedisGeoMissingKey(t *testing.T) {
	g, _ := newTestRedisGeo(t)
	ctx := context.Background()

	_, ok := g.Recall(ctx, DeviceKey("nobody"))
	assert.False(t, ok)

	require.NoError(t, g.Remember(ctx, DeviceKey("u1"), models.Coord{Lat: 1, Lon: 2}))
	_, ok = g.Recall(ctx, DeviceKey("nobody"))
	assert.False(t, ok)
}

func TestRedisGeoRejectsInvalidCoord(t *testing.T) {
	g, _ := newTestRedisGeo(t)
	assert.ErrorIs(t, g.Remember(context.Background(), "k", models.Coord{Lat: 91}), ErrInvalidCoord)
}

func TestRedisGeoUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	g := NewRedisGeoFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "tracker_geo")
	defer g.Close()
	mr.Close()
	_, ok := g.Recall(context.Background(), DeviceKey("u1"))
	assert.False(t, ok)
	assert.Error(t, g.Ping(context.Background()))
}
