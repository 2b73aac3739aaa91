package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// LocationCache remembers the last position reported under a key
// (a device, a driver). It backs the "last known location" fallback.
type LocationCache interface {
	Remember(ctx context.Context, key string, c models.Coord) error
	Recall(ctx context.Context, key string) (models.Coord, bool)
}

type entry struct {
	loc     models.Coord
	updated time.Time
}

// Index is the in-process LocationCache.
type Index struct {
	mu   sync.RWMutex
	locs map[string]entry
	ttl  time.Duration
}

// DeviceKey is the cache key under which a rider device's position is kept.
func DeviceKey(userID string) string {
	if userID == "" {
		return "device"
	}
	return "device:" + userID
}

// NewIndex returns an empty cache. A zero ttl keeps entries forever.
func NewIndex(ttl time.Duration) *Index {
	return &Index{locs: make(map[string]entry), ttl: ttl}
}

func (g *Index) Remember(_ context.Context, key string, c models.Coord) error {
	if !c.Valid() {
		return ErrInvalidCoord
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locs[key] = entry{loc: c, updated: time.Now()}
	return nil
}

func (g *Index) Recall(_ context.Context, key string) (models.Coord, bool) {
	g.mu.RLock()
	e, ok := g.locs[key]
	g.mu.RUnlock()
	if !ok {
		return models.Coord{}, false
	}
	if g.ttl > 0 && time.Since(e.updated) > g.ttl {
		g.mu.Lock()
		delete(g.locs, key)
		g.mu.Unlock()
		return models.Coord{}, false
	}
	return e.loc, true
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineKm is the great-circle distance between two coordinates in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
