package eta

import (
	"math"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// DefaultSpeedKmh is the flat city average used when nothing better is configured.
const DefaultSpeedKmh = 25.0

// Calculator turns a reference position and a destination into display metrics.
type Calculator struct {
	SpeedKmh float64
}

func NewCalculator(speedKmh float64) Calculator {
	if speedKmh <= 0 || math.IsNaN(speedKmh) || math.IsInf(speedKmh, 0) {
		speedKmh = DefaultSpeedKmh
	}
	return Calculator{SpeedKmh: speedKmh}
}

// Reference picks the position metrics are measured from:
// the driver if known, else this device, else the last known location.
func Reference(driver, device, lastKnown *models.Coord) *models.Coord {
	for _, c := range []*models.Coord{driver, device, lastKnown} {
		if c != nil && c.Valid() {
			return c
		}
	}
	return nil
}

// Compute returns Available=false when either endpoint is missing.
func (c Calculator) Compute(from, to *models.Coord) models.Metrics {
	if from == nil || to == nil || !from.Valid() || !to.Valid() {
		return models.Metrics{}
	}
	d := geo.HaversineKm(*from, *to)
	return models.Metrics{
		Available:  true,
		DistanceKm: d,
		ETAMinutes: c.Minutes(d),
	}
}

// Minutes is max(1, round(distanceKm / speed * 60)).
func (c Calculator) Minutes(distanceKm float64) int {
	speed := c.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	m := int(math.Round(distanceKm / speed * 60))
	if m < 1 {
		return 1
	}
	return m
}

// ForRide recomputes metrics for r from its current positions.
func (c Calculator) ForRide(r models.Ride) models.Metrics {
	return c.Compute(Reference(r.DriverCoords, r.DeviceCoords, r.LastKnownCoords), r.DestinationCoords)
}
