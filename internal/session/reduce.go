package session

import (
	"math"

	"github.com/example/ride-tracking/internal/models"
)

// Result describes what a patch did to a ride.
type Result struct {
	Changed         bool
	LocationChanged bool
	// Ignored names patch fields that were present but rejected.
	Ignored []string
}

// Reduce merges p into r and returns the new ride. It never mutates r.
//
// Only fields present and well formed are written. Status never moves
// backwards along the happy path and never leaves a terminal state, so
// stale poll responses cannot undo a newer push.
func Reduce(r models.Ride, p models.Patch) (models.Ride, Result) {
	out := r.Clone()
	var res Result

	if p.Status != nil {
		switch s := *p.Status; {
		case !s.Known():
			res.Ignored = append(res.Ignored, "status")
		case s == out.Status:
		case out.Status.Terminal() || s.Rank() < out.Status.Rank():
			res.Ignored = append(res.Ignored, "status")
		default:
			out.Status = s
			res.Changed = true
		}
	}

	if p.DriverCoords != nil {
		if !p.DriverCoords.Valid() {
			res.Ignored = append(res.Ignored, "driverCoords")
		} else if out.DriverCoords == nil || *out.DriverCoords != *p.DriverCoords {
			out.DriverCoords = p.DriverCoords.Ptr()
			res.Changed, res.LocationChanged = true, true
		}
	}

	if p.DestinationCoords != nil {
		if !p.DestinationCoords.Valid() {
			res.Ignored = append(res.Ignored, "destinationCoords")
		} else if out.DestinationCoords == nil || *out.DestinationCoords != *p.DestinationCoords {
			out.DestinationCoords = p.DestinationCoords.Ptr()
			res.Changed, res.LocationChanged = true, true
		}
	}

	if p.Fare != nil {
		f := *p.Fare
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			res.Ignored = append(res.Ignored, "fare")
		} else if f != out.Fare {
			out.Fare = f
			res.Changed = true
		}
	}

	return out, res
}
