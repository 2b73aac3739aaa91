package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether c is a finite point inside the lat/lon ranges.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Ptr returns a fresh pointer to a copy of c.
func (c Coord) Ptr() *Coord { return &c }

type RideStatus string

const (
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusStarted    RideStatus = "STARTED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusCancelled  RideStatus = "CANCELLED"
)

// rank orders statuses along the happy path. Terminal statuses share the top rank.
var rank = map[RideStatus]int{
	StatusRequested:  0,
	StatusAccepted:   1,
	StatusStarted:    2,
	StatusInProgress: 3,
	StatusCompleted:  4,
	StatusCancelled:  4,
}

func (s RideStatus) Known() bool {
	_, ok := rank[s]
	return ok
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Rank returns the position of s on the happy path, or -1 for unknown values.
func (s RideStatus) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// PendingAction marks a user-initiated mutation that the server has not confirmed yet.
type PendingAction string

const (
	PendingNone       PendingAction = ""
	PendingCancelling PendingAction = "CANCELLING"
	PendingCompleting PendingAction = "COMPLETING"
	PendingStarting   PendingAction = "STARTING"
)

type Driver struct {
	Name    string  `json:"name,omitempty"`
	Rating  float64 `json:"rating,omitempty"` // 0..5
	Vehicle string  `json:"vehicle,omitempty"`
	Plate   string  `json:"plate,omitempty"`
}

// BookingRequest is what the customer submits to request a ride.
type BookingRequest struct {
	UserID            string `json:"userId"`
	Pickup            string `json:"pickupLocation"`
	Destination       string `json:"dropOffLocation"`
	PickupCoords      *Coord `json:"pickupCoords,omitempty"`
	DestinationCoords *Coord `json:"dropOffCoords,omitempty"`
}

// BookingResult is the backend's answer to a booking, plus whatever the
// booking form already knew about the trip.
type BookingResult struct {
	RideID            string     `json:"rideId"`
	Status            RideStatus `json:"status"`
	Cost              *float64   `json:"cost,omitempty"`
	Pickup            string     `json:"pickup,omitempty"`
	Destination       string     `json:"destination,omitempty"`
	PickupCoords      *Coord     `json:"pickupCoords,omitempty"`
	DestinationCoords *Coord     `json:"destinationCoords,omitempty"`
	DriverCoords      *Coord     `json:"driverCoords,omitempty"`
	Driver            *Driver    `json:"driver,omitempty"`
}

// Patch is a partial ride update. A nil field means "not present".
// RideID names the ride the payload was about, empty when it did not say.
type Patch struct {
	RideID            string
	Status            *RideStatus
	DriverCoords      *Coord
	DestinationCoords *Coord
	Fare              *float64
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.DriverCoords == nil && p.DestinationCoords == nil && p.Fare == nil
}

func (p Patch) TouchesLocation() bool {
	return p.DriverCoords != nil || p.DestinationCoords != nil
}

// Ride is the client's working model of one ride.
type Ride struct {
	ID                string        `json:"id"`
	Status            RideStatus    `json:"status"`
	PendingAction     PendingAction `json:"pendingAction,omitempty"`
	Pickup            string        `json:"pickup"`
	Destination       string        `json:"destination"`
	PickupCoords      *Coord        `json:"pickupCoords"`
	DestinationCoords *Coord        `json:"destinationCoords"`
	DriverCoords      *Coord        `json:"driverCoords"`
	DeviceCoords      *Coord        `json:"deviceCoords,omitempty"`
	LastKnownCoords   *Coord        `json:"lastKnownCoords,omitempty"`
	Fare              float64       `json:"fare"`
	Driver            *Driver       `json:"driver,omitempty"`
	Metrics           Metrics       `json:"metrics"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Metrics are derived from positions and never persisted.
type Metrics struct {
	Available  bool    `json:"available"`
	DistanceKm float64 `json:"distanceKm"`
	ETAMinutes int     `json:"etaMinutes"`
}

// NotAvailable is rendered instead of a number when a metric cannot be computed.
const NotAvailable = "N/A"

func (m Metrics) DistanceText() string {
	if !m.Available {
		return NotAvailable
	}
	return fmt.Sprintf("%.2f km", m.DistanceKm)
}

func (m Metrics) ETAText() string {
	if !m.Available {
		return NotAvailable
	}
	return fmt.Sprintf("%d min", m.ETAMinutes)
}

// Clone returns a deep copy of r so callers cannot mutate shared pointers.
func (r Ride) Clone() Ride {
	out := r
	out.PickupCoords = cloneCoord(r.PickupCoords)
	out.DestinationCoords = cloneCoord(r.DestinationCoords)
	out.DriverCoords = cloneCoord(r.DriverCoords)
	out.DeviceCoords = cloneCoord(r.DeviceCoords)
	out.LastKnownCoords = cloneCoord(r.LastKnownCoords)
	if r.Driver != nil {
		d := *r.Driver
		out.Driver = &d
	}
	return out
}

func cloneCoord(c *Coord) *Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
