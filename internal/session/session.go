package session

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/eta"
	"github.com/example/ride-tracking/internal/models"
)

// State is the single source of truth for one ride as seen by this client.
// Every writer goes through Apply, which is atomic with respect to readers
// and other writers.
type State struct {
	id      string
	mu      sync.Mutex
	ride    models.Ride
	calc    eta.Calculator
	changed chan struct{}
	now     func() time.Time
}

type Option func(*State)

func WithCalculator(c eta.Calculator) Option { return func(s *State) { s.calc = c } }

// WithLastKnown seeds the fallback reference position.
func WithLastKnown(c models.Coord) Option {
	return func(s *State) {
		if c.Valid() {
			s.ride.LastKnownCoords = c.Ptr()
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *State) { s.now = now } }

// Initialize builds a session from a booking result, filling every gap
// with a safe default. It never fails.
func Initialize(b models.BookingResult, opts ...Option) *State {
	s := &State{
		id:      b.RideID,
		calc:    eta.NewCalculator(eta.DefaultSpeedKmh),
		changed: make(chan struct{}),
		now:     time.Now,
	}
	status := b.Status
	if !status.Known() {
		status = models.StatusRequested
	}
	var fare float64
	if b.Cost != nil && !math.IsNaN(*b.Cost) && !math.IsInf(*b.Cost, 0) && *b.Cost >= 0 {
		fare = *b.Cost
	}
	s.ride = models.Ride{
		ID:                b.RideID,
		Status:            status,
		Pickup:            b.Pickup,
		Destination:       b.Destination,
		PickupCoords:      validOrNil(b.PickupCoords),
		DestinationCoords: validOrNil(b.DestinationCoords),
		DriverCoords:      validOrNil(b.DriverCoords),
		Fare:              fare,
	}
	if b.Driver != nil {
		d := *b.Driver
		s.ride.Driver = &d
	}
	for _, o := range opts {
		o(s)
	}
	s.ride.Metrics = s.calc.ForRide(s.ride)
	s.ride.UpdatedAt = s.now()
	return s
}

func validOrNil(c *models.Coord) *models.Coord {
	if c == nil || !c.Valid() {
		return nil
	}
	return c.Ptr()
}

func (s *State) ID() string { return s.id }

// Apply merges a partial update. Absent or malformed fields are ignored.
func (s *State) Apply(p models.Patch) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, res := Reduce(s.ride, p)
	if !res.Changed {
		return res
	}
	if res.LocationChanged {
		next.Metrics = s.calc.ForRide(next)
	}
	s.commit(next)
	return res
}

// SetDevicePosition records where this device is. It only matters for
// metrics while the driver position is unknown.
func (s *State) SetDevicePosition(c models.Coord) bool {
	if !c.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ride.DeviceCoords != nil && *s.ride.DeviceCoords == c {
		return false
	}
	next := s.ride.Clone()
	next.DeviceCoords = c.Ptr()
	next.Metrics = s.calc.ForRide(next)
	s.commit(next)
	return true
}

// SetPending flags an unconfirmed user action without touching Status.
func (s *State) SetPending(a models.PendingAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ride.PendingAction == a {
		return
	}
	next := s.ride.Clone()
	next.PendingAction = a
	s.commit(next)
}

// Read returns a deep copy safe to hand to renderers.
func (s *State) Read() models.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ride.Clone()
}

// Changed returns a channel that is closed on the next effective change.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// commit must be called with mu held.
func (s *State) commit(next models.Ride) {
	next.UpdatedAt = s.now()
	s.ride = next
	close(s.changed)
	s.changed = make(chan struct{})
}
