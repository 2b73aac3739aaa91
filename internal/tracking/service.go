// Package tracking owns the set of rides this process follows. Each tracked
// ride is a session, its reconciliation engine and its trip controller,
// started and torn down together.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/eta"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/push"
	"github.com/example/ride-tracking/internal/reconcile"
	"github.com/example/ride-tracking/internal/session"
	"github.com/example/ride-tracking/internal/storage"
	"github.com/example/ride-tracking/internal/trip"
)

var (
	ErrNotTracked = errors.New("tracking: ride not tracked")
	ErrClosed     = errors.New("tracking: service closed")
	ErrNoRideID   = errors.New("tracking: backend returned no ride id")
)

// Backend is everything the service needs from the ride service.
type Backend interface {
	BookRide(ctx context.Context, req models.BookingRequest) (models.BookingResult, error)
	GetRide(ctx context.Context, rideID string) (models.BookingResult, error)
	reconcile.Fetcher
	trip.Backend
}

type Config struct {
	UserID           string
	PollInterval     time.Duration
	PollTimeout      time.Duration
	RideTopicPrefix  string
	UserTopicPrefix  string
	OTPLength        int
	LocationInterval time.Duration
	AvgSpeedKmh      float64
}

// Deps are the collaborators shared by every ride. Only Backend is required.
type Deps struct {
	Backend   Backend
	Dial      push.Dialer
	Cache     geo.LocationCache
	Locator   geo.Locator
	Publisher trip.LocationPublisher
	Store     storage.RideStore
	Log       *slog.Logger
}

// Ride is one tracked ride.
type Ride struct {
	State  *session.State
	Engine *reconcile.Engine
	Trip   *trip.Controller

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	stopped chan struct{}
}

// Stopped is closed once the ride is no longer tracked.
func (r *Ride) Stopped() <-chan struct{} { return r.stopped }

type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	rides  map[string]*Ride
	closed bool
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Store == nil {
		deps.Store = storage.NewMemoryStore()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if cfg.AvgSpeedKmh <= 0 {
		cfg.AvgSpeedKmh = eta.DefaultSpeedKmh
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log,
		base:   base,
		cancel: cancel,
		rides:  make(map[string]*Ride),
	}
}

// DeviceKey is the location cache key for this device's position.
func (s *Service) DeviceKey() string { return geo.DeviceKey(s.cfg.UserID) }

// Book submits a booking and starts tracking the ride the backend created.
func (s *Service) Book(ctx context.Context, req models.BookingRequest) (*Ride, error) {
	if req.UserID == "" {
		req.UserID = s.cfg.UserID
	}
	res, err := s.deps.Backend.BookRide(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Start(ctx, res)
}

// Track starts following a ride booked elsewhere.
func (s *Service) Track(ctx context.Context, rideID string) (*Ride, error) {
	res, err := s.deps.Backend.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if res.RideID == "" {
		res.RideID = rideID
	}
	return s.Start(ctx, res)
}

// Start builds the session from res and attaches its engine. A ride already
// tracked under the same id is torn down first.
func (s *Service) Start(ctx context.Context, res models.BookingResult) (*Ride, error) {
	if res.RideID == "" {
		return nil, ErrNoRideID
	}
	opts := []session.Option{session.WithCalculator(eta.NewCalculator(s.cfg.AvgSpeedKmh))}
	if s.deps.Cache != nil {
		if c, ok := s.deps.Cache.Recall(ctx, s.DeviceKey()); ok {
			opts = append(opts, session.WithLastKnown(c))
		}
	}
	state := session.Initialize(res, opts...)
	engine := reconcile.New(reconcile.Config{
		RideID:          res.RideID,
		UserID:          s.cfg.UserID,
		PollInterval:    s.cfg.PollInterval,
		PollTimeout:     s.cfg.PollTimeout,
		RideTopicPrefix: s.cfg.RideTopicPrefix,
		UserTopicPrefix: s.cfg.UserTopicPrefix,
	}, state, s.deps.Backend, s.deps.Dial, s.log)
	ctrl := trip.NewController(trip.Config{
		OTPLength:        s.cfg.OTPLength,
		LocationInterval: s.cfg.LocationInterval,
	}, state, s.deps.Backend, engine, s.log)
	rideCtx, cancel := context.WithCancel(s.base)
	r := &Ride{State: state, Engine: engine, Trip: ctrl, cancel: cancel, stopped: make(chan struct{})}
	locate := s.deps.Locator != nil
	if locate {
		r.wg.Add(1)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		if locate {
			r.wg.Done()
		}
		return nil, ErrClosed
	}
	prev := s.rides[res.RideID]
	s.rides[res.RideID] = r
	observability.ActiveRides.Set(float64(len(s.rides)))
	s.mu.Unlock()

	if prev != nil {
		s.log.Info("replacing tracked ride", "ride_id", res.RideID)
		prev.stop()
	}

	engine.Start(rideCtx)
	if locate {
		go func() {
			defer r.wg.Done()
			ctrl.RunLocationLoop(rideCtx, s.deps.Locator, s.deps.Cache, s.DeviceKey(), s.deps.Publisher)
		}()
	}
	go s.watch(rideCtx, r)

	s.log.Info("tracking ride", "ride_id", res.RideID, "status", state.Read().Status)
	return r, nil
}

// watch retires r once it reaches a terminal status, whichever channel
// delivered it.
func (s *Service) watch(ctx context.Context, r *Ride) {
	for {
		changed := r.State.Changed()
		if r.State.Read().Status.Terminal() {
			s.retire(r)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.Trip.Done():
		case <-changed:
		}
	}
}

func (s *Service) retire(r *Ride) {
	id := r.State.ID()
	r.stop()
	final := r.State.Read()
	if err := s.deps.Store.SaveRide(final); err != nil {
		s.log.Warn("saving final snapshot failed", "ride_id", id, "error", err)
	}
	s.remove(id, r)
	s.log.Info("ride finished", "ride_id", id, "status", final.Status)
}

func (s *Service) remove(id string, r *Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rides[id]; !ok || cur != r {
		return false
	}
	delete(s.rides, id)
	observability.ActiveRides.Set(float64(len(s.rides)))
	return true
}

func (r *Ride) stop() {
	r.once.Do(func() {
		r.cancel()
		_ = r.Engine.Close()
		r.wg.Wait()
		close(r.stopped)
	})
}

// Lookup returns the live ride for id.
func (s *Service) Lookup(rideID string) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[rideID]
	if !ok {
		return nil, ErrNotTracked
	}
	return r, nil
}

// Get returns the current snapshot of a tracked ride, or the final snapshot
// of one that already ended.
func (s *Service) Get(rideID string) (models.Ride, error) {
	if r, err := s.Lookup(rideID); err == nil {
		return r.State.Read(), nil
	}
	if snap, ok := s.deps.Store.GetRide(rideID); ok {
		return snap, nil
	}
	return models.Ride{}, ErrNotTracked
}

// Stop detaches from a ride without changing its status.
func (s *Service) Stop(rideID string) error {
	r, err := s.Lookup(rideID)
	if err != nil {
		return err
	}
	if s.remove(rideID, r) {
		r.stop()
	}
	return nil
}

// Close tears down every tracked ride. Later Start calls fail with ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rides := make([]*Ride, 0, len(s.rides))
	for id, r := range s.rides {
		rides = append(rides, r)
		delete(s.rides, id)
	}
	observability.ActiveRides.Set(0)
	s.mu.Unlock()

	s.cancel()
	for _, r := range rides {
		r.stop()
	}
	return nil
}
