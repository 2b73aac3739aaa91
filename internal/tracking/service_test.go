package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
)

type fakeBackend struct {
	mu      sync.Mutex
	booked  []models.BookingRequest
	rides   map[string]models.BookingResult
	patch   models.Patch
	updates []models.RideStatus
	otp     string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rides: make(map[string]models.BookingResult), otp: "4821"}
}

func (f *fakeBackend) BookRide(_ context.Context, req models.BookingRequest) (models.BookingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.booked = append(f.booked, req)
	return models.BookingResult{
		RideID:            "501",
		Status:            models.StatusRequested,
		Pickup:            req.Pickup,
		Destination:       req.Destination,
		PickupCoords:      req.PickupCoords,
		DestinationCoords: req.DestinationCoords,
	}, nil
}

func (f *fakeBackend) GetRide(_ context.Context, id string) (models.BookingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rides[id]
	if !ok {
		return models.BookingResult{}, errors.New("not found")
	}
	return r, nil
}

func (f *fakeBackend) FetchRide(context.Context, string) (models.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patch, nil
}

func (f *fakeBackend) VerifyOTP(_ context.Context, _ string, otp string) error {
	if otp != f.otp {
		return errors.New("invalid")
	}
	return nil
}

func (f *fakeBackend) UpdateStatus(_ context.Context, _ string, s models.RideStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, s)
	return nil
}

func (f *fakeBackend) setPatch(p models.Patch) {
	f.mu.Lock()
	f.patch = p
	f.mu.Unlock()
}

var (
	bangalorePickup = models.Coord{Lat: 12.9716, Lon: 77.5946}
	bangaloreDrop   = models.Coord{Lat: 12.9279, Lon: 77.6271}
)

func newService(be *fakeBackend, deps Deps) *Service {
	deps.Backend = be
	deps.Log = logging.Discard()
	return NewService(Config{
		UserID:           "u1",
		PollInterval:     20 * time.Millisecond,
		LocationInterval: 10 * time.Millisecond,
		OTPLength:        4,
	}, deps)
}

func status(s models.RideStatus) *models.RideStatus { return &s }

func TestBookStartsTracking(t *testing.T) {
	be := newFakeBackend()
	svc := newService(be, Deps{})
	defer svc.Close()

	r, err := svc.Book(context.Background(), models.BookingRequest{
		Pickup:            "MG Road",
		Destination:       "Koramangala",
		PickupCoords:      bangalorePickup.Ptr(),
		DestinationCoords: bangaloreDrop.Ptr(),
	})
	require.NoError(t, err)
	assert.Equal(t, "501", r.State.ID())
	require.Len(t, be.booked, 1)
	assert.Equal(t, "u1", be.booked[0].UserID)

	snap, err := svc.Get("501")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, snap.Status)
	assert.Equal(t, "Koramangala", snap.Destination)
	assert.False(t, snap.Metrics.Available)
	assert.Equal(t, models.NotAvailable, snap.Metrics.ETAText())
}

func TestPollUpdatesTrackedRide(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusRequested, DestinationCoords: bangaloreDrop.Ptr()}
	svc := newService(be, Deps{})
	defer svc.Close()

	_, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	be.setPatch(models.Patch{Status: status(models.StatusAccepted), DriverCoords: bangalorePickup.Ptr()})

	require.Eventually(t, func() bool {
		snap, err := svc.Get("501")
		return err == nil && snap.Status == models.StatusAccepted && snap.Metrics.Available
	}, 2*time.Second, 10*time.Millisecond)
	snap, _ := svc.Get("501")
	assert.Equal(t, 14, snap.Metrics.ETAMinutes)
}

func TestTrackUnknownRide(t *testing.T) {
	svc := newService(newFakeBackend(), Deps{})
	defer svc.Close()
	_, err := svc.Track(context.Background(), "404")
	require.Error(t, err)
	_, err = svc.Get("404")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestStartReplacesExistingEngine(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted}
	svc := newService(be, Deps{})
	defer svc.Close()

	first, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	second, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)

	assert.True(t, first.Engine.Closed())
	assert.False(t, second.Engine.Closed())
	cur, err := svc.Lookup("501")
	require.NoError(t, err)
	assert.Same(t, second, cur)
}

func TestCompleteRetiresRide(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted}
	svc := newService(be, Deps{})
	defer svc.Close()

	r, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	require.NoError(t, r.Trip.SubmitOTP(context.Background(), "4821"))
	require.NoError(t, r.Trip.Complete(context.Background()))

	require.Eventually(t, func() bool {
		_, err := svc.Lookup("501")
		return errors.Is(err, ErrNotTracked)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, r.Engine.Closed())

	snap, err := svc.Get("501")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
}

func TestServerCancellationRetiresRide(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted}
	svc := newService(be, Deps{})
	defer svc.Close()

	r, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	be.setPatch(models.Patch{Status: status(models.StatusCancelled)})

	require.Eventually(t, r.Engine.Closed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		snap, err := svc.Get("501")
		return err == nil && snap.Status == models.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopDetachesWithoutStatusChange(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted}
	svc := newService(be, Deps{})
	defer svc.Close()

	r, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	require.NoError(t, svc.Stop("501"))
	assert.True(t, r.Engine.Closed())
	assert.Empty(t, be.updates)
	assert.ErrorIs(t, svc.Stop("501"), ErrNotTracked)
}

func TestLastKnownLocationFromCache(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusRequested, DestinationCoords: bangaloreDrop.Ptr()}
	cache := geo.NewIndex(0)
	svc := newService(be, Deps{Cache: cache})
	defer svc.Close()
	require.NoError(t, cache.Remember(context.Background(), svc.DeviceKey(), bangalorePickup))

	_, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	snap, err := svc.Get("501")
	require.NoError(t, err)
	require.NotNil(t, snap.LastKnownCoords)
	assert.True(t, snap.Metrics.Available)
	assert.Equal(t, 14, snap.Metrics.ETAMinutes)
}

type countingPublisher struct {
	mu sync.Mutex
	n  int
}

func (p *countingPublisher) PushLocation(context.Context, string, models.Coord) error {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func TestDeviceLocationStreamsForLiveRide(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted, DestinationCoords: bangaloreDrop.Ptr()}
	cache := geo.NewIndex(0)
	pub := &countingPublisher{}
	svc := newService(be, Deps{Cache: cache, Locator: geo.NewStaticLocator(bangalorePickup.Ptr()), Publisher: pub})
	defer svc.Close()

	_, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pub.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	got, ok := cache.Recall(context.Background(), svc.DeviceKey())
	require.True(t, ok)
	assert.Equal(t, bangalorePickup, got)
	snap, _ := svc.Get("501")
	require.NotNil(t, snap.DeviceCoords)
	assert.True(t, snap.Metrics.Available)
}

func TestCloseStopsEverything(t *testing.T) {
	be := newFakeBackend()
	be.rides["501"] = models.BookingResult{RideID: "501", Status: models.StatusAccepted}
	be.rides["502"] = models.BookingResult{RideID: "502", Status: models.StatusStarted}
	svc := newService(be, Deps{Locator: geo.NewStaticLocator(bangalorePickup.Ptr())})

	a, err := svc.Track(context.Background(), "501")
	require.NoError(t, err)
	b, err := svc.Track(context.Background(), "502")
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	assert.True(t, a.Engine.Closed())
	assert.True(t, b.Engine.Closed())
	_, err = svc.Track(context.Background(), "501")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, svc.Close())
}
