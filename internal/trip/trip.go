// Package trip drives the user-initiated transitions of one ride: the
// OTP-gated start, completion and cancellation, plus the rider device's
// location stream while the ride is live.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/session"
)

var (
	ErrInvalidOTPFormat = errors.New("trip: otp must be exactly the required number of digits")
	ErrInvalidState     = errors.New("trip: transition not allowed from current status")
	ErrBusy             = errors.New("trip: another action is in flight")
)

// Backend is the slice of the ride service the controller mutates through.
type Backend interface {
	VerifyOTP(ctx context.Context, rideID, otp string) error
	UpdateStatus(ctx context.Context, rideID string, status models.RideStatus) error
}

// LocationPublisher pushes this device's position upstream.
type LocationPublisher interface {
	PushLocation(ctx context.Context, rideID string, loc models.Coord) error
}

// Stopper is the reconciliation engine as seen from here.
type Stopper interface {
	Close() error
}

// OTPDialog is the state of the start-trip prompt.
type OTPDialog struct {
	Open     bool   `json:"open"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

type Config struct {
	OTPLength        int
	LocationInterval time.Duration
}

type Controller struct {
	cfg     Config
	state   *session.State
	backend Backend
	engine  Stopper
	log     *slog.Logger

	mu     sync.Mutex
	dialog OTPDialog
	busy   bool
	done   chan struct{}
	once   sync.Once
}

func NewController(cfg Config, state *session.State, b Backend, engine Stopper, log *slog.Logger) *Controller {
	if cfg.OTPLength <= 0 {
		cfg.OTPLength = 4
	}
	if cfg.LocationInterval <= 0 {
		cfg.LocationInterval = 5 * time.Second
	}
	c := &Controller{
		cfg:     cfg,
		state:   state,
		backend: b,
		engine:  engine,
		log:     log.With("ride_id", state.ID()),
		done:    make(chan struct{}),
	}
	c.dialog.Open = state.Read().Status == models.StatusAccepted
	return c
}

// Done is closed once the ride reached a terminal status through this
// controller; the caller navigates away.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Dialog() OTPDialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dialog
	if !d.Open && c.state.Read().Status == models.StatusAccepted {
		d.Open = true
	}
	return d
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// SubmitOTP verifies code with the backend and, on success, moves the ride
// to STARTED. On failure the dialog stays open with an error; retries are unlimited.
func (c *Controller) SubmitOTP(ctx context.Context, code string) error {
	if st := c.state.Read().Status; st != models.StatusAccepted {
		return fmt.Errorf("%w: %s", ErrInvalidState, st)
	}
	if !validOTP(code, c.cfg.OTPLength) {
		observability.OTPAttempts.WithLabelValues("malformed").Inc()
		c.setDialogError(fmt.Sprintf("Enter the %d-digit OTP", c.cfg.OTPLength))
		return ErrInvalidOTPFormat
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.state.SetPending(models.PendingStarting)
	defer c.state.SetPending(models.PendingNone)

	if err := c.backend.VerifyOTP(ctx, c.state.ID(), code); err != nil {
		observability.OTPAttempts.WithLabelValues("rejected").Inc()
		c.setDialogError(userMessage(err, "Invalid OTP"))
		c.log.Info("otp rejected", "error", err)
		return err
	}
	observability.OTPAttempts.WithLabelValues("accepted").Inc()
	observability.Transitions.WithLabelValues(string(models.StatusStarted), "ok").Inc()
	started := models.StatusStarted
	c.state.Apply(models.Patch{Status: &started})

	c.mu.Lock()
	c.dialog = OTPDialog{Open: false, Attempts: c.dialog.Attempts + 1}
	c.mu.Unlock()
	return nil
}

func (c *Controller) setDialogError(msg string) {
	c.mu.Lock()
	c.dialog.Open = true
	c.dialog.Error = msg
	c.dialog.Attempts++
	c.mu.Unlock()
}

// Complete ends a started ride. Only a confirmed update changes local status;
// after it the engine is stopped.
func (c *Controller) Complete(ctx context.Context) error {
	st := c.state.Read().Status
	if st != models.StatusStarted && st != models.StatusInProgress {
		return fmt.Errorf("%w: %s", ErrInvalidState, st)
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.state.SetPending(models.PendingCompleting)
	defer c.state.SetPending(models.PendingNone)

	if err := c.backend.UpdateStatus(ctx, c.state.ID(), models.StatusCompleted); err != nil {
		observability.Transitions.WithLabelValues(string(models.StatusCompleted), "error").Inc()
		c.log.Warn("complete failed", "error", err)
		return err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCompleted), "ok").Inc()
	completed := models.StatusCompleted
	c.state.Apply(models.Patch{Status: &completed})
	c.finish()
	return nil
}

// Cancel is the customer's escape from ACCEPTED or STARTED (and from
// REQUESTED before a driver accepts). The pending flag shows intent while
// the request is in flight; Status only changes once the server agrees.
func (c *Controller) Cancel(ctx context.Context) error {
	st := c.state.Read().Status
	switch st {
	case models.StatusRequested, models.StatusAccepted, models.StatusStarted:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, st)
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.state.SetPending(models.PendingCancelling)
	defer c.state.SetPending(models.PendingNone)

	if err := c.backend.UpdateStatus(ctx, c.state.ID(), models.StatusCancelled); err != nil {
		observability.Transitions.WithLabelValues(string(models.StatusCancelled), "error").Inc()
		c.log.Warn("cancel failed", "error", err)
		return err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled), "ok").Inc()
	cancelled := models.StatusCancelled
	c.state.Apply(models.Patch{Status: &cancelled})
	c.finish()
	return nil
}

func (c *Controller) finish() {
	c.once.Do(func() {
		if c.engine != nil {
			if err := c.engine.Close(); err != nil {
				c.log.Debug("engine close", "error", err)
			}
		}
		close(c.done)
	})
}

func validOTP(code string, n int) bool {
	if len(code) != n {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// userMessage prefers a server supplied message.
func userMessage(err error, fallback string) string {
	var m interface{ UserMessage() string }
	if errors.As(err, &m) {
		if s := m.UserMessage(); s != "" {
			return s
		}
	}
	return fallback
}

// liveStatus reports whether the device should keep streaming its position.
func liveStatus(s models.RideStatus) bool {
	return s == models.StatusAccepted || s == models.StatusStarted || s == models.StatusInProgress
}

// RunLocationLoop samples the device, feeds the session and publishes
// upstream every interval while the ride is live. Before a driver accepts
// it only waits; it returns as soon as the ride reaches a terminal status
// or ctx is done.
func (c *Controller) RunLocationLoop(ctx context.Context, loc geo.Locator, cache geo.LocationCache, cacheKey string, pub LocationPublisher) {
	t := time.NewTicker(c.cfg.LocationInterval)
	defer t.Stop()
	for {
		changed := c.state.Changed()
		st := c.state.Read().Status
		if st.Terminal() {
			return
		}
		if !liveStatus(st) {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
			continue
		case <-t.C:
		}
		if !liveStatus(c.state.Read().Status) {
			continue
		}
		c.sampleOnce(ctx, loc, cache, cacheKey, pub)
	}
}

func (c *Controller) sampleOnce(ctx context.Context, loc geo.Locator, cache geo.LocationCache, cacheKey string, pub LocationPublisher) {
	pos, err := loc.Current(ctx)
	if err != nil {
		c.log.Debug("device location unavailable", "error", err)
		return
	}
	c.state.SetDevicePosition(pos)
	if cache != nil {
		if err := cache.Remember(ctx, cacheKey, pos); err != nil {
			c.log.Debug("location cache write failed", "error", err)
		}
	}
	if pub == nil {
		return
	}
	if err := pub.PushLocation(ctx, c.state.ID(), pos); err != nil {
		observability.LocationsPublished.WithLabelValues("error").Inc()
		c.log.Debug("location push failed", "error", err)
		return
	}
	observability.LocationsPublished.WithLabelValues("ok").Inc()
}
