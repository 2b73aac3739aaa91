// Package reconcile keeps a ride session in step with the server using a
// poll channel and a push channel that know nothing about each other.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/backend"
	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
	"github.com/example/ride-tracking/internal/push"
	"github.com/example/ride-tracking/internal/session"
)

// Fetcher is the ride fetch-by-id read used by the poll channel.
type Fetcher interface {
	FetchRide(ctx context.Context, rideID string) (models.Patch, error)
}

type Config struct {
	RideID       string
	UserID       string
	PollInterval time.Duration
	// PollTimeout bounds one fetch. Zero leaves it to the fetcher.
	PollTimeout     time.Duration
	RideTopicPrefix string
	UserTopicPrefix string
}

// Engine merges both channels into one session. Its lifetime is the lifetime
// of one ride id: once Close returns nothing it started can touch the session.
type Engine struct {
	cfg   Config
	state *session.State
	fetch Fetcher
	dial  push.Dialer
	log   *slog.Logger

	// mu is held shared for every apply and exclusively to flip closed.
	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connMu sync.Mutex
	conn   push.Conn
	subs   []push.Subscription
}

// New builds an engine. dial may be nil to run on polling alone.
func New(cfg Config, state *session.State, fetch Fetcher, dial push.Dialer, log *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RideTopicPrefix == "" {
		cfg.RideTopicPrefix = "/topic/rides/"
	}
	if cfg.UserTopicPrefix == "" {
		cfg.UserTopicPrefix = "/topic/users/"
	}
	return &Engine{
		cfg:   cfg,
		state: state,
		fetch: fetch,
		dial:  dial,
		log:   log.With("ride_id", cfg.RideID),
	}
}

func (e *Engine) RideID() string { return e.cfg.RideID }

// Start attaches the poll timer and the push subscription. It is a no-op
// after the first call or after Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.started {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.pollLoop(ctx)
	if e.dial != nil {
		e.wg.Add(1)
		go e.openPush(ctx)
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	e.spawnPoll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.spawnPoll(ctx)
		}
	}
}

// spawnPoll runs one fetch on its own goroutine so a hung request never
// delays the next tick.
func (e *Engine) spawnPoll(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollOnce(ctx)
	}()
}

func (e *Engine) pollOnce(ctx context.Context) {
	if e.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.PollTimeout)
		defer cancel()
	}
	start := time.Now()
	p, err := e.fetch.FetchRide(ctx, e.cfg.RideID)
	observability.PollLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			observability.PollsTotal.WithLabelValues("error").Inc()
			e.log.Debug("poll failed", "error", err)
		}
		return
	}
	observability.PollsTotal.WithLabelValues("ok").Inc()
	e.Apply("poll", p)
}

func (e *Engine) openPush(ctx context.Context) {
	defer e.wg.Done()
	conn, err := e.dial(ctx)
	if err != nil {
		e.log.Warn("push dial failed", "error", err)
		return
	}
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.Closed() {
		_ = conn.Close()
		return
	}
	e.conn = conn
	topics := []string{push.RideTopic(e.cfg.RideTopicPrefix, e.cfg.RideID)}
	if e.cfg.UserID != "" {
		topics = append(topics, push.UserTopic(e.cfg.UserTopicPrefix, e.cfg.UserID))
	} else {
		e.log.Warn("no user id, subscribing to the ride topic only")
	}
	for _, topic := range topics {
		s, err := conn.Subscribe(topic, e.HandleMessage)
		if err != nil {
			e.log.Warn("push subscribe failed", "topic", topic, "error", err)
			continue
		}
		e.subs = append(e.subs, s)
	}
}

// HandleMessage is the push-channel entry point. It shares extraction and
// merge with the poll path. The user topic carries every ride of the user,
// so a payload naming another ride is dropped.
func (e *Engine) HandleMessage(topic string, body []byte) {
	p, err := backend.ExtractPatch(body)
	if err != nil {
		observability.PatchesApplied.WithLabelValues("push", "rejected").Inc()
		e.log.Debug("push payload rejected", "topic", topic, "error", err)
		return
	}
	if p.RideID != "" && p.RideID != e.cfg.RideID {
		observability.PatchesApplied.WithLabelValues("push", "rejected").Inc()
		e.log.Debug("push payload for another ride", "topic", topic, "payload_ride_id", p.RideID)
		return
	}
	e.Apply("push", p)
}

// Apply merges p unless the engine is closed. It reports whether the patch
// reached the session.
func (e *Engine) Apply(source string, p models.Patch) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	res := e.state.Apply(p)
	effect := "noop"
	if res.Changed {
		effect = "changed"
	}
	observability.PatchesApplied.WithLabelValues(source, effect).Inc()
	for _, f := range res.Ignored {
		observability.FieldsIgnored.WithLabelValues(f).Inc()
	}
	if len(res.Ignored) > 0 {
		e.log.Debug("patch fields ignored", "source", source, "fields", res.Ignored)
	}
	return true
}

func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close stops the timer, drops both subscriptions and the connection, and
// waits for in-flight work. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.connMu.Lock()
	for _, s := range e.subs {
		if err := s.Unsubscribe(); err != nil {
			e.log.Debug("push unsubscribe failed", "error", err)
		}
	}
	e.subs = nil
	var err error
	if e.conn != nil {
		err = e.conn.Close()
		e.conn = nil
	}
	e.connMu.Unlock()

	e.wg.Wait()
	return err
}
