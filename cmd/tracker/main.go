package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-tracking/internal/backend"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/geo"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/push"
	"github.com/example/ride-tracking/internal/tracking"
	"github.com/example/ride-tracking/internal/trip"
)

func main() {
	var rideID string
	flag.StringVar(&rideID, "ride", "", "ride id to start tracking at startup")
	flag.Parse()

	cfg, err := config.LoadTrackerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if err := run(cfg, rideID, logger); err != nil {
		logger.Error("tracker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.TrackerConfig, rideID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.RequestTimeout)

	var cache geo.LocationCache
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		if err := rg.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, last known location may be missing", "error", err)
		}
		cache = rg
	} else {
		cache = geo.NewIndex(30 * time.Minute)
	}

	var publisher trip.LocationPublisher = api
	if cfg.LocationSink == "kafka" {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.UserID)
		defer kp.Close()
		publisher = kp
	}

	dial, closePush := pushDialer(cfg, logger)
	defer closePush()

	svc := tracking.NewService(tracking.Config{
		UserID:           cfg.UserID,
		PollInterval:     cfg.PollInterval,
		PollTimeout:      cfg.RequestTimeout,
		RideTopicPrefix:  cfg.RideTopicPrefix,
		UserTopicPrefix:  cfg.UserTopicPrefix,
		OTPLength:        cfg.OTPLength,
		LocationInterval: cfg.LocationInterval,
		AvgSpeedKmh:      cfg.AvgSpeedKmh,
	}, tracking.Deps{
		Backend:   api,
		Dial:      dial,
		Cache:     cache,
		Locator:   geo.NewStaticLocator(cfg.DeviceLocation),
		Publisher: publisher,
		Log:       logger,
	})
	defer svc.Close()

	if rideID != "" {
		if _, err := svc.Track(ctx, rideID); err != nil {
			logger.Warn("initial track failed", "ride_id", rideID, "error", err)
		}
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride tracker listening", "addr", cfg.HTTPAddr, "backend", cfg.BackendURL, "push", cfg.PushTransport)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// pushDialer returns nil when push is disabled. The closer releases
// process-wide transport state.
func pushDialer(cfg config.TrackerConfig, logger *slog.Logger) (push.Dialer, func() error) {
	noop := func() error { return nil }
	switch cfg.PushTransport {
	case "kafka":
		group := cfg.KafkaGroupID
		if group == "" {
			group = push.ProcessGroupID(cfg.UserID)
		}
		hub := push.NewKafkaHub(push.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaUpdatesTopic,
			GroupID: group,
		}, logger)
		return hub.Dial, hub.Close
	case "stomp":
		headers := map[string]string{}
		if cfg.BackendToken != "" {
			headers["Authorization"] = "Bearer " + cfg.BackendToken
		}
		return push.STOMPDialer(push.STOMPConfig{
			URL:            cfg.PushURL,
			Headers:        headers,
			ConnectTimeout: cfg.RequestTimeout,
			ReconnectMin:   cfg.ReconnectMin,
			ReconnectMax:   cfg.ReconnectMax,
		}, logger), noop
	default:
		return nil, noop
	}
}
