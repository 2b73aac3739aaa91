package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "location_sink_messages_consumed_total",
		Help: "Total device location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "location_sink_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	cacheUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "location_sink_cache_updates_total",
		Help: "Total successful location cache updates",
	})
	cacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "location_sink_cache_errors_total",
		Help: "Total location cache errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, cacheUpdates, cacheErrors)
}

func main() {
	cfg, err := config.LoadSinkConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	cache := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := cache.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.LocationTopic, GroupID: cfg.GroupID, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = cache.Close()
	}()

	logger.Info("location sink consuming", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	consume(ctx, r, cache, cfg.Retries, cfg.RetryDelay, logger)
	logger.Info("shutting down location sink")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, cache geo.LocationCache, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Debug("invalid message", "error", err)
			continue
		}
		if err := rememberWithRetry(ctx, cache, geo.DeviceKey(ev.UserID), ev, attempts, delay); err != nil {
			cacheErrors.Inc()
			logger.Warn("location cache update failed", "ride_id", ev.RideID, "error", err)
			continue
		}
		cacheUpdates.Inc()
	}
}

var errInvalidLocation = errors.New("location out of range")

func decodeEvent(b []byte) (ingest.LocationEvent, error) {
	var ev ingest.LocationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	if !ev.Location.Valid() {
		return ev, errInvalidLocation
	}
	return ev, nil
}

// rememberWithRetry writes the position with exponential backoff between attempts.
func rememberWithRetry(ctx context.Context, cache geo.LocationCache, key string, ev ingest.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = cache.Remember(ctx, key, ev.Location); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
