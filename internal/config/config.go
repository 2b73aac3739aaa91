package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// TrackerConfig captures all tunable parameters for the tracker process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type TrackerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BackendURL     string
	BackendToken   string
	RequestTimeout time.Duration
	UserID         string

	PushTransport   string // "stomp", "kafka" or "none"
	PushURL         string
	RideTopicPrefix string
	UserTopicPrefix string

	KafkaBrokers       []string
	KafkaUpdatesTopic  string
	KafkaLocationTopic string
	KafkaGroupID       string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PollInterval     time.Duration
	LocationInterval time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	OTPLength      int
	AvgSpeedKmh    float64
	DeviceLocation *models.Coord
	LocationSink   string // "http" or "kafka"

	LogLevel string
}

func defaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		HTTPAddr:           ":8090",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		BackendURL:         "http://localhost:8080",
		RequestTimeout:     10 * time.Second,
		PushTransport:      "stomp",
		PushURL:            "ws://localhost:8080/ws",
		RideTopicPrefix:    "/topic/rides/",
		UserTopicPrefix:    "/topic/users/",
		KafkaUpdatesTopic:  "ride-updates",
		KafkaLocationTopic: "device-locations",
		RedisGeoKey:        "tracker_geo",
		PollInterval:       5 * time.Second,
		LocationInterval:   5 * time.Second,
		ReconnectMin:       time.Second,
		ReconnectMax:       30 * time.Second,
		OTPLength:          4,
		AvgSpeedKmh:        25,
		LocationSink:       "http",
		LogLevel:           "info",
	}
}

func LoadTrackerConfig() (TrackerConfig, error) {
	cfg := defaultTrackerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BackendURL, "BACKEND_URL")
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.BackendToken = os.Getenv("BACKEND_TOKEN")
	setDurationFromEnv(&cfg.RequestTimeout, "BACKEND_REQUEST_TIMEOUT", &errs)
	setStringFromEnv(&cfg.UserID, "USER_ID")

	if v := os.Getenv("PUSH_TRANSPORT"); v != "" {
		cfg.PushTransport = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.PushURL, "PUSH_URL")
	setStringFromEnv(&cfg.RideTopicPrefix, "PUSH_RIDE_TOPIC_PREFIX")
	setStringFromEnv(&cfg.UserTopicPrefix, "PUSH_USER_TOPIC_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaUpdatesTopic, "KAFKA_UPDATES_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconnectMin, "PUSH_RECONNECT_MIN", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "PUSH_RECONNECT_MAX", &errs)

	setIntFromEnv(&cfg.OTPLength, "OTP_LENGTH", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "AVG_SPEED_KMH", &errs)
	if v := os.Getenv("DEVICE_LOCATION"); v != "" {
		c, err := parseCoord(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DEVICE_LOCATION: %w", err))
		} else {
			cfg.DeviceLocation = &c
		}
	}
	if v := os.Getenv("LOCATION_SINK"); v != "" {
		cfg.LocationSink = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c TrackerConfig) validate() []error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}
	if c.LocationInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_INTERVAL must be > 0"))
	}
	if c.OTPLength <= 0 {
		errs = append(errs, fmt.Errorf("OTP_LENGTH must be > 0"))
	}
	if c.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVG_SPEED_KMH must be > 0"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, fmt.Errorf("PUSH_RECONNECT_MIN must be > 0 and <= PUSH_RECONNECT_MAX"))
	}
	if c.PushTransport != "none" && c.UserID == "" {
		errs = append(errs, fmt.Errorf("USER_ID is required for the user ride topic unless PUSH_TRANSPORT=none"))
	}
	switch c.PushTransport {
	case "stomp", "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("PUSH_TRANSPORT=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PUSH_TRANSPORT %q", c.PushTransport))
	}
	switch c.LocationSink {
	case "http":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("LOCATION_SINK=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCATION_SINK %q", c.LocationSink))
	}
	return errs
}

// parseCoord reads "lat,lon".
func parseCoord(v string) (models.Coord, error) {
	parts := splitAndTrim(v)
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("want lat,lon")
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return models.Coord{}, err
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if !c.Valid() {
		return models.Coord{}, fmt.Errorf("out of range")
	}
	return c, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SinkConfig drives the location sink that folds the device location topic
// into the shared location cache.
type SinkConfig struct {
	KafkaBrokers  []string
	LocationTopic string
	GroupID       string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	Retries       int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadSinkConfig() (SinkConfig, error) {
	cfg := SinkConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		LocationTopic: "device-locations",
		GroupID:       "ride-tracker-location-sink",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "tracker_geo",
		MetricsAddr:   ":2112",
		Retries:       3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Retries, "SINK_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "SINK_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, fmt.Errorf("SINK_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
