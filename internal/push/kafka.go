package push

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/observability"
)

// messageReader is the subset of *kafka.Reader the subscriber uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSubscriber reads one Kafka topic whose message key (or "destination"
// header) names the logical topic, and fans messages out to subscribers.
type KafkaSubscriber struct {
	reader messageReader
	log    *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]Handler // topic -> sub id -> handler
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID must differ between tracker processes so each sees every update.
	// NewKafkaSubscriber falls back to a random group, NewKafkaHub to ProcessGroupID.
	GroupID string
}

func NewKafkaSubscriber(cfg KafkaConfig, log *slog.Logger) *KafkaSubscriber {
	group := cfg.GroupID
	if group == "" {
		group = "ride-tracker-" + uuid.NewString()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return newKafkaSubscriber(r, log)
}

func newKafkaSubscriber(r messageReader, log *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{reader: r, log: log, subs: make(map[string]map[string]Handler)}
}

// ProcessGroupID is a consumer group stable for this host and user, so a
// restarted tracker rejoins its group instead of leaving a new one behind.
func ProcessGroupID(userID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	id := "ride-tracker-" + host
	if userID != "" {
		id += "-" + userID
	}
	return id
}

// KafkaHub hands every ride a view of one shared subscriber, so the process
// holds a single reader and a single consumer group however many rides it tracks.
type KafkaHub struct {
	newSub func() *KafkaSubscriber

	mu     sync.Mutex
	sub    *KafkaSubscriber
	cancel context.CancelFunc
	closed bool
}

func NewKafkaHub(cfg KafkaConfig, log *slog.Logger) *KafkaHub {
	if cfg.GroupID == "" {
		cfg.GroupID = ProcessGroupID("")
	}
	return newKafkaHub(func() *KafkaSubscriber { return NewKafkaSubscriber(cfg, log) })
}

func newKafkaHub(newSub func() *KafkaSubscriber) *KafkaHub {
	return &KafkaHub{newSub: newSub}
}

// Dial satisfies Dialer. The shared reader outlives ctx; Close on the hub stops it.
func (h *KafkaHub) Dial(context.Context) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.sub == nil {
		var ctx context.Context
		ctx, h.cancel = context.WithCancel(context.Background())
		h.sub = h.newSub()
		h.sub.Open(ctx)
	}
	return sharedKafkaConn{h.sub}, nil
}

func (h *KafkaHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sub, cancel := h.sub, h.cancel
	h.mu.Unlock()
	if sub == nil {
		return nil
	}
	cancel()
	return sub.Close()
}

// sharedKafkaConn is one ride's view of the hub. Closing it leaves the
// reader running; the ride drops its own subscriptions before closing.
type sharedKafkaConn struct{ *KafkaSubscriber }

func (sharedKafkaConn) Close() error { return nil }

func (k *KafkaSubscriber) Open(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed || k.cancel != nil {
		return
	}
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go k.run(ctx)
}

func (k *KafkaSubscriber) run(ctx context.Context) {
	defer k.wg.Done()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.PushReconnectsTotal.WithLabelValues("kafka").Inc()
			k.log.Warn("kafka read error", "error", err, "backoff", backoff.String())
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
		// reset backoff on success
		backoff = time.Second
		k.route(m)
	}
}

func (k *KafkaSubscriber) route(m kafka.Message) {
	topic := string(m.Key)
	for _, h := range m.Headers {
		if h.Key == "destination" {
			topic = string(h.Value)
			break
		}
	}
	k.mu.RLock()
	handlers := make([]Handler, 0, len(k.subs[topic]))
	for _, h := range k.subs[topic] {
		handlers = append(handlers, h)
	}
	k.mu.RUnlock()
	if len(handlers) == 0 {
		observability.PushMessagesTotal.WithLabelValues("kafka", "unrouted").Inc()
		return
	}
	observability.PushMessagesTotal.WithLabelValues("kafka", "delivered").Inc()
	for _, h := range handlers {
		h(topic, m.Value)
	}
}

type kafkaSub struct {
	k     *KafkaSubscriber
	topic string
	id    string
}

func (k *KafkaSubscriber) Subscribe(topic string, h Handler) (Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	if k.subs[topic] == nil {
		k.subs[topic] = make(map[string]Handler)
	}
	k.subs[topic][id] = h
	return &kafkaSub{k: k, topic: topic, id: id}, nil
}

func (s *kafkaSub) Unsubscribe() error {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	delete(s.k.subs[s.topic], s.id)
	if len(s.k.subs[s.topic]) == 0 {
		delete(s.k.subs, s.topic)
	}
	return nil
}

func (k *KafkaSubscriber) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.subs = make(map[string]map[string]Handler)
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	k.wg.Wait()
	return k.reader.Close()
}
