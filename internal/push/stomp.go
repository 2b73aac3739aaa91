package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/observability"
)

type STOMPConfig struct {
	URL string
	// Headers are added to the CONNECT frame (login, passcode, Authorization).
	Headers        map[string]string
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// STOMPClient is a STOMP 1.2 client over a WebSocket. It reconnects with
// exponential backoff and re-subscribes every live subscription.
type STOMPClient struct {
	cfg    STOMPConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*stompSub
	closed bool

	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type stompSub struct {
	id    string
	topic string
	h     Handler
	c     *STOMPClient
	once  sync.Once
}

func NewSTOMPClient(cfg STOMPConfig, log *slog.Logger) *STOMPClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &STOMPClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout, Subprotocols: []string{"v12.stomp"}},
		log:    log,
		subs:   make(map[string]*stompSub),
	}
}

// STOMPDialer returns a Dialer producing one fresh client per call.
func STOMPDialer(cfg STOMPConfig, log *slog.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c := NewSTOMPClient(cfg, log)
		if err := c.Open(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Open starts the connection loop. Connection errors are logged and retried, never returned.
func (c *STOMPClient) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *STOMPClient) run(ctx context.Context) {
	defer c.wg.Done()
	backoff := c.cfg.ReconnectMin
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.PushReconnectsTotal.WithLabelValues("stomp").Inc()
			c.log.Warn("push connect failed", "url", c.cfg.URL, "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
			continue
		}
		// reset backoff on success
		backoff = c.cfg.ReconnectMin

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.log.Info("push connected", "url", c.cfg.URL)
		stopRead := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = c.readLoop(conn)
		stopRead()
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("push connection lost", "url", c.cfg.URL, "error", err)
	}
}

func (c *STOMPClient) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	connect := NewFrame(cmdConnect, "accept-version", "1.2", "host", u.Hostname(), "heart-beat", "0,0")
	for k, v := range c.cfg.Headers {
		connect.Headers = append(connect.Headers, [2]string{k, v})
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect.Encode()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		frames, err := Decode(data)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		for _, f := range frames {
			switch f.Command {
			case cmdConnected:
				_ = conn.SetReadDeadline(time.Time{})
				return conn, nil
			case cmdError:
				msg, _ := f.Header("message")
				_ = conn.Close()
				return nil, fmt.Errorf("stomp: connect rejected: %s", msg)
			}
		}
	}
}

// attach publishes conn and replays SUBSCRIBE for every live subscription.
func (c *STOMPClient) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	subs := make([]*stompSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		if err := c.write(conn, subscribeFrame(s)); err != nil {
			c.log.Warn("push resubscribe failed", "topic", s.topic, "error", err)
		}
	}
	return true
}

func (c *STOMPClient) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *STOMPClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frames, err := Decode(data)
		if err != nil {
			observability.PushMessagesTotal.WithLabelValues("stomp", "malformed").Inc()
			c.log.Warn("push frame malformed", "error", err)
			continue
		}
		for _, f := range frames {
			switch f.Command {
			case cmdMessage:
				c.deliver(f)
			case cmdError:
				msg, _ := f.Header("message")
				return fmt.Errorf("stomp: server error: %s", msg)
			}
		}
	}
}

func (c *STOMPClient) deliver(f Frame) {
	id, _ := f.Header("subscription")
	c.mu.Lock()
	s, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		observability.PushMessagesTotal.WithLabelValues("stomp", "unrouted").Inc()
		return
	}
	topic, _ := f.Header("destination")
	if topic == "" {
		topic = s.topic
	}
	observability.PushMessagesTotal.WithLabelValues("stomp", "delivered").Inc()
	s.h(topic, f.Body)
}

func (c *STOMPClient) Subscribe(topic string, h Handler) (Subscription, error) {
	s := &stompSub{id: "sub-" + uuid.NewString(), topic: topic, h: h, c: c}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[s.id] = s
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		// a failed write is recovered by the resubscribe on reconnect
		if err := c.write(conn, subscribeFrame(s)); err != nil {
			c.log.Warn("push subscribe write failed", "topic", topic, "error", err)
		}
	}
	return s, nil
}

func (s *stompSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		c := s.c
		c.mu.Lock()
		delete(c.subs, s.id)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = c.write(conn, NewFrame(cmdUnsubscribe, "id", s.id))
		}
	})
	return err
}

func subscribeFrame(s *stompSub) Frame {
	return NewFrame(cmdSubscribe, "id", s.id, "destination", s.topic, "ack", "auto")
}

func (c *STOMPClient) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, f.Encode())
}

// Close sends DISCONNECT, drops every subscription and waits for the loop to exit.
func (c *STOMPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.subs = make(map[string]*stompSub)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = c.write(conn, NewFrame(cmdDisconnect))
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}
