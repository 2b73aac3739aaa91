package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/logging"
)

// fakeBroker is a minimal STOMP broker for tests.
type fakeBroker struct {
	t        *testing.T
	upgrader websocket.Upgrader
	frames   chan Frame
	conns    chan *websocket.Conn
	connects chan Frame
}

func newFakeBroker(t *testing.T) (*fakeBroker, string) {
	b := &fakeBroker{
		t:        t,
		frames:   make(chan Frame, 32),
		conns:    make(chan *websocket.Conn, 4),
		connects: make(chan Frame, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *fakeBroker) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	frames, err := Decode(data)
	if err != nil || len(frames) != 1 || frames[0].Command != cmdConnect {
		return
	}
	b.connects <- frames[0]
	if err := conn.WriteMessage(websocket.TextMessage, NewFrame(cmdConnected, "version", "1.2").Encode()); err != nil {
		return
	}
	b.conns <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := Decode(data)
		if err != nil {
			continue
		}
		for _, f := range frames {
			b.frames <- f
		}
	}
}

func (b *fakeBroker) next(t *testing.T, cmd string) Frame {
	t.Helper()
	for {
		select {
		case f := <-b.frames:
			if f.Command == cmd {
				return f
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", cmd)
		}
	}
}

func (b *fakeBroker) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

type received struct {
	mu    sync.Mutex
	msgs  []string
	topic []string
	ch    chan struct{}
}

func newReceived() *received { return &received{ch: make(chan struct{}, 16)} }

func (r *received) handler(topic string, body []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(body))
	r.topic = append(r.topic, topic)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *received) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSTOMPSubscribeAndDeliver(t *testing.T) {
	b, url := newFakeBroker(t)
	c := NewSTOMPClient(STOMPConfig{URL: url, Headers: map[string]string{"Authorization": "Bearer tok"}}, logging.Discard())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	connect := <-b.connects
	auth, _ := connect.Header("Authorization")
	assert.Equal(t, "Bearer tok", auth)
	server := b.conn(t)

	got := newReceived()
	_, err := c.Subscribe("/topic/rides/501", got.handler)
	require.NoError(t, err)
	sub := b.next(t, cmdSubscribe)
	id, _ := sub.Header("id")
	dest, _ := sub.Header("destination")
	assert.Equal(t, "/topic/rides/501", dest)

	msg := NewFrame(cmdMessage, "subscription", id, "destination", dest, "message-id", "m1")
	msg.Body = []byte(`{"data":{"status":"ACCEPTED"}}`)
	require.NoError(t, server.WriteMessage(websocket.TextMessage, msg.Encode()))

	got.wait(t)
	got.mu.Lock()
	assert.Equal(t, []string{`{"data":{"status":"ACCEPTED"}}`}, got.msgs)
	assert.Equal(t, []string{"/topic/rides/501"}, got.topic)
	got.mu.Unlock()
}

func TestSTOMPUnsubscribeAndClose(t *testing.T) {
	b, url := newFakeBroker(t)
	c := NewSTOMPClient(STOMPConfig{URL: url}, logging.Discard())
	require.NoError(t, c.Open(context.Background()))
	b.conn(t)

	got := newReceived()
	s, err := c.Subscribe("/topic/users/u1/rides", got.handler)
	require.NoError(t, err)
	sub := b.next(t, cmdSubscribe)

	require.NoError(t, s.Unsubscribe())
	unsub := b.next(t, cmdUnsubscribe)
	subID, _ := sub.Header("id")
	unsubID, _ := unsub.Header("id")
	assert.Equal(t, subID, unsubID)

	require.NoError(t, c.Close())
	b.next(t, cmdDisconnect)

	_, err = c.Subscribe("/topic/rides/1", got.handler)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSTOMPResubscribesAfterReconnect(t *testing.T) {
	b, url := newFakeBroker(t)
	c := NewSTOMPClient(STOMPConfig{URL: url, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond}, logging.Discard())
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	first := b.conn(t)
	got := newReceived()
	_, err := c.Subscribe("/topic/rides/501", got.handler)
	require.NoError(t, err)
	sub := b.next(t, cmdSubscribe)

	// drop the connection from the broker side
	require.NoError(t, first.Close())

	second := b.conn(t)
	again := b.next(t, cmdSubscribe)
	firstID, _ := sub.Header("id")
	againID, _ := again.Header("id")
	assert.Equal(t, firstID, againID)

	msg := NewFrame(cmdMessage, "subscription", againID, "destination", "/topic/rides/501")
	msg.Body = []byte(`{"status":"STARTED"}`)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, msg.Encode()))
	got.wait(t)
}

func TestSTOMPCloseWhileReconnecting(t *testing.T) {
	c := NewSTOMPClient(STOMPConfig{URL: "ws://127.0.0.1:1/ws", ReconnectMin: 5 * time.Millisecond, ReconnectMax: 10 * time.Millisecond}, logging.Discard())
	require.NoError(t, c.Open(context.Background()))
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked while reconnecting")
	}
}
