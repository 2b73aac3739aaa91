package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
)

// flakyCache fails the first n writes.
type flakyCache struct {
	fail  int
	calls int
	last  models.Coord
}

func (f *flakyCache) Remember(_ context.Context, _ string, c models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis down")
	}
	f.last = c
	return nil
}

func (f *flakyCache) Recall(context.Context, string) (models.Coord, bool) { return f.last, f.calls > f.fail }

func TestRememberWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &flakyCache{fail: 2}
	ev := ingest.LocationEvent{RideID: "501", Location: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	require.NoError(t, rememberWithRetry(context.Background(), f, "device:u1", ev, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, ev.Location, f.last)
}

func TestRememberWithRetryFailsWhenExhausted(t *testing.T) {
	f := &flakyCache{fail: 5}
	err := rememberWithRetry(context.Background(), f, "device:u1", ingest.LocationEvent{}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"rideId":"501","userId":"u1","location":{"latitude":12.97,"longitude":77.59}}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", ev.UserID)

	_, err = decodeEvent([]byte(`{"location":{"latitude":120,"longitude":0}}`))
	assert.ErrorIs(t, err, errInvalidLocation)
	_, err = decodeEvent([]byte(`nope`))
	assert.Error(t, err)
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeFoldsIntoCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`garbage`)},
		{Key: []byte("501"), Value: []byte(`{"rideId":"501","userId":"u1","location":{"latitude":12.97,"longitude":77.59}}`)},
	}}
	cache := geo.NewIndex(0)
	consume(ctx, r, cache, 3, time.Millisecond, logging.Discard())

	got, ok := cache.Recall(context.Background(), geo.DeviceKey("u1"))
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 12.97, Lon: 77.59}, got)
}
