package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "tok", 2*time.Second)
}

func TestFetchRide(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/rides/501", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"driverLocation":{"latitude":12.97,"longitude":77.59}}`))
	})
	p, err := c.FetchRide(context.Background(), "501")
	require.NoError(t, err)
	assert.Nil(t, p.Status)
	assert.Equal(t, &models.Coord{Lat: 12.97, Lon: 77.59}, p.DriverCoords)
}

func TestVerifyOTPServerMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "501", body["rideId"])
		assert.Equal(t, "9999", body["otp"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"OTP does not match"}`))
	})
	err := c.VerifyOTP(context.Background(), "501", "9999")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "OTP does not match", apiErr.Message)
}

func TestUpdateStatus(t *testing.T) {
	var got statusUpdate
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/rides/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.UpdateStatus(context.Background(), "501", models.StatusCompleted))
	assert.Equal(t, statusUpdate{RideID: "501", Status: models.StatusCompleted}, got)
}

func TestBookRideFillsFromRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rides", r.URL.Path)
		w.Write([]byte(`{"rideId":"r-9","status":"REQUESTED","cost":180}`))
	})
	dest := &models.Coord{Lat: 12.9279, Lon: 77.6271}
	res, err := c.BookRide(context.Background(), models.BookingRequest{
		UserID: "u1", Pickup: "MG Road", Destination: "Koramangala", DestinationCoords: dest,
	})
	require.NoError(t, err)
	assert.Equal(t, "r-9", res.RideID)
	assert.Equal(t, "MG Road", res.Pickup)
	assert.Equal(t, "Koramangala", res.Destination)
	assert.Equal(t, dest, res.DestinationCoords)
	require.NotNil(t, res.Cost)
	assert.Equal(t, 180.0, *res.Cost)
}

func TestBookRideWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"REQUESTED"}`))
	})
	_, err := c.BookRide(context.Background(), models.BookingRequest{})
	assert.Error(t, err)
}

func TestPlainTextError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ride service unavailable", http.StatusServiceUnavailable)
	})
	_, err := c.FetchRide(context.Background(), "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ride service unavailable", apiErr.Message)
}

func TestErrorMessageTruncatesByRune(t *testing.T) {
	msg := errorMessage([]byte(strings.Repeat("é", 150) + strings.Repeat("₹", 100)))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, maxMessageRunes, utf8.RuneCountInString(msg))
	assert.True(t, strings.HasSuffix(msg, "₹"))

	assert.Equal(t, "short", errorMessage([]byte("  short  ")))
}
