package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

// Client talks to the ride service REST API.
type Client struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Token:    token,
		Client:   &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer. Message is the server's human readable text when it sent one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: status %d", e.StatusCode)
}

// UserMessage is the text to show the user, if the server sent any.
func (e *APIError) UserMessage() string { return e.Message }

// BookRide requests a new ride and returns the server's initial view of it
// merged with what the booking form already knew.
func (c *Client) BookRide(ctx context.Context, req models.BookingRequest) (models.BookingResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/rides", req)
	if err != nil {
		return models.BookingResult{}, err
	}
	res, err := parseBooking(body)
	if err != nil {
		return models.BookingResult{}, err
	}
	if res.RideID == "" {
		return models.BookingResult{}, fmt.Errorf("backend: booking response without ride id")
	}
	if res.Pickup == "" {
		res.Pickup = req.Pickup
	}
	if res.Destination == "" {
		res.Destination = req.Destination
	}
	if res.PickupCoords == nil {
		res.PickupCoords = req.PickupCoords
	}
	if res.DestinationCoords == nil {
		res.DestinationCoords = req.DestinationCoords
	}
	return res, nil
}

// GetRide fetches the full ride document, used to seed a session.
func (c *Client) GetRide(ctx context.Context, rideID string) (models.BookingResult, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/rides/"+url.PathEscape(rideID), nil)
	if err != nil {
		return models.BookingResult{}, err
	}
	res, err := parseBooking(body)
	if err != nil {
		return models.BookingResult{}, err
	}
	if res.RideID == "" {
		res.RideID = rideID
	}
	return res, nil
}

// FetchRide is the poll read: the same document reduced to a Patch.
func (c *Client) FetchRide(ctx context.Context, rideID string) (models.Patch, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/rides/"+url.PathEscape(rideID), nil)
	if err != nil {
		return models.Patch{}, err
	}
	return ExtractPatch(body)
}

type statusUpdate struct {
	RideID string            `json:"rideId"`
	Status models.RideStatus `json:"status"`
}

func (c *Client) UpdateStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	_, err := c.do(ctx, http.MethodPut, "/api/rides/status", statusUpdate{RideID: rideID, Status: status})
	return err
}

type otpRequest struct {
	RideID string `json:"rideId"`
	OTP    string `json:"otp"`
}

func (c *Client) VerifyOTP(ctx context.Context, rideID, otp string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/rides/verify-otp", otpRequest{RideID: rideID, OTP: otp})
	return err
}

// PushLocation sends this device's position for the ride upstream.
func (c *Client) PushLocation(ctx context.Context, rideID string, loc models.Coord) error {
	_, err := c.do(ctx, http.MethodPost, "/api/rides/"+url.PathEscape(rideID)+"/location", loc)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(out)}
	}
	return out, nil
}

const maxMessageRunes = 200

// errorMessage pulls "message" or "error" out of a JSON error body, or
// falls back to the trimmed text.
func errorMessage(body []byte) string {
	if obj, err := object(body); err == nil {
		for _, k := range []string{"message", "error"} {
			if s, ok := stringField(obj, k); ok {
				return s
			}
		}
		return ""
	}
	s := strings.TrimSpace(string(body))
	if r := []rune(s); len(r) > maxMessageRunes {
		s = string(r[:maxMessageRunes])
	}
	return s
}
