package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/example/ride-tracking/internal/models"
)

var ErrNotObject = errors.New("backend: payload is not a JSON object")

// Unwrap strips the optional {"data": ...} envelope push messages arrive in.
// A data value that is itself a JSON-encoded string is decoded once more.
func Unwrap(raw []byte) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	data, ok := env["data"]
	if !ok {
		return raw
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			data = []byte(s)
		}
	}
	if len(data) > 0 && data[0] == '{' {
		return data
	}
	return raw
}

// ExtractPatch reads the optional ride fields out of a fetch-by-id response
// or an unwrapped push payload. Fields that are missing or of the wrong
// shape are left nil; only a non-object payload is an error.
func ExtractPatch(raw []byte) (models.Patch, error) {
	obj, err := object(Unwrap(raw))
	if err != nil {
		return models.Patch{}, err
	}
	var p models.Patch
	p.RideID = rideID(obj)
	if s, ok := stringField(obj, "status"); ok {
		st := models.RideStatus(strings.ToUpper(strings.TrimSpace(s)))
		p.Status = &st
	}
	if f, ok := numberField(obj, "cost"); ok {
		p.Fare = &f
	}
	if c, ok := coordField(obj, "driverLocation"); ok {
		p.DriverCoords = &c
	}
	if c, ok := coordField(obj, "dropOffLocation"); ok {
		p.DestinationCoords = &c
	}
	return p, nil
}

// parseBooking reads a ride document into a BookingResult, tolerating
// numeric ids and missing fields.
func parseBooking(raw []byte) (models.BookingResult, error) {
	obj, err := object(Unwrap(raw))
	if err != nil {
		return models.BookingResult{}, err
	}
	var b models.BookingResult
	b.RideID = rideID(obj)
	if s, ok := stringField(obj, "status"); ok {
		b.Status = models.RideStatus(strings.ToUpper(strings.TrimSpace(s)))
	}
	if f, ok := numberField(obj, "cost"); ok {
		b.Cost = &f
	}
	b.Pickup, _ = stringField(obj, "pickupLocation")
	b.Destination, _ = stringField(obj, "dropOffLocation")
	if c, ok := coordField(obj, "pickupCoords"); ok {
		b.PickupCoords = &c
	}
	if c, ok := coordField(obj, "dropOffLocation"); ok {
		b.DestinationCoords = &c
	} else if c, ok := coordField(obj, "dropOffCoords"); ok {
		b.DestinationCoords = &c
	}
	if c, ok := coordField(obj, "driverLocation"); ok {
		b.DriverCoords = &c
	}
	if d, ok := obj["driver"]; ok {
		var drv models.Driver
		if json.Unmarshal(d, &drv) == nil && drv != (models.Driver{}) {
			b.Driver = &drv
		}
	}
	return b, nil
}

func object(raw []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// numberField accepts JSON numbers and numeric strings.
func numberField(obj map[string]json.RawMessage, key string) (float64, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	return number(v)
}

func number(v json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// rideID prefers "rideId" over "id"; numeric ids are accepted.
func rideID(obj map[string]json.RawMessage) string {
	for _, k := range []string{"rideId", "id"} {
		if id, ok := idField(obj, k); ok {
			return id
		}
	}
	return ""
}

func idField(obj map[string]json.RawMessage, key string) (string, bool) {
	if s, ok := stringField(obj, key); ok {
		return s, true
	}
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil || n == "" {
		return "", false
	}
	return n.String(), true
}

func coordField(obj map[string]json.RawMessage, key string) (models.Coord, bool) {
	v, ok := obj[key]
	if !ok {
		return models.Coord{}, false
	}
	inner, err := object(v)
	if err != nil {
		return models.Coord{}, false
	}
	lat, okLat := firstNumber(inner, "latitude", "lat")
	lon, okLon := firstNumber(inner, "longitude", "lng", "lon")
	if !okLat || !okLon {
		return models.Coord{}, false
	}
	return models.Coord{Lat: lat, Lon: lon}, true
}

func firstNumber(obj map[string]json.RawMessage, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := numberField(obj, k); ok {
			return f, true
		}
	}
	return 0, false
}
