package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsJSONKeepsZeroDistance(t *testing.T) {
	b, err := json.Marshal(Metrics{Available: true, DistanceKm: 0, ETAMinutes: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":true,"distanceKm":0,"etaMinutes":1}`, string(b))
	assert.Equal(t, "0.00 km", Metrics{Available: true}.DistanceText())
}

func TestMetricsUnavailableText(t *testing.T) {
	m := Metrics{}
	assert.Equal(t, NotAvailable, m.DistanceText())
	assert.Equal(t, NotAvailable, m.ETAText())
}
