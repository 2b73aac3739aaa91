package storage

import (
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

// RideStore keeps the final snapshot of rides that are no longer tracked.
type RideStore interface {
	SaveRide(r models.Ride) error
	GetRide(id string) (models.Ride, bool)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryStore) SaveRide(r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(id string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, false
	}
	return r.Clone(), true
}
