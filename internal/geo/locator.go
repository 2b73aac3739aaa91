package geo

import (
	"context"
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

// Locator samples the current device position.
type Locator interface {
	Current(ctx context.Context) (models.Coord, error)
}

// StaticLocator reports a fixed position until Move is called.
// It stands in for a GPS source on headless rider devices.
type StaticLocator struct {
	mu  sync.RWMutex
	loc models.Coord
	set bool
}

func NewStaticLocator(c *models.Coord) *StaticLocator {
	l := &StaticLocator{}
	if c != nil {
		l.loc, l.set = *c, true
	}
	return l
}

func (l *StaticLocator) Move(c models.Coord) {
	l.mu.Lock()
	l.loc, l.set = c, true
	l.mu.Unlock()
}

func (l *StaticLocator) Current(context.Context) (models.Coord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.set {
		return models.Coord{}, ErrNoFix
	}
	return l.loc, nil
}
