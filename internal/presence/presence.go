// Package presence tracks driver availability separately from raw
// position: a driver can carry a fresh Position and still be explicitly
// offline.
package presence

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Tracker stores driver availability. GetStatus falls back to offline for
// unknown drivers; implementations that can fail transiently surface a
// StoreError and callers treat the driver as offline.
type Tracker interface {
	SetStatus(ctx context.Context, driverID string, status models.PresenceStatus) error
	GetStatus(ctx context.Context, driverID string) (models.PresenceStatus, error)
}

func validStatus(s models.PresenceStatus) bool {
	switch s {
	case models.PresenceOnline, models.PresenceOffline, models.PresenceBusy:
		return true
	}
	return false
}

type MemoryTracker struct {
	mu     sync.RWMutex
	status map[string]models.PresenceStatus
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{status: make(map[string]models.PresenceStatus)}
}

func (t *MemoryTracker) SetStatus(_ context.Context, driverID string, status models.PresenceStatus) error {
	if driverID == "" {
		return apperr.Validation("driver_id", "must not be empty")
	}
	if !validStatus(status) {
		return apperr.Validation("status", "must be online, offline or busy")
	}
	t.mu.Lock()
	t.status[driverID] = status
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) GetStatus(_ context.Context, driverID string) (models.PresenceStatus, error) {
	t.mu.RLock()
	s, ok := t.status[driverID]
	t.mu.RUnlock()
	if !ok {
		return models.PresenceOffline, nil
	}
	return s, nil
}
