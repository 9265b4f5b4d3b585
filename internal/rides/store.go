package rides

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Store is the durable backing for ride requests, rides and vehicles.
// Status-guarded updates return the number of rows they touched; zero means
// the precondition no longer held. The registry builds every transition on
// that single conditional-write primitive, so no caller ever does a racy
// read-then-write.
type Store interface {
	CreateRequest(ctx context.Context, req *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)

	// AcceptRequest sets driver_id and status=accepted iff the request is
	// still pending. This is the at-most-one-acceptance primitive.
	AcceptRequest(ctx context.Context, id, driverID string) (int64, error)

	// UpdateRequestStatus moves the request to `to` iff its current status
	// is one of `from`.
	UpdateRequestStatus(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (int64, error)

	// ExpirePending transitions every pending request created before the
	// cutoff to expired and returns the requests it touched.
	ExpirePending(ctx context.Context, createdBefore time.Time) ([]models.RideRequest, error)

	// ConfirmRequest moves the request to confirmed and materializes the
	// ride in one atomic step, iff the request is still accepted. Zero
	// rows means the precondition no longer held and nothing was written.
	ConfirmRequest(ctx context.Context, requestID string, ride *models.Ride) (int64, error)

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRideStatus(ctx context.Context, id string, from models.RideStatus, to models.RideStatus) (int64, error)

	UpsertVehicle(ctx context.Context, v *models.Vehicle) error
	ActiveVehicle(ctx context.Context, driverID string) (*models.Vehicle, error)
}

// MemoryStore serializes every conditional update under one mutex, which
// gives the same exactly-one-winner guarantee the SQL store gets from
// single-statement atomicity.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.RideRequest
	rides    map[string]*models.Ride
	vehicles map[string]*models.Vehicle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.RideRequest),
		rides:    make(map[string]*models.Ride),
		vehicles: make(map[string]*models.Vehicle),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AcceptRequest(_ context.Context, id, driverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != models.RequestPending {
		return 0, nil
	}
	r.Status = models.RequestAccepted
	r.DriverID = driverID
	return 1, nil
}

func (m *MemoryStore) UpdateRequestStatus(_ context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return 0, nil
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) ExpirePending(_ context.Context, createdBefore time.Time) ([]models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending && r.CreatedAt.Before(createdBefore) {
			r.Status = models.RequestExpired
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ConfirmRequest(_ context.Context, requestID string, ride *models.Ride) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok || r.Status != models.RequestAccepted {
		return 0, nil
	}
	r.Status = models.RequestConfirmed
	cp := *ride
	m.rides[ride.ID] = &cp
	return 1, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRideStatus(_ context.Context, id string, from models.RideStatus, to models.RideStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != from {
		return 0, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return 1, nil
}

func (m *MemoryStore) UpsertVehicle(_ context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vehicles[v.DriverID] = &cp
	return nil
}

func (m *MemoryStore) ActiveVehicle(_ context.Context, driverID string) (*models.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[driverID]
	if !ok || !v.Active {
		return nil, apperr.ErrNotFound
	}
	cp := *v
	return &cp, nil
}
