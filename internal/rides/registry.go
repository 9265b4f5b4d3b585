// Package rides implements the ride-request and ride state machines on top
// of a conditional-write store. Request lifecycle:
//
//	pending  -> accepted | declined | canceled | expired
//	accepted -> confirmed | canceled
//
// Confirm materializes a Ride, which starts at accepted since its driver
// is already assigned:
//
//	accepted -> in-progress -> completed
//	(canceled from any non-terminal state)
//
// declined, canceled, expired and completed are terminal; records are
// retained after terminal status for history.
package rides

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// rideNext is the legal Ride transition table.
var rideNext = map[models.RideStatus][]models.RideStatus{
	models.RideAccepted:   {models.RideInProgress, models.RideCanceled},
	models.RideInProgress: {models.RideCompleted, models.RideCanceled},
}

func rideEdgeLegal(from, to models.RideStatus) bool {
	for _, n := range rideNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

type Registry struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now, newID: uuid.NewString}
}

// CreateParams carries the rider's submission.
type CreateParams struct {
	RiderID        string
	Pickup         models.Stop
	Dropoff        models.Stop
	Fare           float64
	ETAMinutes     float64
	RideType       string
	PassengerCount int
	BookingDate    *time.Time
}

// Create validates the submission and stores a pending request.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*models.RideRequest, error) {
	if p.RiderID == "" {
		return nil, apperr.Validation("rider_id", "must not be empty")
	}
	if p.Pickup.Loc == (models.Coord{}) {
		return nil, apperr.Validation("pickup", "is required")
	}
	if p.Dropoff.Loc == (models.Coord{}) {
		return nil, apperr.Validation("dropoff", "is required")
	}
	if p.Fare <= 0 {
		return nil, apperr.Validation("fare", "must be > 0")
	}
	dist := geo.Haversine(p.Pickup.Loc.Lat, p.Pickup.Loc.Lon, p.Dropoff.Loc.Lat, p.Dropoff.Loc.Lon)
	if dist <= 0 {
		return nil, apperr.Validation("dropoff", "must differ from pickup")
	}
	if p.RideType == "" {
		return nil, apperr.Validation("ride_type", "must not be empty")
	}
	if p.PassengerCount < 1 {
		p.PassengerCount = 1
	}
	req := &models.RideRequest{
		ID:             r.newID(),
		RiderID:        p.RiderID,
		Pickup:         p.Pickup,
		Dropoff:        p.Dropoff,
		Fare:           p.Fare,
		ETAMinutes:     p.ETAMinutes,
		RideType:       p.RideType,
		Status:         models.RequestPending,
		PassengerCount: p.PassengerCount,
		CreatedAt:      r.now(),
		BookingDate:    p.BookingDate,
	}
	if err := r.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// TryAccept claims a pending request for driverID. Concurrent calls for
// the same request yield exactly one success; the rest get
// apperr.ErrAcceptConflict.
func (r *Registry) TryAccept(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	if driverID == "" {
		return nil, apperr.Validation("driver_id", "must not be empty")
	}
	affected, err := r.store.AcceptRequest(ctx, requestID, driverID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := r.store.GetRequest(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, apperr.ErrAcceptConflict
	}
	return r.store.GetRequest(ctx, requestID)
}

// Confirm materializes the Ride for an accepted request. Only the driver
// that won the acceptance may confirm.
func (r *Registry) Confirm(ctx context.Context, requestID, driverID string) (*models.Ride, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestAccepted {
		return nil, &apperr.InvalidStateError{
			Entity: "ride_request", ID: requestID,
			From: string(req.Status), To: string(models.RequestConfirmed),
		}
	}
	if req.DriverID != driverID {
		return nil, apperr.ErrNotAuthorized
	}
	now := r.now()
	ride := &models.Ride{
		ID:             r.newID(),
		RequestID:      req.ID,
		RiderID:        req.RiderID,
		DriverID:       driverID,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		Status:         models.RideAccepted,
		Fare:           req.Fare,
		DistanceMeters: geo.Haversine(req.Pickup.Loc.Lat, req.Pickup.Loc.Lon, req.Dropoff.Loc.Lat, req.Dropoff.Loc.Lon),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Status flip and ride insert commit together; a store failure leaves
	// the request accepted so the confirm can be retried.
	affected, err := r.store.ConfirmRequest(ctx, requestID, ride)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost a race with a cancellation between the read and the write.
		return nil, &apperr.InvalidStateError{
			Entity: "ride_request", ID: requestID,
			From: string(models.RequestAccepted), To: string(models.RequestConfirmed),
		}
	}
	return ride, nil
}

// Decline moves a pending request to declined.
func (r *Registry) Decline(ctx context.Context, requestID, driverID string) error {
	affected, err := r.store.UpdateRequestStatus(ctx, requestID,
		[]models.RequestStatus{models.RequestPending}, models.RequestDeclined)
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.transitionRefused(ctx, requestID, models.RequestDeclined)
	}
	return nil
}

// Cancel moves a pending or accepted request to canceled.
func (r *Registry) Cancel(ctx context.Context, requestID, reason string) (*models.RideRequest, error) {
	affected, err := r.store.UpdateRequestStatus(ctx, requestID,
		[]models.RequestStatus{models.RequestPending, models.RequestAccepted}, models.RequestCanceled)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, r.transitionRefused(ctx, requestID, models.RequestCanceled)
	}
	return r.store.GetRequest(ctx, requestID)
}

// transitionRefused turns a zero-rows conditional update into the right
// typed error: NotFound for unknown ids, InvalidState otherwise.
func (r *Registry) transitionRefused(ctx context.Context, requestID string, to models.RequestStatus) error {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	return &apperr.InvalidStateError{
		Entity: "ride_request", ID: requestID,
		From: string(req.Status), To: string(to),
	}
}

// UpdateRideStatus applies a legal Ride transition. The write is
// conditional on the status observed here, so a concurrent change refuses
// the transition instead of clobbering it.
func (r *Registry) UpdateRideStatus(ctx context.Context, rideID string, to models.RideStatus) (*models.Ride, error) {
	ride, err := r.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !rideEdgeLegal(ride.Status, to) {
		return nil, &apperr.InvalidStateError{
			Entity: "ride", ID: rideID,
			From: string(ride.Status), To: string(to),
		}
	}
	affected, err := r.store.UpdateRideStatus(ctx, rideID, ride.Status, to)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		current, err := r.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		return nil, &apperr.InvalidStateError{
			Entity: "ride", ID: rideID,
			From: string(current.Status), To: string(to),
		}
	}
	return r.store.GetRide(ctx, rideID)
}

func (r *Registry) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	return r.store.GetRequest(ctx, id)
}

func (r *Registry) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return r.store.GetRide(ctx, id)
}

// ExpirePending terminates pending requests created before the cutoff.
func (r *Registry) ExpirePending(ctx context.Context, createdBefore time.Time) ([]models.RideRequest, error) {
	return r.store.ExpirePending(ctx, createdBefore)
}
