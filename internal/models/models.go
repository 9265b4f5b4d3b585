package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Role distinguishes the two kinds of tracked participants.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

// Position is the latest reported coordinate for one entity. Exactly one
// live Position exists per entity id; upserts replace it wholesale.
type Position struct {
	EntityID  string    `json:"entity_id"`
	Loc       Coord     `json:"loc"`
	Role      Role      `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is a proximity-query hit: an entity plus its great-circle
// distance from the query origin.
type Candidate struct {
	EntityID       string    `json:"entity_id"`
	Loc            Coord     `json:"loc"`
	DistanceMeters float64   `json:"distance_meters"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RequestStatus is the lifecycle state of a RideRequest.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestConfirmed RequestStatus = "confirmed"
	RequestDeclined  RequestStatus = "declined"
	RequestCanceled  RequestStatus = "canceled"
	RequestExpired   RequestStatus = "expired"
)

// Terminal reports whether no further request transition is defined.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestDeclined, RequestCanceled, RequestExpired, RequestConfirmed:
		return true
	}
	return false
}

type Stop struct {
	Loc     Coord  `json:"loc"`
	Address string `json:"address,omitempty"`
}

type RideRequest struct {
	ID             string        `json:"id"`
	RiderID        string        `json:"rider_id"`
	Pickup         Stop          `json:"pickup"`
	Dropoff        Stop          `json:"dropoff"`
	Fare           float64       `json:"fare"`
	ETAMinutes     float64       `json:"eta_minutes"`
	RideType       string        `json:"ride_type"`
	Status         RequestStatus `json:"status"`
	DriverID       string        `json:"driver_id,omitempty"`
	PassengerCount int           `json:"passenger_count"`
	CreatedAt      time.Time     `json:"created_at"`
	BookingDate    *time.Time    `json:"booking_date,omitempty"`
}

// RideStatus is the lifecycle state of a materialized Ride.
type RideStatus string

// Rides start at accepted: a Ride only exists once a driver has won the
// request, so there is no earlier ride state.
const (
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in-progress"
	RideCompleted  RideStatus = "completed"
	RideCanceled   RideStatus = "canceled"
)

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCanceled
}

// Ride is materialized once a RideRequest is confirmed by its accepted
// driver; retained after completion for history.
type Ride struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	RiderID        string     `json:"rider_id"`
	DriverID       string     `json:"driver_id"`
	Pickup         Stop       `json:"pickup"`
	Dropoff        Stop       `json:"dropoff"`
	Status         RideStatus `json:"status"`
	Fare           float64    `json:"fare"`
	DistanceMeters float64    `json:"distance_meters"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// PresenceStatus is a driver's availability, independent of Position.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceBusy    PresenceStatus = "busy"
)

// Vehicle is a driver's registered vehicle; its RideType gates which
// requests the driver is a candidate for.
type Vehicle struct {
	DriverID string `json:"driver_id"`
	Plate    string `json:"plate"`
	RideType string `json:"ride_type"`
	Active   bool   `json:"active"`
}
